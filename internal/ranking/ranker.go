// Package ranking orders stored signatures by their distance to a target.
package ranking

import (
	"sort"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/storage"
	"gonum.org/v1/gonum/floats"
)

// Distance returns the sum over all cells and channels of |a - b|.
func Distance(a, b models.Signature) (float64, error) {
	if err := b.Validate(a.Depth()); err != nil {
		return 0, &models.SplitDepthMismatchError{Want: a.Depth(), Got: b.Depth()}
	}
	return floats.Distance(a.Flatten(), b.Flatten(), 1), nil
}

// Rank scores every record in store against target and returns them closest
// first. Records with equal distance keep storage order.
func Rank(target models.Signature, store *storage.Storage) ([]*models.RankedResult, error) {
	if err := checkDepth(target, store); err != nil {
		return nil, err
	}
	return rank(target, store.Records())
}

// RankPaths is like Rank but only considers the given paths. Paths that are
// not in store are ignored.
func RankPaths(target models.Signature, store *storage.Storage, paths []string) ([]*models.RankedResult, error) {
	if err := checkDepth(target, store); err != nil {
		return nil, err
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	records := make([]models.Record, 0, len(sorted))
	for i, p := range sorted {
		if i > 0 && sorted[i-1] == p {
			continue
		}
		if sig, ok := store.Get(p); ok {
			records = append(records, models.Record{Path: p, Signature: sig})
		}
	}
	return rank(target, records)
}

func checkDepth(target models.Signature, store *storage.Storage) error {
	if err := target.Validate(store.SplitDepth()); err != nil {
		return &models.SplitDepthMismatchError{Want: store.SplitDepth(), Got: target.Depth()}
	}
	return nil
}

func rank(target models.Signature, records []models.Record) ([]*models.RankedResult, error) {
	flat := target.Flatten()
	results := make([]*models.RankedResult, len(records))
	for i, r := range records {
		if err := r.Signature.Validate(target.Depth()); err != nil {
			return nil, &models.SplitDepthMismatchError{Want: target.Depth(), Got: r.Signature.Depth(), Path: r.Path}
		}
		results[i] = &models.RankedResult{
			Path:      r.Path,
			ErrorRate: floats.Distance(flat, r.Signature.Flatten(), 1),
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ErrorRate < results[j].ErrorRate
	})
	for i, r := range results {
		r.Rank = i + 1
	}
	return results, nil
}
