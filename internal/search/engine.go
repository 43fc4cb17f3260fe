// Package search ranks a stored signature collection against a target image.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/pathindex"
	"github.com/hyperjump/niteru/internal/ranking"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"go.uber.org/zap"
)

// ErrEmptyTarget is returned when a search names no target image.
var ErrEmptyTarget = errors.New("target is required")

// Engine answers nearest-signature queries over one storage.
type Engine struct {
	store       *storage.Storage
	storagePath string
	config      *config.SearchConfig
	decode      signature.DecodeOptions
	logger      *zap.Logger

	mu           sync.Mutex
	index        *pathindex.Index
	indexVersion uint64
	indexed      map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for query logging.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDecodeOptions sets how target images are decoded.
func WithDecodeOptions(opts signature.DecodeOptions) Option {
	return func(e *Engine) { e.decode = opts }
}

// WithStoragePath records where the storage lives on disk, for Status.
func WithStoragePath(path string) Option {
	return func(e *Engine) { e.storagePath = path }
}

// NewEngine creates a search engine over store. A nil cfg uses FuzzyFilter off.
func NewEngine(store *storage.Storage, cfg *config.SearchConfig, opts ...Option) *Engine {
	if cfg == nil {
		cfg = &config.SearchConfig{}
	}
	e := &Engine{store: store, config: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SplitDepth returns the depth targets are computed at.
func (e *Engine) SplitDepth() int {
	return e.store.SplitDepth()
}

// Search ranks the storage against the image at req.Target. A limit of zero or
// less returns every candidate.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	if strings.TrimSpace(req.Target) == "" {
		return nil, ErrEmptyTarget
	}
	sig, err := signature.FromFile(req.Target, e.store.SplitDepth(), e.decode)
	if err != nil {
		return nil, err
	}
	return e.SearchSignature(ctx, req.Target, sig, req.Filter, req.Limit)
}

// SearchImage ranks the storage against an image read from r.
func (e *Engine) SearchImage(ctx context.Context, r io.Reader, filter string, limit int) (*models.SearchResponse, error) {
	sig, err := signature.FromReader(r, e.store.SplitDepth(), e.decode)
	if err != nil {
		return nil, err
	}
	return e.SearchSignature(ctx, "", sig, filter, limit)
}

// SearchSignature ranks the storage against an already computed signature.
// When filter is non-empty only paths matching it are ranked.
func (e *Engine) SearchSignature(ctx context.Context, target string, sig models.Signature, filter string, limit int) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		results []*models.RankedResult
		err     error
	)
	filter = strings.TrimSpace(filter)
	if filter == "" {
		results, err = ranking.Rank(sig, e.store)
	} else {
		var paths []string
		paths, err = e.matchPaths(filter)
		if err != nil {
			return nil, err
		}
		results, err = ranking.RankPaths(sig, e.store, paths)
	}
	if err != nil {
		return nil, err
	}

	candidates := len(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	resp := &models.SearchResponse{
		Target:     target,
		SplitDepth: e.store.SplitDepth(),
		Candidates: candidates,
		Results:    results,
		QueryTime:  time.Since(startTime).Milliseconds(),
	}
	if e.logger != nil {
		e.logger.Debug("search",
			zap.String("target", target),
			zap.String("filter", filter),
			zap.Int("candidates", candidates),
			zap.Int("returned", len(results)),
			zap.Int64("query_time_ms", resp.QueryTime))
	}
	return resp, nil
}

// matchPaths returns stored paths matching filter. The path index follows the
// storage: records added or removed since the last query are applied to it.
func (e *Engine) matchPaths(filter string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	version := e.store.Version()
	if e.index == nil || version != e.indexVersion {
		if err := e.syncIndex(e.store.Paths()); err != nil {
			return nil, err
		}
		e.indexVersion = version
	}
	return e.index.Match(filter, e.config.FuzzyFilter)
}

// syncIndex brings the path index in line with paths. If the index ends up
// with a different document count it is rebuilt from scratch.
func (e *Engine) syncIndex(paths []string) error {
	current := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		current[p] = struct{}{}
	}
	if e.index == nil {
		idx, err := pathindex.FromPaths(paths)
		if err != nil {
			return fmt.Errorf("failed to build path index: %w", err)
		}
		e.index = idx
		e.indexed = current
		return nil
	}

	var added []string
	for _, p := range paths {
		if _, ok := e.indexed[p]; !ok {
			added = append(added, p)
		}
	}
	removed := 0
	for p := range e.indexed {
		if _, ok := current[p]; ok {
			continue
		}
		if err := e.index.Remove(p); err != nil {
			return fmt.Errorf("failed to update path index: %w", err)
		}
		removed++
	}
	if len(added) > 0 {
		if err := e.index.Add(added...); err != nil {
			return fmt.Errorf("failed to update path index: %w", err)
		}
	}
	e.indexed = current

	if n, err := e.index.DocCount(); err == nil && n == uint64(len(current)) {
		if e.logger != nil {
			e.logger.Debug("path index updated", zap.Int("added", len(added)), zap.Int("removed", removed))
		}
		return nil
	}
	_ = e.index.Close()
	e.index = nil
	return e.syncIndex(paths)
}

// Status describes the storage being searched.
func (e *Engine) Status() *models.StorageStatus {
	meta := e.store.Meta()
	status := &models.StorageStatus{
		Path:       e.storagePath,
		Records:    e.store.Len(),
		SplitDepth: e.store.SplitDepth(),
		ID:         meta.ID,
		Tool:       meta.Tool,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
		Roots:      meta.Roots,
	}
	if e.storagePath != "" {
		if n, err := storage.DiskUsageBytes(e.storagePath); err == nil {
			status.DiskUsageBytes = &n
		}
	}
	return status
}

// Close releases the path index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == nil {
		return nil
	}
	err := e.index.Close()
	e.index = nil
	e.indexed = nil
	return err
}
