// Package precalc walks a directory tree, computes signatures for every image
// in parallel and merges them into a storage.
package precalc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProgressReporter receives progress updates. Increment is called from
// several workers at once and must be safe for concurrent use.
type ProgressReporter interface {
	Start(total int)
	Increment()
	Finish()
}

// Coordinator computes signatures for a directory tree.
type Coordinator struct {
	depth       int
	parallelism int
	extensions  []string
	decode      signature.DecodeOptions
	progress    ProgressReporter
	logger      *zap.Logger // optional

	compute func(path string) (models.Signature, error)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets a logger for skipped files and run summaries.
func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithExtensions restricts the files considered to the given extensions.
// Files with other extensions are listed in Report.Ignored. An empty list,
// the default, sends every file through the decoder.
func WithExtensions(exts []string) CoordinatorOption {
	return func(c *Coordinator) { c.extensions = exts }
}

// WithProgress reports per-file progress to p.
func WithProgress(p ProgressReporter) CoordinatorOption {
	return func(c *Coordinator) { c.progress = p }
}

// WithDecodeOptions sets how image files are decoded.
func WithDecodeOptions(opts signature.DecodeOptions) CoordinatorOption {
	return func(c *Coordinator) { c.decode = opts }
}

// NewCoordinator creates a coordinator for the given split depth. A
// parallelism below 1 is treated as 1.
func NewCoordinator(depth, parallelism int, opts ...CoordinatorOption) *Coordinator {
	if parallelism < 1 {
		parallelism = 1
	}
	c := &Coordinator{
		depth:       depth,
		parallelism: parallelism,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.compute = func(path string) (models.Signature, error) {
		return signature.FromFile(path, c.depth, c.decode)
	}
	return c
}

// SplitDepth returns the depth signatures are computed at.
func (c *Coordinator) SplitDepth() int { return c.depth }

// Failure is a file that was skipped.
type Failure struct {
	Path string
	Err  error
}

// Report is the outcome of one Precalculate call.
type Report struct {
	Root      string
	Storage   *storage.Storage
	Processed int
	Failures  []Failure
	// Files left out by the extension filter, never decoded.
	Ignored  []string
	Duration time.Duration
}

// Summary returns a one-line description of the run.
func (r *Report) Summary() string {
	ignored := ""
	if len(r.Ignored) > 0 {
		ignored = fmt.Sprintf(", ignored %d by extension", len(r.Ignored))
	}
	return fmt.Sprintf("processed %d image(s), skipped %d%s in %s",
		r.Processed, len(r.Failures), ignored, r.Duration.Round(time.Millisecond))
}

type batchResult struct {
	records  []models.Record
	failures []Failure
}

// Precalculate computes signatures for every image under root and merges them
// into base, or into a new storage when base is nil. Files that cannot be
// decoded are skipped and listed in the report. The merged records are the
// same for any parallelism. On cancellation nothing is merged.
func (c *Coordinator) Precalculate(ctx context.Context, root string, base *storage.Storage) (*Report, error) {
	start := time.Now()
	if base != nil && base.SplitDepth() != c.depth {
		return nil, &models.SplitDepthMismatchError{Want: base.SplitDepth(), Got: c.depth}
	}
	absRoot, paths, ignored, err := c.Collect(root)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Info("precalculation starting",
			zap.String("root", absRoot),
			zap.Int("files", len(paths)),
			zap.Int("ignored", len(ignored)),
			zap.Int("split_depth", c.depth),
			zap.Int("parallelism", c.parallelism))
	}

	batches := Partition(paths, c.parallelism)
	results := make([]batchResult, len(batches))
	if c.progress != nil {
		c.progress.Start(len(paths))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := c.runBatch(gctx, i, batch)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()
	if c.progress != nil {
		c.progress.Finish()
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := base
	if target == nil {
		target = storage.New(c.depth)
	}
	report := &Report{Root: absRoot, Storage: target, Ignored: ignored}
	for _, res := range results {
		for _, r := range res.records {
			if err := target.Put(r.Path, r.Signature); err != nil {
				return nil, err
			}
			report.Processed++
		}
		report.Failures = append(report.Failures, res.failures...)
	}
	sort.SliceStable(report.Failures, func(i, j int) bool {
		return report.Failures[i].Path < report.Failures[j].Path
	})
	target.AddRoot(absRoot)
	report.Duration = time.Since(start)

	if c.logger != nil {
		c.logger.Info("precalculation finished",
			zap.String("root", absRoot),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", len(report.Failures)),
			zap.Int("ignored", len(report.Ignored)),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}

// runBatch processes one worker's files in order. A panic fails the whole batch.
func (c *Coordinator) runBatch(ctx context.Context, worker int, paths []string) (res batchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			wf := &WorkerFailedError{Worker: worker, Paths: paths, Cause: r}
			if c.logger != nil {
				c.logger.Error("precalculation worker failed", zap.Int("worker", worker), zap.Error(wf))
			}
			res = batchResult{failures: make([]Failure, len(paths))}
			for i, p := range paths {
				res.failures[i] = Failure{Path: p, Err: wf}
			}
			err = nil
		}
	}()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return batchResult{}, err
		}
		sig, err := c.compute(p)
		if c.progress != nil {
			c.progress.Increment()
		}
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("skipping file", zap.String("path", p), zap.Error(err))
			}
			res.failures = append(res.failures, Failure{Path: p, Err: err})
			continue
		}
		if c.logger != nil {
			c.logger.Debug("signature computed", zap.String("path", p), zap.Int("worker", worker))
		}
		res.records = append(res.records, models.Record{Path: p, Signature: sig})
	}
	return res, nil
}

// Collect returns the absolute root, every regular file below it whose
// extension is accepted and the regular files the extension filter left out,
// both sorted. Unreadable subdirectories are skipped.
func (c *Coordinator) Collect(root string) (absRoot string, paths, ignored []string, err error) {
	absRoot, err = filepath.Abs(root)
	if err != nil {
		return "", nil, nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return "", nil, nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return "", nil, nil, fmt.Errorf("not a directory: %s", absRoot)
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == absRoot {
				return walkErr
			}
			if c.logger != nil {
				c.logger.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(walkErr))
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// Follow symlinks, but only to regular files.
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		if !signature.IsImage(path, c.extensions) {
			if c.logger != nil {
				c.logger.Warn("ignoring file with unlisted extension", zap.String("path", path))
			}
			ignored = append(ignored, path)
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("walk %s: %w", absRoot, err)
	}
	sort.Strings(paths)
	sort.Strings(ignored)
	return absRoot, paths, ignored, nil
}

// Partition deals paths round-robin into at most n disjoint batches: batch i
// holds the paths at positions i, i+n, i+2n, ...
func Partition(paths []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if n > len(paths) {
		n = len(paths)
	}
	batches := make([][]string, n)
	for i, p := range paths {
		batches[i%n] = append(batches[i%n], p)
	}
	return batches
}
