package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/hyperjump/niteru/internal/journal"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/precalc"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"go.uber.org/zap"
)

// maxListedFailures caps how many skipped files are printed after a run.
const maxListedFailures = 20

// precalcFlags are shared by precalculate and onflight.
type precalcFlags struct {
	configPath  string
	debug       bool
	quiet       bool
	storagePath string
	dirs        stringList
	splitDepth  int
	fork        int
	overwrite   bool
	autoOrient  bool
	noJournal   bool
}

func (p *precalcFlags) register(fs *flag.FlagSet, e *env, storageDefault string) {
	fs.StringVar(&p.configPath, "config", defaultConfigPath, "config file path")
	fs.BoolVar(&p.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&p.quiet, "quiet", false, "no progress bar, warnings-only logging")
	fs.StringVar(&p.storagePath, "storage", storageDefault, "storage file path")
	fs.Var(&p.dirs, "dir", "directory to scan (repeatable)")
	fs.IntVar(&p.splitDepth, "split-depth", e.cfg.Precalc.SplitDepth, "grid size S of the S x S signature")
	fs.IntVar(&p.fork, "fork", e.cfg.Precalc.Parallelism, "number of parallel workers")
	fs.BoolVar(&p.overwrite, "overwrite", false, "replace the storage instead of merging into it")
	fs.BoolVar(&p.autoOrient, "auto-orient", e.cfg.Precalc.AutoOrient, "apply EXIF orientation before computing signatures")
	fs.BoolVar(&p.noJournal, "no-journal", false, "don't record the run in the journal")
}

func (p *precalcFlags) validate() error {
	if len(p.dirs) == 0 {
		return errors.New("-dir is required")
	}
	if p.splitDepth < 1 {
		return fmt.Errorf("-split-depth must be at least 1, got %d", p.splitDepth)
	}
	if p.fork < 1 {
		return fmt.Errorf("-fork must be at least 1, got %d", p.fork)
	}
	return nil
}

// preloadEnv loads the config named in args so it can provide flag defaults.
func preloadEnv(args []string, stdout, stderr io.Writer) (*env, error) {
	cfg, resolved, err := loadConfig(configPathFromArgs(args, defaultConfigPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &env{cfg: cfg, configPath: resolved, stdout: stdout, stderr: stderr}, nil
}

func runPrecalculate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("precalculate", stderr)
	var p precalcFlags
	p.register(fs, e, e.cfg.Storage.Path)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	p.dirs = append(p.dirs, positional...)
	if err := p.validate(); err != nil {
		return err
	}
	if p.storagePath == "" {
		return errors.New("-storage is required")
	}
	if e, err = newEnv(e.cfg, e.configPath, p.debug, p.quiet, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	store, err := precalculate(ctx, e, &p, explicitFlags(fs)["split-depth"])
	if err != nil {
		return err
	}
	if !p.quiet {
		fmt.Fprintf(stdout, "Precalculation finished: %d image(s) in %s (split depth %d)\n",
			store.Len(), p.storagePath, store.SplitDepth())
	}
	return nil
}

// openBase returns the storage new signatures are merged into, or nil for a
// fresh one. Without an explicit -split-depth an existing storage keeps its depth.
func openBase(p *precalcFlags, depthSet bool) (*storage.Storage, error) {
	if p.storagePath == "" || p.overwrite {
		return nil, nil
	}
	depth := p.splitDepth
	if !depthSet {
		depth = 0
	}
	base, err := storage.Load(p.storagePath)
	var nf *storage.NotFoundError
	switch {
	case errors.As(err, &nf):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if depth > 0 && base.SplitDepth() != depth {
		return nil, fmt.Errorf("%w (use -overwrite to replace it)",
			&models.SplitDepthMismatchError{Want: base.SplitDepth(), Got: depth, Path: p.storagePath})
	}
	p.splitDepth = base.SplitDepth()
	return base, nil
}

// precalculate runs every directory in p into one storage, saving it when a
// storage path is set, and records the run in the journal.
func precalculate(ctx context.Context, e *env, p *precalcFlags, depthSet bool) (*storage.Storage, error) {
	base, err := openBase(p, depthSet)
	if err != nil {
		return nil, err
	}

	opts := []precalc.CoordinatorOption{
		precalc.WithLogger(e.logger),
		precalc.WithExtensions(e.cfg.Precalc.Extensions),
		precalc.WithDecodeOptions(signature.DecodeOptions{AutoOrient: p.autoOrient}),
	}
	if !p.quiet {
		opts = append(opts, precalc.WithProgress(newBarProgress(e.stderr, "Computing signatures")))
	}
	coord := precalc.NewCoordinator(p.splitDepth, p.fork, opts...)

	jr := openJournal(e, p.noJournal)
	if jr != nil {
		defer jr.Close()
	}

	store := base
	for _, dir := range p.dirs {
		run := &journal.Run{Root: dir, StoragePath: p.storagePath, SplitDepth: p.splitDepth, Parallelism: p.fork}
		jr.start(ctx, run)

		report, err := coord.Precalculate(ctx, dir, store)
		if err != nil {
			run.Error = err.Error()
			jr.finish(run, nil)
			return nil, fmt.Errorf("precalculate %s: %w", dir, err)
		}
		run.Root = report.Root
		run.Processed = report.Processed
		run.Failed = len(report.Failures)
		jr.finish(run, report.Failures)

		printFailures(e.stderr, report)
		if !p.quiet {
			fmt.Fprintf(e.stdout, "%s: %s\n", report.Root, report.Summary())
		}
		store = report.Storage
	}

	if p.storagePath != "" {
		store.SetTool(toolName + " " + version)
		if err := storage.Save(store, p.storagePath); err != nil {
			return nil, err
		}
		e.logger.Info("storage saved", zap.String("path", p.storagePath), zap.Int("records", store.Len()))
	}
	return store, nil
}

// printFailures lists the files a run skipped, up to maxListedFailures.
func printFailures(w io.Writer, report *precalc.Report) {
	if len(report.Failures) == 0 {
		return
	}
	fmt.Fprintf(w, "Skipped %d file(s) that could not be processed:\n", len(report.Failures))
	for i, f := range report.Failures {
		if i == maxListedFailures {
			fmt.Fprintf(w, "  ... and %d more\n", len(report.Failures)-maxListedFailures)
			break
		}
		fmt.Fprintf(w, "  %s: %v\n", f.Path, f.Err)
	}
}

// runJournal records runs, logging instead of failing when the journal is unavailable.
type runJournal struct {
	j      *journal.Journal
	logger *zap.Logger
}

func openJournal(e *env, disabled bool) *runJournal {
	if disabled || e.cfg.Storage.JournalPath == "" {
		return nil
	}
	j, err := journal.Open(e.cfg.Storage.JournalPath)
	if err != nil {
		e.logger.Warn("journal unavailable", zap.String("path", e.cfg.Storage.JournalPath), zap.Error(err))
		return nil
	}
	return &runJournal{j: j, logger: e.logger}
}

func (r *runJournal) start(ctx context.Context, run *journal.Run) {
	if r == nil {
		return
	}
	if err := r.j.Start(ctx, run); err != nil {
		r.logger.Warn("journal start failed", zap.Error(err))
	}
}

// finish uses its own context so interrupted runs are still recorded.
func (r *runJournal) finish(run *journal.Run, failures []precalc.Failure) {
	if r == nil || run.ID == "" {
		return
	}
	entries := make([]journal.Failure, len(failures))
	for i, f := range failures {
		entries[i] = journal.Failure{Path: f.Path, Reason: f.Err.Error()}
	}
	if err := r.j.Finish(context.Background(), run, entries); err != nil {
		r.logger.Warn("journal finish failed", zap.Error(err))
	}
}

func (r *runJournal) Close() {
	if r != nil {
		_ = r.j.Close()
	}
}
