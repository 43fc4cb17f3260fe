package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/precalc"
	"github.com/hyperjump/niteru/internal/search"
	"github.com/hyperjump/niteru/internal/server"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"github.com/hyperjump/niteru/internal/watcher"
	"go.uber.org/zap"
)

// openStorage loads the storage at path. A missing file yields an empty
// storage at depth when create is set.
func openStorage(path string, depth int, create bool) (*storage.Storage, error) {
	if path == "" {
		return nil, errors.New("-storage is required")
	}
	store, err := storage.Load(path)
	var nf *storage.NotFoundError
	if errors.As(err, &nf) && create {
		return storage.New(depth), nil
	}
	return store, err
}

// startWatching keeps store in sync with dirs until ctx is done. The returned
// syncer must be closed to flush pending changes.
func startWatching(ctx context.Context, e *env, store *storage.Storage, storagePath string, dirs []string) (*watcher.Watcher, *precalc.Syncer, error) {
	coord := precalc.NewCoordinator(store.SplitDepth(), e.cfg.Precalc.Parallelism,
		precalc.WithLogger(e.logger),
		precalc.WithExtensions(e.cfg.Precalc.Extensions),
		precalc.WithDecodeOptions(signature.DecodeOptions{AutoOrient: e.cfg.Precalc.AutoOrient}),
	)
	syncer, err := coord.NewSyncer(store, storagePath)
	if err != nil {
		return nil, nil, err
	}
	syncer.SetFlushDelay(e.cfg.Watch.FlushDelay)
	w := watcher.New(syncer, dirs, e.cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(e.logger),
		watcher.WithDebounce(e.cfg.Watch.Debounce),
		watcher.WithExtensions(e.cfg.Precalc.Extensions),
	)
	if err := w.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	for _, d := range w.Directories() {
		store.AddRoot(d)
	}
	go w.SyncExistingFiles()
	return w, syncer, nil
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("serve", stderr)
	fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	storagePath := fs.String("storage", e.cfg.Storage.Path, "storage file path")
	watch := fs.Bool("watch", len(e.cfg.Watch.Directories) > 0, "keep the storage in sync with the watched directories")
	var dirs stringList
	fs.Var(&dirs, "dir", "directory to watch (repeatable; added to the configured ones)")
	host := fs.String("host", e.cfg.Server.Host, "listen host")
	port := fs.Int("port", e.cfg.Server.Port, "listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e.cfg.Server.Host, e.cfg.Server.Port = *host, *port
	if e, err = newEnv(e.cfg, e.configPath, *debug, false, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	store, err := openStorage(*storagePath, e.cfg.Precalc.SplitDepth, *watch)
	if err != nil {
		return err
	}
	e.logger.Info("storage loaded",
		zap.String("path", *storagePath),
		zap.Int("records", store.Len()),
		zap.Int("split_depth", store.SplitDepth()))

	engine := search.NewEngine(store, &e.cfg.Search,
		search.WithLogger(e.logger),
		search.WithStoragePath(*storagePath),
		search.WithDecodeOptions(signature.DecodeOptions{AutoOrient: e.cfg.Precalc.AutoOrient}),
	)
	defer engine.Close()

	var opts []server.Option
	if jr := openJournal(e, false); jr != nil {
		defer jr.Close()
		opts = append(opts, server.WithJournal(jr.j))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if *watch {
		w, syncer, err := startWatching(ctx, e, store, *storagePath, append(append([]string(nil), e.cfg.Watch.Directories...), dirs...))
		if err != nil {
			return err
		}
		defer func() {
			w.Stop()
			if err := syncer.Close(); err != nil {
				e.logger.Error("failed to save storage", zap.Error(err))
			}
		}()
		opts = append(opts, server.WithWatch(w, e.configPath))
	}

	srv := server.NewServer(engine, e.cfg, e.logger, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	e.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

// runWatch either keeps a storage in sync with directories until interrupted,
// or with add, remove or list manages the directories of a running server.
func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "add", "remove", "list":
			return runWatchRemote(ctx, args[0], args[1:], stdout, stderr)
		}
	}

	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("watch", stderr)
	fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	storagePath := fs.String("storage", e.cfg.Storage.Path, "storage file path")
	splitDepth := fs.Int("split-depth", e.cfg.Precalc.SplitDepth, "grid size for a new storage")
	var dirs stringList
	fs.Var(&dirs, "dir", "directory to watch (repeatable)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	roots := append(append(append([]string(nil), e.cfg.Watch.Directories...), dirs...), positional...)
	if len(roots) == 0 {
		return errors.New("no directories to watch: use -dir or watch.directories in the config")
	}
	if e, err = newEnv(e.cfg, e.configPath, *debug, false, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	store, err := openStorage(*storagePath, *splitDepth, true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, syncer, err := startWatching(ctx, e, store, *storagePath, roots)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Watching %s (storage %s). Press Ctrl+C to stop.\n", strings.Join(w.Directories(), ", "), *storagePath)
	<-ctx.Done()
	w.Stop()
	return syncer.Close()
}

func runWatchRemote(ctx context.Context, sub string, args []string, stdout, stderr io.Writer) error {
	fs := flagSet("watch "+sub, stderr)
	serverURL := fs.String("server", "http://localhost:8089", "server URL")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	base := strings.TrimRight(*serverURL, "/") + "/api/v1/watch/directories"

	var (
		method = http.MethodGet
		target = base
		body   io.Reader
		want   = http.StatusOK
		path   string
	)
	if sub != "list" {
		if len(positional) < 1 {
			return fmt.Errorf("usage: niteru watch %s <path>", sub)
		}
		if path, err = filepath.Abs(positional[0]); err != nil {
			return err
		}
	}
	switch sub {
	case "add":
		b, _ := json.Marshal(map[string]interface{}{"path": path, "sync": true})
		method, body, want = http.MethodPost, bytes.NewReader(b), http.StatusCreated
	case "remove":
		method, target = http.MethodDelete, base+"?path="+url.QueryEscape(path)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", sub, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	switch sub {
	case "add":
		fmt.Fprintf(stdout, "Added: %s\n", path)
	case "remove":
		fmt.Fprintf(stdout, "Removed: %s\n", path)
	default:
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("parse failed: %w", err)
		}
		for _, d := range out.Directories {
			fmt.Fprintln(stdout, d)
		}
	}
	return nil
}
