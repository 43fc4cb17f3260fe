package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/cli"
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/search"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
)

// outputFlags are the presentation flags of search and onflight.
type outputFlags struct {
	target      string
	filter      string
	limit       int
	bestOnly    bool
	noNotes     bool
	tableFmt    string
	noHeaders   bool
	noIndex     bool
	noErrorRate bool
	reverse     bool
	suppress    bool
}

func (o *outputFlags) register(fs *flag.FlagSet, out config.OutputConfig) {
	fs.StringVar(&o.target, "target", "", "target image to search for")
	fs.StringVar(&o.filter, "filter", "", "only rank images whose file or directory names match these words")
	fs.IntVar(&o.limit, "limit", 0, "number of results (0 = all)")
	fs.BoolVar(&o.bestOnly, "best-only", out.BestOnly, "only print the closest image")
	fs.BoolVar(&o.noNotes, "no-notes", out.NoNotes, "don't print the notes around the table")
	fs.StringVar(&o.tableFmt, "table-fmt", out.TableFormat, "table format: github, plain or json")
	fs.BoolVar(&o.noHeaders, "no-headers", out.NoHeaders, "don't print table headers")
	fs.BoolVar(&o.noIndex, "no-index", out.NoIndex, "don't print the rank column")
	fs.BoolVar(&o.noErrorRate, "no-error-rate", out.NoErrorRate, "don't print the error rate column")
	fs.BoolVar(&o.reverse, "reverse", out.Reverse, "print the closest image last")
	fs.BoolVar(&o.suppress, "x", false, "only print the path of the closest image")
	fs.BoolVar(&o.suppress, "suppress-extras", false, "same as -x")
}

// takeTarget uses the first positional argument as the target when -target is not set.
func (o *outputFlags) takeTarget(args []string) ([]string, error) {
	if o.target == "" && len(args) > 0 {
		o.target, args = args[0], args[1:]
	}
	if strings.TrimSpace(o.target) == "" {
		return args, errors.New("-target is required")
	}
	if o.limit < 0 {
		return args, fmt.Errorf("-limit must not be negative, got %d", o.limit)
	}
	return args, nil
}

func (o *outputFlags) options() (cli.Options, error) {
	opts := cli.Options{
		BestOnly:    o.bestOnly,
		NoNotes:     o.noNotes,
		NoHeaders:   o.noHeaders,
		NoIndex:     o.noIndex,
		NoErrorRate: o.noErrorRate,
		Reverse:     o.reverse,
	}
	if o.suppress {
		opts.SuppressExtras()
		return opts, nil
	}
	format, err := cli.ParseTableFormat(o.tableFmt)
	if err != nil {
		return opts, err
	}
	opts.TableFormat = format
	return opts, nil
}

func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("search", stderr)
	fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	storagePath := fs.String("storage", e.cfg.Storage.Path, "storage file path")
	serverURL := fs.String("server", "", "search through a running server at this URL instead of loading the storage")
	fuzzy := fs.Bool("fuzzy", e.cfg.Search.FuzzyFilter, "let -filter words match with one typo")
	autoOrient := fs.Bool("auto-orient", e.cfg.Precalc.AutoOrient, "apply EXIF orientation to the target")
	var out outputFlags
	out.register(fs, e.cfg.Output)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if rest, err := out.takeTarget(positional); err != nil {
		return err
	} else if len(rest) > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	opts, err := out.options()
	if err != nil {
		return err
	}
	if e, err = newEnv(e.cfg, e.configPath, *debug, out.suppress, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	req := &models.SearchRequest{Target: out.target, Filter: out.filter, Limit: out.limit}
	var resp *models.SearchResponse
	if *serverURL != "" {
		resp, err = searchViaHTTP(ctx, *serverURL, req)
	} else {
		resp, err = searchStorage(ctx, e, *storagePath, req, *fuzzy, *autoOrient)
	}
	if err != nil {
		return err
	}
	return cli.WriteResults(stdout, resp, opts)
}

func searchStorage(ctx context.Context, e *env, storagePath string, req *models.SearchRequest, fuzzy, autoOrient bool) (*models.SearchResponse, error) {
	if storagePath == "" {
		return nil, errors.New("-storage is required")
	}
	store, err := storage.Load(storagePath)
	if err != nil {
		var nf *storage.NotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w (run precalculate first)", err)
		}
		return nil, err
	}
	return searchStore(ctx, e, store, storagePath, req, fuzzy, autoOrient)
}

func searchStore(ctx context.Context, e *env, store *storage.Storage, storagePath string, req *models.SearchRequest, fuzzy, autoOrient bool) (*models.SearchResponse, error) {
	searchCfg := e.cfg.Search
	searchCfg.FuzzyFilter = fuzzy
	engine := search.NewEngine(store, &searchCfg,
		search.WithLogger(e.logger),
		search.WithStoragePath(storagePath),
		search.WithDecodeOptions(signature.DecodeOptions{AutoOrient: autoOrient}),
	)
	defer engine.Close()
	return engine.Search(ctx, req)
}

// searchViaHTTP asks a running server, which already has the storage loaded.
func searchViaHTTP(ctx context.Context, serverURL string, req *models.SearchRequest) (*models.SearchResponse, error) {
	abs, err := filepath.Abs(req.Target)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&models.SearchRequest{Target: abs, Filter: req.Filter, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

// runOnflight precalculates and searches in one invocation. The storage is
// only written when -storage is given.
func runOnflight(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("onflight", stderr)
	var p precalcFlags
	p.register(fs, e, "")
	var out outputFlags
	out.register(fs, e.cfg.Output)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	rest, err := out.takeTarget(positional)
	if err != nil {
		return err
	}
	p.dirs = append(p.dirs, rest...)
	if err := p.validate(); err != nil {
		return err
	}
	opts, err := out.options()
	if err != nil {
		return err
	}
	if out.suppress {
		p.quiet = true
	}
	if e, err = newEnv(e.cfg, e.configPath, p.debug, p.quiet, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	// Precalculation output would mix with the result table on stdout.
	precalcEnv := *e
	precalcEnv.stdout = stderr
	store, err := precalculate(ctx, &precalcEnv, &p, explicitFlags(fs)["split-depth"])
	if err != nil {
		return err
	}
	req := &models.SearchRequest{Target: out.target, Filter: out.filter, Limit: out.limit}
	resp, err := searchStore(ctx, e, store, p.storagePath, req, e.cfg.Search.FuzzyFilter, p.autoOrient)
	if err != nil {
		return err
	}
	return cli.WriteResults(stdout, resp, opts)
}
