package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/journal"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/search"
	"github.com/hyperjump/niteru/internal/storage"
)

// statusResponse is the shape of GET /api/v1/status and of status -output json.
type statusResponse struct {
	Storage    *models.StorageStatus `json:"storage"`
	RecentRuns []*journal.Run        `json:"recent_runs,omitempty"`
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e, err := preloadEnv(args, stdout, stderr)
	if err != nil {
		return err
	}
	fs := flagSet("status", stderr)
	fs.String("config", defaultConfigPath, "config file path")
	storagePath := fs.String("storage", e.cfg.Storage.Path, "storage file path")
	serverURL := fs.String("server", "", "ask a running server at this URL instead of reading the storage")
	outputFormat := fs.String("output", "text", "output format: text or json")
	runs := fs.Int("runs", 5, "number of recent journal runs to show")
	extra, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(extra, " "))
	}
	if *outputFormat != "text" && *outputFormat != "json" {
		return fmt.Errorf("unknown output format %q; use text or json", *outputFormat)
	}
	if e, err = newEnv(e.cfg, e.configPath, false, true, stdout, stderr); err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	var status *statusResponse
	if *serverURL != "" {
		status, err = statusViaHTTP(ctx, *serverURL)
	} else {
		status, err = localStatus(ctx, e, *storagePath, *runs)
	}
	if err != nil {
		return err
	}

	if *outputFormat == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	writeStatusText(stdout, status)
	return nil
}

func localStatus(ctx context.Context, e *env, storagePath string, runs int) (*statusResponse, error) {
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
	engine := search.NewEngine(store, &e.cfg.Search, search.WithStoragePath(storagePath))
	defer engine.Close()
	status := &statusResponse{Storage: engine.Status()}
	if jr := openJournal(e, false); jr != nil && runs > 0 {
		defer jr.Close()
		recent, err := jr.j.Recent(ctx, runs)
		if err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		status.RecentRuns = recent
	}
	return status, nil
}

func statusViaHTTP(ctx context.Context, serverURL string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if s.Storage == nil {
		return nil, errors.New("decode response: missing storage")
	}
	return &s, nil
}

func writeStatusText(w io.Writer, status *statusResponse) {
	st := status.Storage
	fmt.Fprintf(w, "storage:            %s\n", st.Path)
	fmt.Fprintf(w, "records:            %d   # images with a signature\n", st.Records)
	fmt.Fprintf(w, "split_depth:        %d   # signatures are %dx%d average colors\n", st.SplitDepth, st.SplitDepth, st.SplitDepth)
	if st.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d\n", *st.DiskUsageBytes)
	}
	if st.ID != "" {
		fmt.Fprintf(w, "id:                 %s\n", st.ID)
	}
	if st.Tool != "" {
		fmt.Fprintf(w, "written_by:         %s\n", st.Tool)
	}
	if !st.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created_at:         %s\n", st.CreatedAt.Format(time.RFC3339))
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated_at:         %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	for _, r := range st.Roots {
		fmt.Fprintf(w, "root:               %s\n", r)
	}
	if len(status.RecentRuns) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# recent precalculation runs")
	for _, r := range status.RecentRuns {
		outcome := fmt.Sprintf("%d processed, %d skipped", r.Processed, r.Failed)
		switch {
		case r.Error != "":
			outcome = "failed: " + r.Error
		case r.FinishedAt.IsZero():
			outcome = "unfinished"
		}
		fmt.Fprintf(w, "%s  %s  depth %d  x%d  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Root, r.SplitDepth, r.Parallelism, outcome)
	}
}
