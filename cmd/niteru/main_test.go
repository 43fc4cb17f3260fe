package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/niteru/internal/config"
)

func writePNG(t *testing.T, path string, gray uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{gray, gray, gray, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// writeConfig writes a config that keeps the journal inside the test's temp dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := "storage:\n  journal_path: " + filepath.Join(dir, "journal.db") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseInterspersed(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantPos    []string
		wantLimit  int
		wantSilent bool
	}{
		{"flags first", []string{"-limit", "3", "-x", "a.png"}, []string{"a.png"}, 3, true},
		{"flags after positional", []string{"a.png", "-x", "-limit=2"}, []string{"a.png"}, 2, true},
		{"mixed", []string{"a.png", "-limit", "4", "dir1", "dir2"}, []string{"a.png", "dir1", "dir2"}, 4, false},
		{"dash is positional", []string{"-", "-x"}, []string{"-"}, 0, true},
		{"no args", nil, nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			limit := fs.Int("limit", 0, "")
			silent := fs.Bool("x", false, "")
			pos, err := parseInterspersed(fs, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(pos, tt.wantPos) {
				t.Errorf("positional = %v, want %v", pos, tt.wantPos)
			}
			if *limit != tt.wantLimit || *silent != tt.wantSilent {
				t.Errorf("limit = %d, x = %v", *limit, *silent)
			}
		})
	}
}

func TestParseInterspersed_unknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseInterspersed(fs, []string{"a.png", "-nope"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "/a.yaml"}, "/a.yaml"},
		{[]string{"x", "--config", "/b.yaml"}, "/b.yaml"},
		{[]string{"-config=/c.yaml"}, "/c.yaml"},
		{[]string{"--config=/d.yaml", "-x"}, "/d.yaml"},
		{[]string{"-config"}, "default"},
		{nil, "default"},
	}
	for _, tt := range tests {
		if got := configPathFromArgs(tt.args, "default"); got != tt.want {
			t.Errorf("configPathFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		path := writeConfig(t, t.TempDir())
		cfg, resolved, err := loadConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if resolved != path {
			t.Errorf("resolved = %q, want %q", resolved, path)
		}
		if !strings.HasSuffix(cfg.Storage.JournalPath, "journal.db") {
			t.Errorf("JournalPath = %q", cfg.Storage.JournalPath)
		}
	})

	t.Run("config in working directory", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir)
		t.Chdir(dir)
		_, resolved, err := loadConfig(defaultConfigPath)
		if err != nil {
			t.Fatal(err)
		}
		if resolved != path {
			t.Errorf("resolved = %q, want %q", resolved, path)
		}
	})

	t.Run("missing explicit path", func(t *testing.T) {
		if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestOutputFlags_options(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var out outputFlags
	out.register(fs, config.OutputConfig{TableFormat: "github"})
	if _, err := parseInterspersed(fs, []string{"-suppress-extras", "-table-fmt", "json"}); err != nil {
		t.Fatal(err)
	}
	opts, err := out.options()
	if err != nil {
		t.Fatal(err)
	}
	if !opts.BestOnly || !opts.NoNotes || !opts.NoHeaders || !opts.NoIndex || !opts.NoErrorRate {
		t.Errorf("suppress extras not applied: %+v", opts)
	}

	out = outputFlags{tableFmt: "html"}
	if _, err := out.options(); err == nil {
		t.Error("expected error for unknown table format")
	}
}

func TestOutputFlags_takeTarget(t *testing.T) {
	var out outputFlags
	rest, err := out.takeTarget([]string{"t.png", "dir"})
	if err != nil {
		t.Fatal(err)
	}
	if out.target != "t.png" || !reflect.DeepEqual(rest, []string{"dir"}) {
		t.Errorf("target = %q, rest = %v", out.target, rest)
	}
	if _, err := (&outputFlags{}).takeTarget(nil); err == nil {
		t.Error("expected error without target")
	}
	if _, err := (&outputFlags{target: "t.png", limit: -1}).takeTarget(nil); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestRun_commands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		args     []string
		wantCode int
		wantOut  string
	}{
		{[]string{"version"}, 0, "niteru version"},
		{[]string{"-v"}, 0, "niteru version"},
		{[]string{"-h"}, 0, "Usage:"},
		{[]string{"help"}, 0, "Usage:"},
		{[]string{"nope"}, 1, ""},
		{nil, 1, ""},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		if code := run(ctx, tt.args, &stdout, &stderr); code != tt.wantCode {
			t.Errorf("run(%v) = %d, want %d (stderr: %s)", tt.args, code, tt.wantCode, stderr.String())
		}
		if !strings.Contains(stdout.String(), tt.wantOut) {
			t.Errorf("run(%v) stdout = %q, want it to contain %q", tt.args, stdout.String(), tt.wantOut)
		}
	}
}

func TestRun_precalculateSearchStatus(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	images := filepath.Join(dir, "images")
	writePNG(t, filepath.Join(images, "dark.png"), 10)
	writePNG(t, filepath.Join(images, "sub", "light.png"), 240)
	if err := os.WriteFile(filepath.Join(images, "broken.png"), []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "target.png")
	writePNG(t, target, 20)
	storagePath := filepath.Join(dir, "storage.json")

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"precalculate", "-config", cfg, "-storage", storagePath,
		"-dir", images, "-split-depth", "2", "-fork", "3", "-quiet"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("precalculate exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "broken.png") {
		t.Errorf("skipped file not reported: %q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	code = run(ctx, []string{"search", "-config", cfg, "-storage", storagePath, "-target", target, "-x"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("search exit %d: %s", code, stderr.String())
	}
	if want := filepath.Join(images, "dark.png") + "\n"; stdout.String() != want {
		t.Errorf("search output = %q, want %q", stdout.String(), want)
	}

	stdout.Reset()
	code = run(ctx, []string{"search", target, "-config", cfg, "-storage", storagePath,
		"-table-fmt", "plain", "-no-notes", "-no-headers", "-no-error-rate", "-no-index"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("search exit %d: %s", code, stderr.String())
	}
	want := filepath.Join(images, "dark.png") + "\n" + filepath.Join(images, "sub", "light.png") + "\n"
	if stdout.String() != want {
		t.Errorf("search output = %q, want %q", stdout.String(), want)
	}

	// A different depth without -overwrite is refused.
	stderr.Reset()
	code = run(ctx, []string{"precalculate", "-config", cfg, "-storage", storagePath,
		"-dir", images, "-split-depth", "3", "-quiet"}, io.Discard, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "-overwrite") {
		t.Errorf("depth mismatch: exit %d, stderr %q", code, stderr.String())
	}

	stdout.Reset()
	code = run(ctx, []string{"status", "-config", cfg, "-storage", storagePath, "-output", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("status exit %d: %s", code, stderr.String())
	}
	var status statusResponse
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Storage.Records != 2 || status.Storage.SplitDepth != 2 {
		t.Errorf("status storage = %+v", status.Storage)
	}
	if len(status.RecentRuns) == 0 || status.RecentRuns[0].Processed != 2 {
		t.Errorf("recent runs = %+v", status.RecentRuns)
	}

	stdout.Reset()
	code = run(ctx, []string{"status", "-config", cfg, "-storage", storagePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("status exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "records:            2") {
		t.Errorf("status text = %q", stdout.String())
	}
}

func TestRun_searchMissingStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"search", "-config", cfg,
		"-storage", filepath.Join(dir, "none.json"), "-target", "t.png"}, io.Discard, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "run precalculate first") {
		t.Errorf("exit %d, stderr %q", code, stderr.String())
	}
}

func TestRun_onflight(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	images := filepath.Join(dir, "images")
	writePNG(t, filepath.Join(images, "dark.png"), 10)
	writePNG(t, filepath.Join(images, "light.png"), 240)
	target := filepath.Join(dir, "target.png")
	writePNG(t, target, 230)

	tests := []struct {
		name string
		args []string
	}{
		{"command", []string{"onflight", "-config", cfg, "-split-depth", "2", target, images, "-x"}},
		{"no_command", []string{"-config", cfg, "-split-depth", "2", "-dir", images, "-target", target, "-x"}},
		{"no_command_dir_first", []string{"-dir", images, "-target", target, "-config", cfg, "-split-depth", "2", "-x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, &stdout, &stderr); code != 0 {
				t.Fatalf("exit %d: %s", code, stderr.String())
			}
			if want := filepath.Join(images, "light.png") + "\n"; stdout.String() != want {
				t.Errorf("output = %q, want %q", stdout.String(), want)
			}
			if _, err := os.Stat(filepath.Join(dir, "storage.json")); !os.IsNotExist(err) {
				t.Error("onflight without -storage should not write a storage file")
			}
		})
	}
}
