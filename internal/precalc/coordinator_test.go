package precalc

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"go.uber.org/zap"
)

func writeImage(t *testing.T, path string, w, h int, c color.NRGBA) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{c.R + uint8(x), c.G + uint8(y), c.B, 255})
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

// makeTree writes n distinct images spread over nested directories and returns the root.
func makeTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		sub := []string{"", "a", "a/b", "c"}[i%4]
		name := filepath.Join(root, sub, "img"+string(rune('a'+i))+".png")
		writeImage(t, name, 8, 8, color.NRGBA{uint8(i * 10), uint8(i * 5), uint8(255 - i*7), 255})
	}
	return root
}

type countingProgress struct {
	total    int
	started  int32
	count    int32
	finished int32
}

func (p *countingProgress) Start(total int) { p.total = total; atomic.AddInt32(&p.started, 1) }
func (p *countingProgress) Increment()      { atomic.AddInt32(&p.count, 1) }
func (p *countingProgress) Finish()         { atomic.AddInt32(&p.finished, 1) }

func TestPartition(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		name string
		n    int
		want [][]string
	}{
		{"one", 1, [][]string{{"a", "b", "c", "d", "e"}}},
		{"two", 2, [][]string{{"a", "c", "e"}, {"b", "d"}}},
		{"three", 3, [][]string{{"a", "d"}, {"b", "e"}, {"c"}}},
		{"more workers than paths", 9, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}},
		{"zero treated as one", 0, [][]string{{"a", "b", "c", "d", "e"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Partition(paths, tt.n); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Partition(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
	if got := Partition(nil, 4); len(got) != 0 {
		t.Errorf("Partition(nil) = %v, want no batches", got)
	}
}

func TestCollect(t *testing.T) {
	root := makeTree(t, 6)
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "UPPER.PNG"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(2, 1, WithExtensions(signature.DefaultExtensions))
	absRoot, paths, ignored, err := c.Collect(root)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{filepath.Join(root, "notes.txt")}; !reflect.DeepEqual(ignored, want) {
		t.Errorf("ignored = %v, want %v", ignored, want)
	}
	if absRoot != root {
		t.Errorf("absRoot = %q, want %q", absRoot, root)
	}
	if len(paths) != 7 {
		t.Fatalf("got %d paths, want 7: %v", len(paths), paths)
	}
	for i, p := range paths {
		if strings.HasSuffix(p, ".txt") {
			t.Errorf("non-image collected: %s", p)
		}
		if !filepath.IsAbs(p) {
			t.Errorf("path not absolute: %s", p)
		}
		if i > 0 && paths[i-1] >= p {
			t.Errorf("paths not sorted at %d: %s >= %s", i, paths[i-1], p)
		}
	}

	all := NewCoordinator(2, 1)
	if _, paths, ignored, _ := all.Collect(root); len(paths) != 8 || len(ignored) != 0 {
		t.Errorf("with no extension filter got %d paths and %d ignored, want 8 and 0", len(paths), len(ignored))
	}
}

func TestCollect_invalidRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.png")
	writeImage(t, file, 2, 2, color.NRGBA{})
	c := NewCoordinator(2, 1)
	if _, _, _, err := c.Collect(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing root")
	}
	if _, _, _, err := c.Collect(file); err == nil {
		t.Error("expected error for file root")
	}
}

func TestPrecalculate_deterministicAcrossParallelism(t *testing.T) {
	root := makeTree(t, 13)
	ctx := context.Background()

	var reports []*Report
	for _, p := range []int{1, 4, 32} {
		report, err := NewCoordinator(2, p).Precalculate(ctx, root, nil)
		if err != nil {
			t.Fatalf("parallelism %d: %v", p, err)
		}
		if report.Processed != 13 || len(report.Failures) != 0 {
			t.Fatalf("parallelism %d: processed %d failures %v", p, report.Processed, report.Failures)
		}
		reports = append(reports, report)
	}
	want := reports[0].Storage.Records()
	for i, r := range reports[1:] {
		got := r.Storage.Records()
		if len(got) != len(want) {
			t.Fatalf("run %d: %d records, want %d", i+1, len(got), len(want))
		}
		for j := range want {
			if got[j].Path != want[j].Path || !got[j].Signature.Equal(want[j].Signature) {
				t.Errorf("run %d: record %d differs: %s", i+1, j, got[j].Path)
			}
		}
	}
	if roots := reports[0].Storage.Meta().Roots; len(roots) != 1 || roots[0] != root {
		t.Errorf("Roots = %v", roots)
	}
}

func TestPrecalculate_emptyDirectory(t *testing.T) {
	progress := &countingProgress{}
	c := NewCoordinator(4, 3, WithProgress(progress), WithLogger(zap.NewNop()))
	report, err := c.Precalculate(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Storage.Len() != 0 || report.Processed != 0 || len(report.Failures) != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.Storage.SplitDepth() != 4 {
		t.Errorf("SplitDepth() = %d", report.Storage.SplitDepth())
	}
	if progress.started != 1 || progress.finished != 1 || progress.count != 0 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestPrecalculate_skipsBadFiles(t *testing.T) {
	root := makeTree(t, 3)
	broken := filepath.Join(root, "broken.png")
	if err := os.WriteFile(broken, []byte("definitely not a png"), 0644); err != nil {
		t.Fatal(err)
	}
	tiny := filepath.Join(root, "tiny.png")
	writeImage(t, tiny, 1, 1, color.NRGBA{})

	progress := &countingProgress{}
	report, err := NewCoordinator(4, 2, WithProgress(progress)).Precalculate(context.Background(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 3 {
		t.Errorf("Processed = %d, want 3", report.Processed)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("Failures = %v, want 2", report.Failures)
	}
	if report.Failures[0].Path != broken || report.Failures[1].Path != tiny {
		t.Errorf("failure paths = %s, %s", report.Failures[0].Path, report.Failures[1].Path)
	}
	var decErr *signature.DecodeError
	if !errors.As(report.Failures[0].Err, &decErr) {
		t.Errorf("broken file error = %v, want DecodeError", report.Failures[0].Err)
	}
	var invalid *signature.InvalidImageError
	if !errors.As(report.Failures[1].Err, &invalid) {
		t.Errorf("tiny file error = %v, want InvalidImageError", report.Failures[1].Err)
	}
	if _, ok := report.Storage.Get(broken); ok {
		t.Error("broken file should not be stored")
	}
	if progress.total != 5 || progress.count != 5 {
		t.Errorf("progress total=%d count=%d, want 5/5", progress.total, progress.count)
	}
}

func TestPrecalculate_workerPanicFailsBatch(t *testing.T) {
	root := makeTree(t, 6)
	c := NewCoordinator(2, 2)
	_, paths, _, err := c.Collect(root)
	if err != nil {
		t.Fatal(err)
	}
	poisoned := paths[1] // lands in batch 1
	compute := c.compute
	c.compute = func(path string) (models.Signature, error) {
		if path == poisoned {
			panic("boom")
		}
		return compute(path)
	}

	report, err := c.Precalculate(context.Background(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	batches := Partition(paths, 2)
	if report.Processed != len(batches[0]) {
		t.Errorf("Processed = %d, want %d", report.Processed, len(batches[0]))
	}
	if len(report.Failures) != len(batches[1]) {
		t.Fatalf("Failures = %d, want %d", len(report.Failures), len(batches[1]))
	}
	for _, f := range report.Failures {
		var wf *WorkerFailedError
		if !errors.As(f.Err, &wf) {
			t.Fatalf("failure %s: err = %v, want WorkerFailedError", f.Path, f.Err)
		}
		if wf.Worker != 1 || len(wf.Paths) != len(batches[1]) {
			t.Errorf("WorkerFailedError = %+v", wf)
		}
	}
	for _, p := range batches[1] {
		if _, ok := report.Storage.Get(p); ok {
			t.Errorf("record from failed batch stored: %s", p)
		}
	}
}

func TestPrecalculate_mergesIntoBase(t *testing.T) {
	root := makeTree(t, 2)
	base := storage.New(2)
	if err := base.Put("/elsewhere/old.png", models.NewSignature(2)); err != nil {
		t.Fatal(err)
	}
	report, err := NewCoordinator(2, 2).Precalculate(context.Background(), root, base)
	if err != nil {
		t.Fatal(err)
	}
	if report.Storage != base {
		t.Error("report should return the base storage")
	}
	if base.Len() != 3 {
		t.Errorf("Len() = %d, want 3", base.Len())
	}

	var mismatch *models.SplitDepthMismatchError
	if _, err := NewCoordinator(3, 1).Precalculate(context.Background(), root, base); !errors.As(err, &mismatch) {
		t.Errorf("err = %v, want SplitDepthMismatchError", err)
	}
}

func TestPrecalculate_cancelled(t *testing.T) {
	root := makeTree(t, 4)
	base := storage.New(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := NewCoordinator(2, 2).Precalculate(ctx, root, base)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report != nil {
		t.Error("expected nil report on cancellation")
	}
	if base.Len() != 0 {
		t.Errorf("base modified on cancellation: %d records", base.Len())
	}
}

func TestReport_Summary(t *testing.T) {
	r := &Report{Processed: 3, Failures: []Failure{{Path: "/x"}}}
	if got := r.Summary(); !strings.HasPrefix(got, "processed 3 image(s), skipped 1 in ") {
		t.Errorf("Summary() = %q", got)
	}
	r.Ignored = []string{"/a.txt", "/b.txt"}
	if got := r.Summary(); !strings.HasPrefix(got, "processed 3 image(s), skipped 1, ignored 2 by extension in ") {
		t.Errorf("Summary() = %q", got)
	}
}

func TestPrecalculate_filesWithoutImageExtension(t *testing.T) {
	root := t.TempDir()
	photo := filepath.Join(root, "photo")
	writeImage(t, photo, 4, 4, color.NRGBA{R: 50, A: 255})
	jfif := filepath.Join(root, "scan.jfif")
	writeImage(t, jfif, 4, 4, color.NRGBA{G: 50, A: 255})
	notes := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(notes, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("every file is decoded by default", func(t *testing.T) {
		report, err := NewCoordinator(2, 2).Precalculate(context.Background(), root, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range []string{photo, jfif} {
			if _, ok := report.Storage.Get(p); !ok {
				t.Errorf("%s not stored", p)
			}
		}
		if len(report.Failures) != 1 || report.Failures[0].Path != notes {
			t.Fatalf("Failures = %v, want only %s", report.Failures, notes)
		}
		var decErr *signature.DecodeError
		if !errors.As(report.Failures[0].Err, &decErr) {
			t.Errorf("err = %v, want DecodeError", report.Failures[0].Err)
		}
		if len(report.Ignored) != 0 {
			t.Errorf("Ignored = %v, want none", report.Ignored)
		}
	})

	t.Run("extension filter reports what it leaves out", func(t *testing.T) {
		c := NewCoordinator(2, 1, WithExtensions(signature.DefaultExtensions))
		report, err := c.Precalculate(context.Background(), root, nil)
		if err != nil {
			t.Fatal(err)
		}
		if report.Storage.Len() != 0 || len(report.Failures) != 0 {
			t.Errorf("stored %d, failures %v", report.Storage.Len(), report.Failures)
		}
		want := []string{notes, photo, jfif}
		if !reflect.DeepEqual(report.Ignored, want) {
			t.Errorf("Ignored = %v, want %v", report.Ignored, want)
		}
	})
}
