package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	upserted []string
	removed  []string
	have     map[string]bool
	fail     map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{have: make(map[string]bool), fail: make(map[string]bool)}
}

func (s *fakeSink) Upsert(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[filepath.Base(path)] {
		return errors.New("cannot decode")
	}
	s.upserted = append(s.upserted, path)
	s.have[path] = true
	return nil
}

func (s *fakeSink) RemoveTree(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	n := 0
	for p := range s.have {
		if inDir(path, p) {
			delete(s.have, p)
			n++
		}
	}
	return n
}

func (s *fakeSink) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have[path]
}

func (s *fakeSink) upserts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.upserted...)
	sort.Strings(out)
	return out
}

func (s *fakeSink) removals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func containsSuffix(paths []string, suffix string) bool {
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, sink Sink, roots []string, recursive bool, opts ...Option) *Watcher {
	t.Helper()
	opts = append([]Option{WithDebounce(50 * time.Millisecond)}, opts...)
	w := New(sink, roots, recursive, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_AddRemoveDirectories(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, newFakeSink(), nil, true)

	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || dirs[0] != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}
	if err := w.RemoveDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 0 {
		t.Errorf("after remove: %v", w.Directories())
	}
}

func TestWatcher_AddDirectory_notRunning(t *testing.T) {
	w := New(newFakeSink(), nil, true)
	if err := w.AddDirectory(t.TempDir(), false); err == nil {
		t.Error("expected error before Start")
	}
}

func TestWatcher_upsertsNewImagesOnly(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	startWatcher(t, sink, []string{dir}, true)

	writeFile(t, filepath.Join(dir, "photo.png"))
	writeFile(t, filepath.Join(dir, "notes.txt"))

	waitFor(t, "photo.png upsert", func() bool { return containsSuffix(sink.upserts(), "photo.png") })
	time.Sleep(150 * time.Millisecond)
	if containsSuffix(sink.upserts(), "notes.txt") {
		t.Errorf("non-image upserted: %v", sink.upserts())
	}
}

func TestWatcher_debounceCollapsesWrites(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	startWatcher(t, sink, []string{dir}, true, WithDebounce(200*time.Millisecond))

	p := filepath.Join(dir, "burst.jpg")
	for i := 0; i < 5; i++ {
		writeFile(t, p)
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "burst.jpg upsert", func() bool { return len(sink.upserts()) > 0 })
	time.Sleep(300 * time.Millisecond)
	if got := sink.upserts(); len(got) != 1 {
		t.Errorf("upserts = %v, want exactly one", got)
	}
}

func TestWatcher_removeForwardsTree(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "album")
	writeFile(t, filepath.Join(sub, "a.png"))
	sink := newFakeSink()
	w := startWatcher(t, sink, []string{dir}, true)
	w.SyncExistingFiles()
	if !sink.Has(filepath.Join(sub, "a.png")) {
		t.Fatalf("existing file not synced: %v", sink.upserts())
	}

	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "removal", func() bool { return !sink.Has(filepath.Join(sub, "a.png")) })
	if len(sink.removals()) == 0 {
		t.Error("expected RemoveTree calls")
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.png"))
	writeFile(t, filepath.Join(dir, "known.png"))
	writeFile(t, filepath.Join(dir, "broken.png"))
	writeFile(t, filepath.Join(dir, "ignore.xyz"))
	writeFile(t, filepath.Join(dir, "nested", "b.webp"))

	sink := newFakeSink()
	sink.have[filepath.Join(dir, "known.png")] = true
	sink.fail["broken.png"] = true

	w := startWatcher(t, sink, []string{dir}, false)
	w.SyncExistingFiles()

	got := sink.upserts()
	if len(got) != 1 || !strings.HasSuffix(got[0], "a.png") {
		t.Errorf("upserts = %v, want only a.png", got)
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	startWatcher(t, newFakeSink(), []string{root}, true)
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestWatcher_newDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	startWatcher(t, sink, []string{dir}, true)

	nested := filepath.Join(dir, "level1", "level2")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(nested, "deep.png"))

	waitFor(t, "deep.png upsert", func() bool { return containsSuffix(sink.upserts(), "deep.png") })
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.png", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/ab/c.png", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}
