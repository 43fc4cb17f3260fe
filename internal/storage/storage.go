// Package storage holds precomputed signatures keyed by absolute image path and
// persists them as a JSON file.
package storage

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/niteru/internal/models"
)

// Metadata describes the run that produced a storage file. It is optional on
// load so files without it are still accepted.
type Metadata struct {
	ID        string    `json:"id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Roots     []string  `json:"roots,omitempty"`
}

// Storage maps image paths to signatures of a single split depth.
//
// Storage's methods are safe for concurrent use.
type Storage struct {
	mu         sync.RWMutex
	splitDepth int
	records    map[string]models.Signature
	meta       Metadata

	// Whether the storage changed since it was created, loaded or saved.
	modified bool
	// Incremented on every change to records.
	version uint64
}

// New returns an empty storage for the given split depth.
func New(splitDepth int) *Storage {
	return &Storage{
		splitDepth: splitDepth,
		records:    make(map[string]models.Signature),
	}
}

// SplitDepth returns the depth every record in the storage has.
func (s *Storage) SplitDepth() int {
	return s.splitDepth
}

// Put adds or replaces the signature for path.
func (s *Storage) Put(path string, sig models.Signature) error {
	if err := sig.Validate(s.splitDepth); err != nil {
		return &models.SplitDepthMismatchError{Want: s.splitDepth, Got: sig.Depth(), Path: path}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[path] = sig
	s.modified = true
	s.version++
	return nil
}

// Get returns the signature stored for path.
func (s *Storage) Get(path string) (models.Signature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.records[path]
	return sig, ok
}

// Remove deletes the record for path. It reports whether a record existed.
func (s *Storage) Remove(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[path]; !ok {
		return false
	}
	delete(s.records, path)
	s.modified = true
	s.version++
	return true
}

// RemoveUnder deletes the record for dir itself and every record below it.
// It returns how many records were removed.
func (s *Storage) RemoveUnder(dir string) int {
	dir = filepath.Clean(dir)
	prefix := dir + string(filepath.Separator)
	if dir == string(filepath.Separator) {
		prefix = dir
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.records {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(s.records, p)
			n++
		}
	}
	if n > 0 {
		s.modified = true
		s.version++
	}
	return n
}

// Len returns the number of records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Paths returns all record paths in ascending byte order. This is the order
// ranking falls back to for equal distances.
func (s *Storage) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathsLocked()
}

func (s *Storage) pathsLocked() []string {
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Records returns a snapshot of all records in path order.
func (s *Storage) Records() []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := s.pathsLocked()
	out := make([]models.Record, len(paths))
	for i, p := range paths {
		out[i] = models.Record{Path: p, Signature: s.records[p]}
	}
	return out
}

// Merge copies every record of other into s, replacing existing paths.
func (s *Storage) Merge(other *Storage) error {
	if other == nil || other == s {
		return nil
	}
	if other.splitDepth != s.splitDepth {
		return &models.SplitDepthMismatchError{Want: s.splitDepth, Got: other.splitDepth}
	}
	records := other.Records()
	roots := other.Meta().Roots

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.Path] = r.Signature
	}
	for _, root := range roots {
		s.addRootLocked(root)
	}
	if len(records) > 0 {
		s.modified = true
		s.version++
	}
	return nil
}

// Meta returns a copy of the storage metadata.
func (s *Storage) Meta() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.meta
	m.Roots = append([]string(nil), s.meta.Roots...)
	return m
}

// SetTool records the name and version of the program writing the storage.
func (s *Storage) SetTool(tool string) {
	s.mu.Lock()
	s.meta.Tool = tool
	s.mu.Unlock()
}

// AddRoot records dir as a directory whose images were added to the storage.
func (s *Storage) AddRoot(dir string) {
	s.mu.Lock()
	s.addRootLocked(dir)
	s.mu.Unlock()
}

func (s *Storage) addRootLocked(dir string) {
	i := sort.SearchStrings(s.meta.Roots, dir)
	if i < len(s.meta.Roots) && s.meta.Roots[i] == dir {
		return
	}
	s.meta.Roots = append(s.meta.Roots, "")
	copy(s.meta.Roots[i+1:], s.meta.Roots[i:])
	s.meta.Roots[i] = dir
}

// Modified reports whether records changed since the storage was created,
// loaded or last saved.
func (s *Storage) Modified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Version returns a counter that changes whenever records are added, replaced
// or removed.
func (s *Storage) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
