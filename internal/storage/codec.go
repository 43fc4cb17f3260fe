package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hyperjump/niteru/internal/models"
	"golang.org/x/exp/mmap"
)

// storageFile is the on-disk layout:
//
//	{"split_depth": 4, "meta": {...}, "records": {"/abs/a.png": [[[r,g,b], ...], ...]}}
//
// Files that carry their records under "data" are read as well.
type storageFile struct {
	SplitDepth *int                     `json:"split_depth"`
	Meta       *Metadata                `json:"meta,omitempty"`
	Records    map[string][][][]float64 `json:"records"`
	Data       map[string][][][]float64 `json:"data,omitempty"`
}

// Load reads the storage file at path. On any error no storage is returned.
func Load(path string) (*Storage, error) {
	r, err := mmap.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, &CorruptError{Path: path, Reason: "unreadable", Err: err}
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, &CorruptError{Path: path, Reason: "unreadable", Err: err}
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*Storage, error) {
	var f storageFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &CorruptError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if f.SplitDepth == nil {
		return nil, &CorruptError{Path: path, Reason: "missing split_depth"}
	}
	depth := *f.SplitDepth
	if depth < 1 {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("invalid split_depth %d", depth)}
	}
	records := f.Records
	if records == nil {
		records = f.Data
	}
	if records == nil {
		return nil, &CorruptError{Path: path, Reason: "missing records"}
	}

	s := New(depth)
	for p, grid := range records {
		sig, err := toSignature(grid, depth)
		if err != nil {
			return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("record %s", p), Err: err}
		}
		s.records[p] = sig
	}
	if f.Meta != nil {
		s.meta = *f.Meta
	}
	return s, nil
}

func toSignature(grid [][][]float64, depth int) (models.Signature, error) {
	if len(grid) != depth {
		return nil, fmt.Errorf("%d rows, want %d", len(grid), depth)
	}
	sig := make(models.Signature, depth)
	for i, row := range grid {
		if len(row) != depth {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), depth)
		}
		sig[i] = make([]models.Color, depth)
		for j, cell := range row {
			// A fourth channel is alpha and is not part of the signature.
			if len(cell) != 3 && len(cell) != 4 {
				return nil, fmt.Errorf("cell [%d][%d] has %d channels, want 3 or 4", i, j, len(cell))
			}
			sig[i][j] = models.Color{cell[0], cell[1], cell[2]}
		}
	}
	return sig, nil
}

// Save writes s to path atomically: the data goes to a temporary file in the
// same directory which is synced and then renamed over path. A path that is
// not valid UTF-8 cannot be stored as a JSON key without loss, so it fails the
// save and leaves any previous file in place.
func Save(s *Storage, path string) error {
	if path == "" {
		return &WriteError{Path: path, Err: errors.New("empty path")}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}

	s.stamp(time.Now().UTC())
	w := bufio.NewWriter(tmp)
	if err := s.encode(w); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}

	s.mu.Lock()
	s.modified = false
	s.mu.Unlock()
	return nil
}

func (s *Storage) stamp(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.ID = uuid.NewString()
	if s.meta.CreatedAt.IsZero() {
		s.meta.CreatedAt = now
	}
	s.meta.UpdatedAt = now
}

// encode writes one record per line so the file stays readable and diffable.
func (s *Storage) encode(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := fmt.Fprintf(w, "{\"split_depth\":%d,\n\"meta\":%s,\n\"records\":{", s.splitDepth, meta); err != nil {
		return err
	}
	for i, p := range s.pathsLocked() {
		if !utf8.ValidString(p) {
			return fmt.Errorf("path %q is not valid UTF-8", p)
		}
		key, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal path: %w", err)
		}
		grid, err := json.Marshal(s.records[p])
		if err != nil {
			return fmt.Errorf("marshal signature for %s: %w", p, err)
		}
		sep := ",\n"
		if i == 0 {
			sep = "\n"
		}
		if _, err := fmt.Fprintf(w, "%s%s:%s", sep, key, grid); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "\n}}\n")
	return err
}
