package precalc

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/signature"
	"github.com/hyperjump/niteru/internal/storage"
	"go.uber.org/zap"
)

const defaultFlushDelay = 2 * time.Second

// Syncer keeps a storage up to date with single-file changes and saves it
// after a quiet period.
type Syncer struct {
	coord       *Coordinator
	store       *storage.Storage
	storagePath string
	flushDelay  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	saveMu sync.Mutex
}

// NewSyncer returns a Syncer that updates store and saves it to storagePath.
// An empty storagePath keeps changes in memory only.
func (c *Coordinator) NewSyncer(store *storage.Storage, storagePath string) (*Syncer, error) {
	if store.SplitDepth() != c.depth {
		return nil, &models.SplitDepthMismatchError{Want: store.SplitDepth(), Got: c.depth}
	}
	return &Syncer{
		coord:       c,
		store:       store,
		storagePath: storagePath,
		flushDelay:  defaultFlushDelay,
	}, nil
}

// SetFlushDelay changes how long ScheduleFlush waits before saving.
func (s *Syncer) SetFlushDelay(d time.Duration) {
	s.mu.Lock()
	s.flushDelay = d
	s.mu.Unlock()
}

// Upsert recomputes the signature of one file and stores it.
func (s *Syncer) Upsert(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	if !signature.IsImage(abs, s.coord.extensions) {
		return nil
	}
	sig, err := s.coord.compute(abs)
	if err != nil {
		return err
	}
	if err := s.store.Put(abs, sig); err != nil {
		return err
	}
	if s.coord.logger != nil {
		s.coord.logger.Debug("signature updated", zap.String("path", abs))
	}
	s.ScheduleFlush()
	return nil
}

// Remove deletes the record for path, if any.
func (s *Syncer) Remove(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if !s.store.Remove(abs) {
		return false
	}
	if s.coord.logger != nil {
		s.coord.logger.Debug("signature removed", zap.String("path", abs))
	}
	s.ScheduleFlush()
	return true
}

// RemoveTree deletes the record for path and every record below it, for
// when a whole directory disappears. It returns how many were removed.
func (s *Syncer) RemoveTree(path string) int {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0
	}
	n := s.store.RemoveUnder(abs)
	if n == 0 {
		return 0
	}
	if s.coord.logger != nil {
		s.coord.logger.Debug("signatures removed", zap.String("path", abs), zap.Int("count", n))
	}
	s.ScheduleFlush()
	return n
}

// Has reports whether path already has a record.
func (s *Syncer) Has(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	_, ok := s.store.Get(abs)
	return ok
}

// ScheduleFlush saves the storage once no further change arrives for the flush delay.
func (s *Syncer) ScheduleFlush() {
	if s.storagePath == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.flushDelay, func() {
		if err := s.Flush(); err != nil && s.coord.logger != nil {
			s.coord.logger.Warn("storage flush failed", zap.String("path", s.storagePath), zap.Error(err))
		}
	})
}

// Flush saves the storage now if it has unsaved changes.
func (s *Syncer) Flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.storagePath == "" || !s.store.Modified() {
		return nil
	}
	if err := storage.Save(s.store, s.storagePath); err != nil {
		return err
	}
	if s.coord.logger != nil {
		s.coord.logger.Info("storage saved", zap.String("path", s.storagePath), zap.Int("records", s.store.Len()))
	}
	return nil
}

// Close cancels any pending flush and saves outstanding changes.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Flush()
}
