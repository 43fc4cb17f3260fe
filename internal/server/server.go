// Package server provides the HTTP API for niteru.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/journal"
	"github.com/hyperjump/niteru/internal/search"
	"go.uber.org/zap"
)

// defaultMaxImageBytes caps the body of an image upload.
const defaultMaxImageBytes = 64 << 20

// watchService is the part of watcher.Watcher the API exposes.
type watchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// runLister is the part of journal.Journal the status endpoint reads.
type runLister interface {
	Recent(ctx context.Context, limit int) ([]*journal.Run, error)
}

// Server is the HTTP server for the niteru API.
type Server struct {
	engine *search.Engine
	config *config.Config
	logger *zap.Logger
	server *http.Server

	watch      watchService
	runs       runLister
	configPath string
	configMu   sync.Mutex

	maxImageBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithWatch exposes the watch directory endpoints. When configPath is set,
// directory changes are written back to the config file.
func WithWatch(w watchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// WithJournal adds recent precalculation runs to the status endpoint.
func WithJournal(runs runLister) Option {
	return func(s *Server) { s.runs = runs }
}

// WithMaxImageBytes changes the largest image body the image search accepts.
func WithMaxImageBytes(n int64) Option {
	return func(s *Server) { s.maxImageBytes = n }
}

// NewServer creates a server answering queries with engine.
func NewServer(engine *search.Engine, cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, config: cfg, logger: logger, maxImageBytes: defaultMaxImageBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/search", s.handleSearch)
		r.Post("/search/image", s.handleSearchImage)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr), zap.Int("records", s.engine.Status().Records))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
