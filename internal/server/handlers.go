package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/journal"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/pathindex"
	"github.com/hyperjump/niteru/internal/search"
	"github.com/hyperjump/niteru/internal/signature"
	"go.uber.org/zap"
)

const recentRuns = 5

type statusResponse struct {
	Storage    *models.StorageStatus `json:"storage"`
	RecentRuns []*journal.Run        `json:"recent_runs,omitempty"`
	Config     statusConfig          `json:"config"`
}

type statusConfig struct {
	DefaultLimit int      `json:"default_limit"`
	MaxLimit     int      `json:"max_limit"`
	FuzzyFilter  bool     `json:"fuzzy_filter"`
	Extensions   []string `json:"extensions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Storage: s.engine.Status(),
		Config: statusConfig{
			DefaultLimit: s.config.Search.DefaultLimit,
			MaxLimit:     s.config.Search.MaxLimit,
			FuzzyFilter:  s.config.Search.FuzzyFilter,
			Extensions:   s.config.Precalc.Extensions,
		},
	}
	if s.runs != nil {
		runs, err := s.runs.Recent(r.Context(), recentRuns)
		if err != nil {
			s.logger.Warn("status: reading journal failed", zap.Error(err))
		} else {
			resp.RecentRuns = runs
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Normalize(s.config.Search.DefaultLimit, s.config.Search.MaxLimit)
	s.logger.Debug("search request", zap.String("target", req.Target), zap.String("filter", req.Filter), zap.Int("limit", req.Limit))
	resp, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		s.respondSearchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := models.SearchRequest{Filter: q.Get("filter")}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		req.Limit = limit
	}
	req.Normalize(s.config.Search.DefaultLimit, s.config.Search.MaxLimit)
	// The whole body is read before decoding so an oversized upload is
	// reported as such instead of as a truncated image.
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxImageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	resp, err := s.engine.SearchImage(r.Context(), bytes.NewReader(data), req.Filter, req.Limit)
	if err != nil {
		s.respondSearchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondSearchError maps search failures to status codes: bad input is 400,
// a target computed at another split depth is 409.
func (s *Server) respondSearchError(w http.ResponseWriter, err error) {
	var (
		decodeErr   *signature.DecodeError
		invalidErr  *signature.InvalidImageError
		mismatchErr *models.SplitDepthMismatchError
	)
	switch {
	case errors.Is(err, search.ErrEmptyTarget),
		errors.Is(err, pathindex.ErrEmptyFilter),
		errors.As(err, &decodeErr),
		errors.As(err, &invalidErr):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &mismatchErr):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories writes the current roots back to the config file.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
