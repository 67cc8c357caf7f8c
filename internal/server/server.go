// Package server exposes the workflow manager over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/config"
	"github.com/openUC2/ImTools/internal/logger"
	"github.com/openUC2/ImTools/internal/manager"
	"github.com/openUC2/ImTools/internal/metrics"
	"github.com/openUC2/ImTools/internal/operation"
	"github.com/openUC2/ImTools/internal/scan"
	"github.com/openUC2/ImTools/internal/tiles"
	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxBodySize int64 = 1 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// WithCollector serves the collector on /metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithArchive serves archived runs on /runs.
func WithArchive(store *archive.Store) Option {
	return func(s *Server) { s.archive = store }
}

// WithTileRoot sets the directory under which histo scans write their tiles.
func WithTileRoot(dir string) Option {
	return func(s *Server) { s.tileRoot = dir }
}

// Server is the HTTP front end of a Manager.
type Server struct {
	manager   *manager.Manager
	registry  *operation.Registry
	collector *metrics.Collector
	archive   *archive.Store
	tileRoot  string
	logger    *logger.Logger

	httpSrvMu sync.Mutex
	httpSrv   *http.Server
	closed    bool
}

// New creates a server.
func New(m *manager.Manager, reg *operation.Registry, opts ...Option) *Server {
	s := &Server{manager: m, registry: reg, tileRoot: "scans"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operations", s.handleOperations)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("POST /workflows", s.handleCreate)
	mux.HandleFunc("GET /workflows/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleDelete)
	mux.HandleFunc("POST /workflows/{id}/start", s.handleStart)
	mux.HandleFunc("POST /workflows/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /workflows/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /workflows/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /scans/histo", s.handleHistoScan)
	if s.archive != nil {
		mux.HandleFunc("GET /runs", s.handleRuns)
		mux.HandleFunc("GET /runs/{id}", s.handleRun)
	}
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return s.logRequests(mux)
}

// Serve serves the API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.httpSrvMu.Lock()
	if s.closed {
		s.httpSrvMu.Unlock()
		return ln.Close()
	}
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains HTTP requests and stops the active workflow.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.closed = true
	s.httpSrvMu.Unlock()

	var firstErr error
	if srv != nil {
		firstErr = srv.Shutdown(ctx)
	}
	if err := s.manager.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	mains, hooks := s.registry.Names()
	writeJSON(w, http.StatusOK, map[string][]string{"main": mains, "hooks": hooks})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.manager.List()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	def, err := config.Parse(body, "request")
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	id, err := s.manager.Create(def)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}

	status := "created"
	if start, _ := strconv.ParseBool(r.URL.Query().Get("start")); start {
		if err := s.manager.Start(id); err != nil {
			s.writeManagerError(w, err)
			return
		}
		status = "started"
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": status, "steps": len(def.Steps)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Delete(id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r.PathValue("id"), "started", s.manager.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r.PathValue("id"), "stop_requested", s.manager.Stop)
}

// handleResume continues from the cursor, or from ?from=N when given.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
			return
		}
		if err := s.manager.Rewind(id, from); err != nil {
			s.writeManagerError(w, err)
			return
		}
	}
	s.transition(w, id, "resumed", s.manager.Resume)
}

func (s *Server) transition(w http.ResponseWriter, id, status string, fn func(string) error) {
	if err := fn(id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": status})
}

func (s *Server) handleHistoScan(w http.ResponseWriter, r *http.Request) {
	params := scan.DefaultParams()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, defaultMaxBodySize)).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	plan, err := scan.Build(params, s.registry)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if _, busy := s.manager.Active(); busy {
		s.writeManagerError(w, manager.ErrBusy)
		return
	}
	dir := filepath.Join(s.tileRoot, uuid.NewString())
	writer, err := tiles.NewWriter(dir, plan.Rows(), plan.Cols())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	discard := func() {
		_ = writer.Close()
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error(err, "remove unused tile directory")
		}
	}

	id, err := s.manager.CreateWorkflow("histo scan", plan.Workflow, manager.WithObject(tiles.ObjectKey, writer))
	if err != nil {
		discard()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.manager.Start(id); err != nil {
		// another run may have started since the Active check
		_ = s.manager.Delete(id)
		discard()
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       id,
		"status":   "started",
		"tile_dir": dir,
		"rows":     plan.Rows(),
		"cols":     plan.Cols(),
		"steps":    plan.Workflow.Len(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.archive.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.archive.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	var (
		parseErr      *imerrors.ParseError
		validationErr *imerrors.ValidationError
		unknownErr    *imerrors.UnknownOperationError
	)
	switch {
	case errors.Is(err, manager.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, manager.ErrBusy), errors.Is(err, manager.ErrRunning),
		errors.Is(err, manager.ErrNotRunning), errors.Is(err, manager.ErrCompleted):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, manager.ErrCursorRange):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &parseErr), errors.As(err, &validationErr), errors.As(err, &unknownErr):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error(err, "request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
