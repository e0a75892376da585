// Package server exposes the run log over a read-only HTTP API.
//
// Routes:
//
//	GET /healthz     liveness probe
//	GET /runs        run list, newest first (?pipeline= ?branch= ?status= ?limit=)
//	GET /runs/{id}   one run with its job runs, steps and artifacts
//
// Responses use the same envelope as the CLI's JSON output:
// {"status":"ok","data":...} or {"status":"error","error":{...}}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

// RunReader is the part of the store the server reads from.
// Implemented by *store.Store.
type RunReader interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]ir.RunRecord, error)
	ReadTrace(ctx context.Context, runID string) (store.RunTrace, error)
}

// Server serves the run log.
type Server struct {
	runs   RunReader
	logger *slog.Logger
	router chi.Router
}

// New builds the router. A nil logger discards request logs.
func New(runs RunReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{runs: runs, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving run log", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": ir.EngineVersion})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Pipeline: q.Get("pipeline"),
		Branch:   q.Get("branch"),
		Status:   ir.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "E400", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), f)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "E500", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the body of GET /runs/{id}.
type runDetail struct {
	Run       ir.RunRecord        `json:"run"`
	JobRuns   []jobRunDetail      `json:"job_runs"`
	Artifacts []ir.ArtifactRecord `json:"artifacts"`
}

type jobRunDetail struct {
	ir.JobRunRecord
	Steps []ir.StepRecord `json:"steps"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace, err := s.runs.ReadTrace(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "E404", "run not found: "+id)
		return
	}
	if err != nil {
		s.logger.Error("read run", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "E500", "failed to read run")
		return
	}

	detail := runDetail{
		Run:       trace.Run,
		JobRuns:   make([]jobRunDetail, 0, len(trace.JobRuns)),
		Artifacts: trace.Artifacts,
	}
	for _, jr := range trace.JobRuns {
		steps := trace.StepsFor(jr.JobRunID)
		if steps == nil {
			steps = []ir.StepRecord{}
		}
		detail.JobRuns = append(detail.JobRuns, jobRunDetail{JobRunRecord: jr, Steps: steps})
	}
	writeJSON(w, http.StatusOK, detail)
}

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: "error", Error: &errorBody{Code: errCode, Message: msg}})
}
