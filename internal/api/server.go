package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/store"
)

// Runner executes a comparison request. *processor.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, req hermes.CompareRequest) (*compare.Result, error)
}

// RunReader reads stored runs. *store.Store satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*store.RunRow, *report.Document, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunRow, error)
	CountDivergences(ctx context.Context, id uuid.UUID) (map[string]int, error)
}

// Bus reports the message bus connection. *hermes.Client satisfies it.
type Bus interface {
	Connected() bool
}

type Server struct {
	router *chi.Mux
	port   int
	runner Runner
	runs   RunReader
	bus    Bus
	srv    *http.Server
}

// NewServer wires the routes. runs may be nil when no database is configured;
// the run routes then answer 503.
func NewServer(port int, apiToken string, runner Runner, runs RunReader, bus Bus) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		runner: runner,
		runs:   runs,
		bus:    bus,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/amqpdiff/status", s.status)

	router.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Post("/api/v1/compare", s.compare)
		r.Get("/api/v1/runs", s.listRuns)
		r.Get("/api/v1/runs/{id}", s.getRun)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="amqpdiff"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":          "amqpdiff",
		"schema_version": report.SchemaVersion,
		"store":          s.runs != nil,
		"nats":           s.bus != nil && s.bus.Connected(),
	})
}

// compare handles POST /api/v1/compare. The trace paths are read by the
// server process.
func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	var req hermes.CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.FirstPath == "" || req.SecondPath == "" {
		writeError(w, http.StatusBadRequest, "first_path and second_path are required")
		return
	}

	res, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res.Document)
}

// listRuns handles GET /api/v1/runs?limit=N.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// getRun handles GET /api/v1/runs/{id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	row, doc, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.runs.CountDivergences(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": row, "document": doc, "stored_divergences": counts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
