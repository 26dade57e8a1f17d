package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/remedylabs/remedy/internal/store"
	"github.com/remedylabs/remedy/internal/types"
)

// Runner executes a run to a terminal status. Satisfied by the
// orchestrator.
type Runner interface {
	Execute(ctx context.Context, run *types.Run) error
}

// Config holds API server configuration.
type Config struct {
	Store  store.Store
	Runner Runner

	// Addr is the listen address. Default ":8080".
	Addr string

	// SubmitRate limits run submissions per second; SubmitBurst is the
	// bucket size. Defaults: 1/s with a burst of 5.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// Server is the HTTP API server. Run execution is fire-and-forget:
// submissions return immediately and a run proceeds to natural
// completion; there is no mid-run cancellation endpoint.
type Server struct {
	store   store.Store
	runner  Runner
	addr    string
	mux     *http.ServeMux
	limiter *rate.Limiter
}

// NewServer creates a new API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = rate.Limit(1)
	}
	if cfg.SubmitBurst == 0 {
		cfg.SubmitBurst = 5
	}

	s := &Server{
		store:   cfg.Store,
		runner:  cfg.Runner,
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// storeError maps a persistence failure to its status code: an
// unreachable datastore is service-unavailable, anything else is an
// internal error.
func storeError(w http.ResponseWriter, err error) {
	var pe *types.PersistenceError
	if errors.As(err, &pe) {
		writeError(w, http.StatusServiceUnavailable, "datastore unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
