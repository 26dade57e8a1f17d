package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/types"
)

// SubmitRequest is the run-submission payload.
type SubmitRequest struct {
	RepoURL    string `json:"repo_url"`
	TeamName   string `json:"team_name"`
	LeaderName string `json:"leader_name"`
	RetryLimit int    `json:"retry_limit"`
}

// SubmitResponse acknowledges an accepted run.
type SubmitResponse struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.submitRun(w, r)
		case http.MethodGet:
			s.listRuns(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded, retry later")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run := &types.Run{
		ID:         uuid.New().String(),
		RepoURL:    strings.TrimSpace(req.RepoURL),
		TeamName:   strings.TrimSpace(req.TeamName),
		LeaderName: strings.TrimSpace(req.LeaderName),
		RetryLimit: req.RetryLimit,
		Status:     types.RunQueued,
		CIStatus:   types.CIPending,
	}
	if err := run.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Fire and forget: the run proceeds to natural completion and the
	// orchestrator persists any failure itself.
	go func() {
		if err := s.runner.Execute(context.Background(), run); err != nil {
			fmt.Fprintf(os.Stderr, "warning: run %s failed: %v\n", run.ID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: run.ID, Status: types.RunQueued})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		storeError(w, err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// /api/runs/{id} or /api/runs/{id}/results
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		id := path
		results := false
		if rest, ok := strings.CutSuffix(path, "/results"); ok {
			id = rest
			results = true
		}
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "invalid run ID")
			return
		}

		if results {
			result, err := s.store.GetFullResult(r.Context(), id)
			if err != nil {
				storeError(w, err)
				return
			}
			if result == nil {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}

		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			storeError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.store.Ping(r.Context()); err != nil {
			storeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
