package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/remedylabs/remedy/internal/store/sqlite"
	"github.com/remedylabs/remedy/internal/types"
)

// stubRunner records submitted runs without executing a pipeline.
type stubRunner struct {
	mu   sync.Mutex
	runs []*types.Run
}

func (r *stubRunner) Execute(ctx context.Context, run *types.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestServer(t *testing.T) (*Server, *sqlite.SQLiteStore, *stubRunner) {
	t.Helper()

	db, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner := &stubRunner{}
	s, err := NewServer(Config{Store: db, Runner: runner})
	require.NoError(t, err)

	return s, db, runner
}

func seedRun(t *testing.T, db *sqlite.SQLiteStore) *types.Run {
	t.Helper()
	run := &types.Run{
		ID:         uuid.New().String(),
		RepoURL:    "https://example.com/team/repo.git",
		TeamName:   "blue",
		RetryLimit: 3,
		Status:     types.RunQueued,
		CIStatus:   types.CIPending,
	}
	require.NoError(t, db.CreateRun(context.Background(), run))
	return run
}

func TestSubmitRunAccepted(t *testing.T) {
	s, _, runner := newTestServer(t)

	body, _ := json.Marshal(SubmitRequest{
		RepoURL:  "https://example.com/team/repo.git",
		TeamName: "blue",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, types.RunQueued, resp.Status)

	// Execution is asynchronous.
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSubmitRunValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, _ := json.Marshal(SubmitRequest{TeamName: "blue"})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "repo_url")
}

func TestSubmitRunRateLimited(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewServer(Config{
		Store:       db,
		Runner:      &stubRunner{},
		SubmitRate:  rate.Limit(0.001),
		SubmitBurst: 1,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(SubmitRequest{RepoURL: "https://example.com/r.git"})

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetRun(t *testing.T) {
	s, db, _ := newTestServer(t)
	run := seedRun(t, db)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, types.RunRunning, got.Status)
}

func TestGetRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunResults(t *testing.T) {
	s, db, _ := newTestServer(t)
	run := seedRun(t, db)

	ctx := context.Background()
	require.NoError(t, db.RecordIteration(ctx, &types.TimelineEntry{
		RunID: run.ID, Iteration: 1, Result: "passed", RetryCount: 1, RetryLimit: 3,
	}, []types.Patch{
		{FilePath: "a.py", BugCategory: types.CategoryLinting, LineNumber: 2, Applied: true},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/results", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result types.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, run.ID, result.Run.ID)
	assert.Len(t, result.FixesTable, 1)
	assert.Len(t, result.Timeline, 1)
}

func TestListRuns(t *testing.T) {
	s, db, _ := newTestServer(t)
	seedRun(t, db)
	seedRun(t, db)

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var runs []*types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestListRunsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s, db, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A closed datastore is reported as service-unavailable.
	require.NoError(t, db.Close())
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/runs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
