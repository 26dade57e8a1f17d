package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/remedylabs/remedy/internal/types"
)

// SQLiteStore implements the run store interface using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite storage backend.
func New(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection to :memory: would see its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// CreateRun inserts the run row plus its initial transition.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *types.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	run.CreatedAt = now
	run.StartedAt = &now
	run.Status = types.RunRunning
	if run.CIStatus == "" {
		run.CIStatus = types.CIPending
	}

	samplePaths, _ := json.Marshal(run.SamplePaths)

	// Acquire a dedicated connection for the transaction. We execute
	// raw "BEGIN IMMEDIATE" / "COMMIT" on it because database/sql's
	// pool would otherwise route statements to different connections,
	// and the sqlite3 driver's BeginTx always uses DEFERRED mode.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	// Use context.Background() for ROLLBACK so cleanup happens even if
	// ctx is canceled.
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO runs (
			id, repo_url, team_name, leader_name, retry_limit,
			status, ci_status, sample_paths, created_at, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.RepoURL, run.TeamName, run.LeaderName, run.RetryLimit,
		run.Status, run.CIStatus, string(samplePaths), run.CreatedAt, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)
	`, run.ID, types.RunQueued, types.RunRunning, "run accepted")
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// TransitionStatus lock-reads the current status, writes the new one,
// and appends the audit row in the same transaction.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, to types.RunStatus, reason string) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid run status: %s", to)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var current types.RunStatus
	err = conn.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	if current == types.RunCompleted || current == types.RunFailed {
		return fmt.Errorf("run %s is already terminal (%s)", id, current)
	}

	if to == types.RunFailed {
		_, err = conn.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
		`, to, reason, time.Now(), id)
	} else {
		_, err = conn.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, to, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)
	`, id, current, to, reason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// Allowed columns for progress updates to prevent SQL injection.
var allowedProgressFields = map[string]bool{
	"ci_status":         true,
	"branch_name":       true,
	"project_type":      true,
	"failures_count":    true,
	"fixes_count":       true,
	"commits_count":     true,
	"iteration":         true,
	"total_files":       true,
	"dominant_language": true,
	"sample_paths":      true,
}

// UpdateProgress applies a sparse partial update of only the supplied
// columns.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	setClauses := []string{}
	args := []interface{}{}

	for key, value := range updates {
		if !allowedProgressFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}

		switch key {
		case "ci_status":
			if ci, ok := value.(string); ok && !types.CIStatus(ci).IsValid() {
				return fmt.Errorf("invalid ci status: %s", ci)
			}
			if ci, ok := value.(types.CIStatus); ok && !ci.IsValid() {
				return fmt.Errorf("invalid ci status: %s", ci)
			}
		case "sample_paths":
			if paths, ok := value.([]string); ok {
				data, _ := json.Marshal(paths)
				value = string(data)
			}
		}

		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}

	return nil
}

// RecordIteration inserts all patch rows plus the timeline row for one
// iteration in a single transaction, so a crash mid-write cannot leave
// orphaned patches without their timeline context.
func (s *SQLiteStore) RecordIteration(ctx context.Context, entry *types.TimelineEntry, patches []types.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range patches {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO patches (
				run_id, iteration, file_path, bug_category,
				line_number, description, applied, commit_sha
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.RunID, entry.Iteration, p.FilePath, p.BugCategory,
			p.LineNumber, p.Description, p.Applied, p.CommitSHA,
		)
		if err != nil {
			return fmt.Errorf("failed to insert patch: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_entries (run_id, iteration, result, retry_count, retry_limit)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, entry.Iteration, entry.Result, entry.RetryCount, entry.RetryLimit)
	if err != nil {
		return fmt.Errorf("failed to insert timeline entry: %w", err)
	}

	return tx.Commit()
}

// RecordTestResult persists one sandboxed execution record.
func (s *SQLiteStore) RecordTestResult(ctx context.Context, result *types.TestResult) error {
	failedTests, _ := json.Marshal(result.FailedTests)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (
			run_id, iteration, phase, passed, exit_code,
			stdout, stderr, duration_ms, failed_tests, summary, method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID, result.Iteration, result.Phase, result.Passed, result.ExitCode,
		result.Stdout, result.Stderr, result.DurationMs, string(failedTests),
		result.Summary, result.Method,
	)
	if err != nil {
		return fmt.Errorf("failed to insert test result: %w", err)
	}

	return nil
}

// FinalizeScoring writes the terminal scoring fields and status
// "completed" with the same lock-then-audit discipline as
// TransitionStatus.
func (s *SQLiteStore) FinalizeScoring(ctx context.Context, id string, scoring types.Scoring) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var current types.RunStatus
	err = conn.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	if current == types.RunCompleted || current == types.RunFailed {
		return fmt.Errorf("run %s is already terminal (%s)", id, current)
	}

	_, err = conn.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, score = ?, base_score = ?, speed_bonus = ?,
			efficiency_penalty = ?, duration_seconds = ?, finished_at = ?
		WHERE id = ?
	`,
		types.RunCompleted, scoring.Score, scoring.BaseScore, scoring.SpeedBonus,
		scoring.EfficiencyPenalty, scoring.DurationSeconds, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)
	`, id, current, types.RunCompleted, "scoring complete")
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

const runColumns = `
	id, repo_url, team_name, leader_name, retry_limit,
	status, ci_status, branch_name, project_type,
	failures_count, fixes_count, commits_count, iteration,
	score, base_score, speed_bonus, efficiency_penalty,
	duration_seconds, total_files, dominant_language, sample_paths,
	error, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var run types.Run
	var samplePaths string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.RepoURL, &run.TeamName, &run.LeaderName, &run.RetryLimit,
		&run.Status, &run.CIStatus, &run.BranchName, &run.ProjectType,
		&run.FailuresCount, &run.FixesCount, &run.CommitsCount, &run.Iteration,
		&run.Score, &run.BaseScore, &run.SpeedBonus, &run.EfficiencyPenalty,
		&run.DurationSeconds, &run.TotalFiles, &run.DominantLanguage, &samplePaths,
		&run.Error, &run.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if samplePaths != "" {
		_ = json.Unmarshal([]byte(samplePaths), &run.SamplePaths)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return &run, nil
}

// GetRun retrieves a run by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetFullResult assembles the denormalized view for a run. The fixes
// table contains applied patches only; the timeline is ordered by
// ascending iteration.
func (s *SQLiteStore) GetFullResult(ctx context.Context, id string) (*types.RunResult, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	result := &types.RunResult{Run: run}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, iteration, file_path, bug_category,
		       line_number, description, applied, commit_sha, created_at
		FROM patches
		WHERE run_id = ? AND applied = 1
		ORDER BY iteration ASC, file_path ASC, line_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query patches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p types.Patch
		if err := rows.Scan(
			&p.ID, &p.RunID, &p.Iteration, &p.FilePath, &p.BugCategory,
			&p.LineNumber, &p.Description, &p.Applied, &p.CommitSHA, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan patch: %w", err)
		}
		result.FixesTable = append(result.FixesTable, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patches: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, run_id, iteration, result, retry_count, retry_limit, created_at
		FROM timeline_entries
		WHERE run_id = ?
		ORDER BY iteration ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e types.TimelineEntry
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.Iteration, &e.Result,
			&e.RetryCount, &e.RetryLimit, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		result.Timeline = append(result.Timeline, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeline: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, run_id, iteration, phase, passed, exit_code,
		       stdout, stderr, duration_ms, failed_tests, summary, method, created_at
		FROM test_results
		WHERE run_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t types.TestResult
		var failedTests string
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.Iteration, &t.Phase, &t.Passed, &t.ExitCode,
			&t.Stdout, &t.Stderr, &t.DurationMs, &failedTests, &t.Summary,
			&t.Method, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		if failedTests != "" {
			_ = json.Unmarshal([]byte(failedTests), &t.FailedTests)
		}
		result.TestResults = append(result.TestResults, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate test results: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, run_id, from_status, to_status, reason, created_at
		FROM status_transitions
		WHERE run_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tr types.StatusTransition
		if err := rows.Scan(
			&tr.ID, &tr.RunID, &tr.FromStatus, &tr.ToStatus, &tr.Reason, &tr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		result.Transitions = append(result.Transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}

	return result, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &types.PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
