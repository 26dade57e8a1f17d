package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remedylabs/remedy/internal/types"
)

// PostgresStore implements the run store interface using PostgreSQL
// over a pooled connection. Lock-reads use SELECT ... FOR UPDATE where
// SQLite uses BEGIN IMMEDIATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL storage backend with connection pooling.
func New(ctx context.Context, connString string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &types.PersistenceError{Op: "connect", Err: err}
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// CreateRun inserts the run row plus its initial transition.
func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (
			id, repo_url, team_name, leader_name, retry_limit,
			status, ci_status, sample_paths, created_at, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		run.ID, run.RepoURL, run.TeamName, run.LeaderName, run.RetryLimit,
		run.Status, run.CIStatus, string(samplePaths), run.CreatedAt, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)
	`, run.ID, types.RunQueued, types.RunRunning, "run accepted")
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit(ctx)
}

// TransitionStatus lock-reads the current status, writes the new one,
// and appends the audit row in the same transaction.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, to types.RunStatus, reason string) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid run status: %s", to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current types.RunStatus
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	if current == types.RunCompleted || current == types.RunFailed {
		return fmt.Errorf("run %s is already terminal (%s)", id, current)
	}

	if to == types.RunFailed {
		_, err = tx.Exec(ctx, `
			UPDATE runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4
		`, to, reason, time.Now(), id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, to, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)
	`, id, current, to, reason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit(ctx)
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
func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	setClauses := []string{}
	args := []interface{}{}
	i := 1

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

		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", key, i))
		args = append(args, value)
		i++
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = $%d", strings.Join(setClauses, ", "), i)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}

	return nil
}

// RecordIteration inserts all patch rows plus the timeline row for one
// iteration in a single transaction.
func (s *PostgresStore) RecordIteration(ctx context.Context, entry *types.TimelineEntry, patches []types.Patch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range patches {
		_, err = tx.Exec(ctx, `
			INSERT INTO patches (
				run_id, iteration, file_path, bug_category,
				line_number, description, applied, commit_sha
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			entry.RunID, entry.Iteration, p.FilePath, p.BugCategory,
			p.LineNumber, p.Description, p.Applied, p.CommitSHA,
		)
		if err != nil {
			return fmt.Errorf("failed to insert patch: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO timeline_entries (run_id, iteration, result, retry_count, retry_limit)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.RunID, entry.Iteration, entry.Result, entry.RetryCount, entry.RetryLimit)
	if err != nil {
		return fmt.Errorf("failed to insert timeline entry: %w", err)
	}

	return tx.Commit(ctx)
}

// RecordTestResult persists one sandboxed execution record.
func (s *PostgresStore) RecordTestResult(ctx context.Context, result *types.TestResult) error {
	failedTests, _ := json.Marshal(result.FailedTests)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_results (
			run_id, iteration, phase, passed, exit_code,
			stdout, stderr, duration_ms, failed_tests, summary, method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
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
func (s *PostgresStore) FinalizeScoring(ctx context.Context, id string, scoring types.Scoring) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current types.RunStatus
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	if current == types.RunCompleted || current == types.RunFailed {
		return fmt.Errorf("run %s is already terminal (%s)", id, current)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET
			status = $1, score = $2, base_score = $3, speed_bonus = $4,
			efficiency_penalty = $5, duration_seconds = $6, finished_at = $7
		WHERE id = $8
	`,
		types.RunCompleted, scoring.Score, scoring.BaseScore, scoring.SpeedBonus,
		scoring.EfficiencyPenalty, scoring.DurationSeconds, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_transitions (run_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)
	`, id, current, types.RunCompleted, "scoring complete")
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit(ctx)
}

const runColumns = `
	id, repo_url, team_name, leader_name, retry_limit,
	status, ci_status, branch_name, project_type,
	failures_count, fixes_count, commits_count, iteration,
	score, base_score, speed_bonus, efficiency_penalty,
	duration_seconds, total_files, dominant_language, sample_paths,
	error, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var run types.Run
	var samplePaths []byte
	var startedAt, finishedAt *time.Time

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

	if len(samplePaths) > 0 {
		_ = json.Unmarshal(samplePaths, &run.SamplePaths)
	}
	run.StartedAt = startedAt
	run.FinishedAt = finishedAt

	return &run, nil
}

// GetRun retrieves a run by ID. Returns (nil, nil) when absent.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetFullResult assembles the denormalized view for a run.
func (s *PostgresStore) GetFullResult(ctx context.Context, id string) (*types.RunResult, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	result := &types.RunResult{Run: run}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, iteration, file_path, bug_category,
		       line_number, description, applied, commit_sha, created_at
		FROM patches
		WHERE run_id = $1 AND applied
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

	rows, err = s.pool.Query(ctx, `
		SELECT id, run_id, iteration, result, retry_count, retry_limit, created_at
		FROM timeline_entries
		WHERE run_id = $1
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

	rows, err = s.pool.Query(ctx, `
		SELECT id, run_id, iteration, phase, passed, exit_code,
		       stdout, stderr, duration_ms, failed_tests, summary, method, created_at
		FROM test_results
		WHERE run_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t types.TestResult
		var failedTests []byte
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.Iteration, &t.Phase, &t.Passed, &t.ExitCode,
			&t.Stdout, &t.Stderr, &t.DurationMs, &failedTests, &t.Summary,
			&t.Method, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		if len(failedTests) > 0 {
			_ = json.Unmarshal(failedTests, &t.FailedTests)
		}
		result.TestResults = append(result.TestResults, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate test results: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, run_id, from_status, to_status, reason, created_at
		FROM status_transitions
		WHERE run_id = $1
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
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT $1
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &types.PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the connection pool and releases all resources.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
