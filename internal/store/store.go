package store

import (
	"context"
	"fmt"

	"github.com/remedylabs/remedy/internal/store/postgres"
	"github.com/remedylabs/remedy/internal/store/sqlite"
	"github.com/remedylabs/remedy/internal/types"
)

// Store defines the interface for run persistence backends. Every
// multi-row write is atomic: either the run row and its audit rows all
// commit, or none do.
type Store interface {
	// CreateRun inserts the run row plus the initial queued->running
	// transition in one transaction.
	CreateRun(ctx context.Context, run *types.Run) error

	// TransitionStatus lock-reads the current status, writes the new
	// one, and appends an audit row in the same transaction. Moving a
	// terminal run is an error. When the target status is "failed" the
	// reason is also persisted as the run's error message and the
	// finish time is stamped.
	TransitionStatus(ctx context.Context, id string, to types.RunStatus, reason string) error

	// UpdateProgress applies a sparse partial update of only the
	// supplied columns. Column names outside the allowlist are
	// rejected.
	UpdateProgress(ctx context.Context, id string, updates map[string]interface{}) error

	// RecordIteration inserts all patch rows plus the one timeline row
	// for an iteration in a single transaction.
	RecordIteration(ctx context.Context, entry *types.TimelineEntry, patches []types.Patch) error

	// RecordTestResult persists one sandboxed execution record.
	RecordTestResult(ctx context.Context, result *types.TestResult) error

	// FinalizeScoring is the single writer of terminal scoring fields.
	// It sets status "completed" with the same lock-then-audit
	// discipline as TransitionStatus.
	FinalizeScoring(ctx context.Context, id string, scoring types.Scoring) error

	// GetRun returns the run row, or (nil, nil) when absent.
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// GetFullResult assembles the denormalized view across the patch,
	// timeline, test-result, and transition tables. The fixes table
	// contains applied patches only; the timeline is ordered by
	// ascending iteration. Returns (nil, nil) when the run is absent.
	GetFullResult(ctx context.Context, id string) (*types.RunResult, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*types.Run, error)

	// Ping verifies the datastore is reachable. An unreachable
	// datastore is reported as a *types.PersistenceError.
	Ping(ctx context.Context) error

	Close() error
}

// Config holds datastore configuration.
type Config struct {
	// Driver selects the backend: "sqlite" (default) or "postgres".
	Driver string

	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests).
	Path string

	// URL is the postgres connection string, typically from DATABASE_URL.
	URL string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Driver: "sqlite",
		Path:   ".remedy/remedy.db",
	}
}

// New creates a storage backend from config.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = ".remedy/remedy.db"
		}
		return sqlite.New(path)
	case "postgres":
		if cfg.URL == "" {
			return nil, fmt.Errorf("postgres driver requires a connection URL")
		}
		return postgres.New(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
