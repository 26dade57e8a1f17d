// Package janitor sweeps abandoned workspace roots on a cron schedule.
// Runs normally release their own workspaces; the janitor catches roots
// orphaned by crashes or kills, skipping anything an in-flight run still
// owns.
package janitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/remedylabs/remedy/internal/workspace"
)

const (
	// DefaultSchedule sweeps every thirty minutes.
	DefaultSchedule = "*/30 * * * *"

	// DefaultMaxAge is how old a workspace root must be before the
	// janitor considers it abandoned.
	DefaultMaxAge = 2 * time.Hour

	rootPrefix = "run-"
)

// Config holds janitor configuration.
type Config struct {
	// Provisioner supplies the base directory to sweep and the set of
	// live roots to skip. Required.
	Provisioner *workspace.Provisioner

	// Schedule is a cron expression. Defaults to DefaultSchedule.
	Schedule string

	// MaxAge is the minimum age of a root before removal. Defaults to
	// DefaultMaxAge.
	MaxAge time.Duration
}

// Janitor periodically removes abandoned workspace roots.
type Janitor struct {
	provisioner *workspace.Provisioner
	schedule    string
	maxAge      time.Duration

	cron *cron.Cron
}

// New creates a Janitor from config, applying defaults.
func New(cfg Config) (*Janitor, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	return &Janitor{
		provisioner: cfg.Provisioner,
		schedule:    cfg.Schedule,
		maxAge:      cfg.MaxAge,
		cron:        cron.New(),
	}, nil
}

// Start schedules periodic sweeps and returns immediately.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: workspace sweep failed: %v\n", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule workspace sweep: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep performs one pass over the workspace base directory, removing
// run roots older than MaxAge that no in-flight run owns. It returns
// the number of roots removed.
func (j *Janitor) Sweep() (int, error) {
	baseDir := j.provisioner.BaseDir()
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace base dir: %w", err)
	}

	live := j.provisioner.LiveRoots()
	cutoff := time.Now().Add(-j.maxAge)

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), rootPrefix) {
			continue
		}

		root := filepath.Join(baseDir, entry.Name())
		if live[root] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // removed concurrently
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(root); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove abandoned workspace %s: %v\n", root, err)
			continue
		}
		removed++
	}

	return removed, nil
}
