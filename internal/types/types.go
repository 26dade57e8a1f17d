package types

import (
	"fmt"
	"strings"
	"time"
)

// Run represents one end-to-end remediation attempt against a repository.
// It is created once, mutated only by the orchestrator that owns it, and
// finalized exactly once.
type Run struct {
	ID                string     `json:"id"`
	RepoURL           string     `json:"repo_url"`
	TeamName          string     `json:"team_name"`
	LeaderName        string     `json:"leader_name"`
	RetryLimit        int        `json:"retry_limit"`
	Status            RunStatus  `json:"status"`
	CIStatus          CIStatus   `json:"ci_status"`
	BranchName        string     `json:"branch_name,omitempty"`
	ProjectType       string     `json:"project_type,omitempty"`
	FailuresCount     int        `json:"failures_count"`
	FixesCount        int        `json:"fixes_count"`
	CommitsCount      int        `json:"commits_count"`
	Iteration         int        `json:"iteration"`
	Score             int        `json:"score"`
	BaseScore         int        `json:"base_score"`
	SpeedBonus        int        `json:"speed_bonus"`
	EfficiencyPenalty int        `json:"efficiency_penalty"`
	DurationSeconds   int        `json:"duration_seconds"`
	TotalFiles        int        `json:"total_files"`
	DominantLanguage  string     `json:"dominant_language,omitempty"`
	SamplePaths       []string   `json:"sample_paths,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Validate checks that a run has usable submission fields.
// A zero RetryLimit is normalized to DefaultRetryLimit.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.RepoURL) == "" {
		return fmt.Errorf("repo_url is required")
	}
	if r.RetryLimit == 0 {
		r.RetryLimit = DefaultRetryLimit
	}
	if r.RetryLimit < 1 || r.RetryLimit > MaxRetryLimit {
		return fmt.Errorf("retry_limit must be between 1 and %d (got %d)", MaxRetryLimit, r.RetryLimit)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid run status: %s", r.Status)
	}
	if !r.CIStatus.IsValid() {
		return fmt.Errorf("invalid ci status: %s", r.CIStatus)
	}
	return nil
}

// Terminal reports whether the run has reached a final status.
// Once terminal, no further field mutation is permitted.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

const (
	// DefaultRetryLimit is applied when a submission omits retry_limit.
	DefaultRetryLimit = 3

	// MaxRetryLimit bounds how many remediate/verify cycles a run may request.
	MaxRetryLimit = 10
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsValid checks if the run status value is valid.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunQueued, RunRunning, RunCompleted, RunFailed:
		return true
	}
	return false
}

// CIStatus represents the verification state of a run's branch.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIRunning CIStatus = "running"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// IsValid checks if the CI status value is valid.
func (s CIStatus) IsValid() bool {
	switch s {
	case CIPending, CIRunning, CIPassed, CIFailed:
		return true
	}
	return false
}

// BugCategory classifies the structural issue classes the scanner and
// patch engine recognize.
type BugCategory string

const (
	CategoryLinting     BugCategory = "linting"
	CategorySyntax      BugCategory = "syntax"
	CategoryLogic       BugCategory = "logic"
	CategoryTypeError   BugCategory = "type-error"
	CategoryImport      BugCategory = "import"
	CategoryIndentation BugCategory = "indentation"
)

// IsValid checks if the bug category value is valid.
func (c BugCategory) IsValid() bool {
	switch c {
	case CategoryLinting, CategorySyntax, CategoryLogic,
		CategoryTypeError, CategoryImport, CategoryIndentation:
		return true
	}
	return false
}

// ExecMethod records how a sandboxed command was actually executed.
type ExecMethod string

const (
	MethodIsolated   ExecMethod = "isolated"
	MethodSubprocess ExecMethod = "subprocess"
	MethodSkipped    ExecMethod = "skipped"
)

// IsValid checks if the execution method value is valid.
func (m ExecMethod) IsValid() bool {
	switch m {
	case MethodIsolated, MethodSubprocess, MethodSkipped:
		return true
	}
	return false
}

// Phase identifies which pipeline stage produced a test result.
type Phase string

const (
	PhaseBaseline     Phase = "baseline"
	PhaseVerification Phase = "verification"
)

// IsValid checks if the phase value is valid.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseBaseline, PhaseVerification:
		return true
	}
	return false
}

// StatusTransition is an append-only audit row recording a run status
// change. Replaying the transitions for a run in order reproduces the
// run's final status. Rows are never mutated or deleted.
type StatusTransition struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	FromStatus RunStatus `json:"from_status"`
	ToStatus   RunStatus `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Patch records one applied-or-rejected line-level edit tied to a
// detected issue. Immutable once written.
type Patch struct {
	ID          int64       `json:"id"`
	RunID       string      `json:"run_id"`
	Iteration   int         `json:"iteration"`
	FilePath    string      `json:"file_path"`
	BugCategory BugCategory `json:"bug_category"`
	LineNumber  int         `json:"line_number"`
	Description string      `json:"description"`
	Applied     bool        `json:"applied"`
	CommitSHA   string      `json:"commit_sha,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TimelineEntry is the durable per-iteration summary. One entry per
// orchestrator iteration, with monotonically increasing iteration
// numbers, never revised.
type TimelineEntry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Iteration  int       `json:"iteration"`
	Result     string    `json:"result"`
	RetryCount int       `json:"retry_count"`
	RetryLimit int       `json:"retry_limit"`
	CreatedAt  time.Time `json:"created_at"`
}

// TestResult records one sandboxed execution, baseline or verification.
type TestResult struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Iteration   int        `json:"iteration"`
	Phase       Phase      `json:"phase"`
	Passed      bool       `json:"passed"`
	ExitCode    int        `json:"exit_code"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	FailedTests []string   `json:"failed_tests,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Method      ExecMethod `json:"method"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DetectedIssue is a transient scanner finding. It is consumed within
// the same run cycle and never persisted directly; only the resulting
// Patch rows are.
type DetectedIssue struct {
	FilePath    string      `json:"file_path"`
	BugCategory BugCategory `json:"bug_category"`
	LineNumber  int         `json:"line_number"`
	FixHint     string      `json:"fix_hint"`
}

// PatchResult reports the outcome of applying one detected issue.
type PatchResult struct {
	Issue       DetectedIssue `json:"issue"`
	Applied     bool          `json:"applied"`
	Reason      string        `json:"reason,omitempty"`
	Description string        `json:"description"`
}

// ProjectConfig describes a detected toolchain and its command
// templates as argument vectors. An unknown project type carries empty
// command vectors and HasTests=false; downstream stages treat that as
// skip, not fail.
type ProjectConfig struct {
	Type        string   `json:"type"`
	Module      string   `json:"module,omitempty"`
	InstallArgs []string `json:"install_args,omitempty"`
	TestArgs    []string `json:"test_args,omitempty"`
	BuildArgs   []string `json:"build_args,omitempty"`
	HasTests    bool     `json:"has_tests"`
}

// ProjectTypeUnknown is the detector result when no manifest matched.
const ProjectTypeUnknown = "unknown"
