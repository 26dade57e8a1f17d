package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/detect"
	"github.com/remedylabs/remedy/internal/git"
	"github.com/remedylabs/remedy/internal/patch"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/scanner"
	"github.com/remedylabs/remedy/internal/store"
	"github.com/remedylabs/remedy/internal/types"
	"github.com/remedylabs/remedy/internal/workspace"
)

// state names one stage of the remediation pipeline. The set is closed;
// the only back edge is verifying -> remediating.
type state string

const (
	statePlanning    state = "planning"
	stateAnalyzing   state = "analyzing"
	stateRemediating state = "remediating"
	stateVerifying   state = "verifying"
	stateScoring     state = "scoring"
	stateDone        state = "done"
)

// Config holds the orchestrator's collaborators and policy knobs.
type Config struct {
	Store       store.Store
	Provisioner *workspace.Provisioner
	Git         *git.Git
	Executor    *sandbox.Executor
	Scanner     *scanner.Scanner
	Patcher     *patch.Engine

	// PushToken authorizes the single best-effort branch push during
	// scoring. Empty means pushing is skipped with a warning.
	PushToken string

	// ExecTimeout bounds each install/test/build command.
	// Default: sandbox.DefaultTimeout.
	ExecTimeout time.Duration

	// Identity is the commit identity configured once per workspace.
	Identity git.Identity

	// Scoring holds the formula constants. Zero value means defaults.
	Scoring ScoringPolicy

	// Detect classifies the cloned repository. Default: detect.Detect.
	Detect func(workspacePath string) types.ProjectConfig
}

// Orchestrator drives runs through the five-stage pipeline. Each run
// executes on a single logical control flow; the datastore is the only
// resource shared across concurrent runs.
type Orchestrator struct {
	config Config
}

// New creates an orchestrator, validating required collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if cfg.Git == nil {
		return nil, fmt.Errorf("git is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if cfg.Patcher == nil {
		return nil, fmt.Errorf("patcher is required")
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = sandbox.DefaultTimeout
	}
	if cfg.Scoring == (ScoringPolicy{}) {
		cfg.Scoring = DefaultScoringPolicy()
	}
	if cfg.Detect == nil {
		cfg.Detect = detect.Detect
	}
	return &Orchestrator{config: cfg}, nil
}

// runState accumulates everything a run owns while in flight. It is
// never shared across goroutines.
type runState struct {
	run       *types.Run
	ws        *workspace.Workspace
	project   types.ProjectConfig
	issues    []types.DetectedIssue
	lastExec  sandbox.Result
	startedAt time.Time
}

// Execute drives one run from creation to a terminal status. Any step
// failure is caught here exactly once: the workspace is force-released
// and the run is finalized as failed with the sanitized message.
func (o *Orchestrator) Execute(ctx context.Context, run *types.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	st := &runState{run: run, startedAt: time.Now()}
	defer func() {
		if st.ws != nil {
			st.ws.Release()
		}
	}()

	if err := o.config.Store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	current := statePlanning
	var err error
	for current != stateDone {
		var next state
		switch current {
		case statePlanning:
			next, err = o.plan(ctx, st)
		case stateAnalyzing:
			next, err = o.analyze(ctx, st)
		case stateRemediating:
			next, err = o.remediate(ctx, st)
		case stateVerifying:
			next, err = o.verify(ctx, st)
		case stateScoring:
			next, err = o.score(ctx, st)
		default:
			err = fmt.Errorf("unknown pipeline state: %s", current)
		}
		if err != nil {
			return o.fail(ctx, st, err)
		}
		current = next
	}

	return nil
}

// fail is the single top-level failure handler: release the workspace,
// finalize the run as failed, and propagate the cause. Credentials are
// scrubbed from the persisted message.
func (o *Orchestrator) fail(ctx context.Context, st *runState, cause error) error {
	if st.ws != nil {
		st.ws.Release()
	}

	msg := git.Sanitize(cause.Error())
	if err := o.config.Store.TransitionStatus(ctx, st.run.ID, types.RunFailed, msg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to finalize run %s as failed: %v\n", st.run.ID, err)
	}

	return cause
}

// plan derives the branch name, initializes counters, and marks CI as
// running.
func (o *Orchestrator) plan(ctx context.Context, st *runState) (state, error) {
	run := st.run
	run.BranchName = branchName(run.TeamName, run.ID)
	run.CIStatus = types.CIRunning

	err := o.config.Store.UpdateProgress(ctx, run.ID, map[string]interface{}{
		"ci_status":   string(types.CIRunning),
		"branch_name": run.BranchName,
	})
	if err != nil {
		return "", err
	}

	return stateAnalyzing, nil
}

// analyze provisions the workspace, prepares the fix branch, detects
// the project type, runs the baseline execution, and scans for issues.
// The initial CI status is "passed" only when the baseline passed and
// no static issues remain.
func (o *Orchestrator) analyze(ctx context.Context, st *runState) (state, error) {
	run := st.run

	ws, err := o.config.Provisioner.Provision(ctx, run.RepoURL)
	if err != nil {
		return "", err
	}
	st.ws = ws

	if err := o.config.Git.ConfigureIdentity(ctx, ws.Path(), o.config.Identity); err != nil {
		return "", err
	}
	if err := o.config.Git.CreateBranch(ctx, ws.Path(), run.BranchName); err != nil {
		return "", err
	}

	st.project = o.config.Detect(ws.Path())
	run.ProjectType = st.project.Type

	res, err := o.executePhase(ctx, st, types.PhaseBaseline)
	if err != nil {
		return "", err
	}
	st.lastExec = res

	report, err := o.config.Scanner.Scan(ws.Path())
	if err != nil {
		return "", fmt.Errorf("scan failed: %w", err)
	}
	st.issues = report.Issues

	run.TotalFiles = report.TotalFiles
	run.DominantLanguage = report.DominantLanguage
	run.SamplePaths = report.SamplePaths
	run.FailuresCount = len(report.Issues) + len(sandbox.SummarizeFailures(res.Stdout, res.Stderr))
	run.CIStatus = types.CIFailed
	if res.Passed() && len(report.Issues) == 0 {
		run.CIStatus = types.CIPassed
	}

	err = o.config.Store.UpdateProgress(ctx, run.ID, map[string]interface{}{
		"project_type":      run.ProjectType,
		"total_files":       run.TotalFiles,
		"dominant_language": run.DominantLanguage,
		"sample_paths":      run.SamplePaths,
		"failures_count":    run.FailuresCount,
		"ci_status":         string(run.CIStatus),
	})
	if err != nil {
		return "", err
	}

	return stateRemediating, nil
}

// remediate applies patches for the outstanding issues and records one
// timeline entry. With nothing outstanding it records a single "passed"
// entry and short-circuits to scoring.
func (o *Orchestrator) remediate(ctx context.Context, st *runState) (state, error) {
	run := st.run

	// Nothing outstanding on the initial pass: one "passed" entry and
	// straight to scoring. Later iterations still complete their cycle
	// so the verify edge stays bounded by the retry limit.
	if len(st.issues) == 0 && run.Iteration == 0 {
		entry := &types.TimelineEntry{
			RunID:      run.ID,
			Iteration:  run.Iteration + 1,
			Result:     "passed",
			RetryCount: run.Iteration,
			RetryLimit: run.RetryLimit,
		}
		if err := o.config.Store.RecordIteration(ctx, entry, nil); err != nil {
			return "", err
		}
		return stateScoring, nil
	}

	run.Iteration++

	results := o.config.Patcher.Apply(st.issues, st.ws.Path())

	applied := 0
	outcome := "passed"
	patches := make([]types.Patch, 0, len(results))
	for _, r := range results {
		if r.Applied {
			applied++
		} else {
			outcome = "failed"
		}
		desc := r.Description
		if !r.Applied && r.Reason != "" {
			desc = r.Reason
		}
		patches = append(patches, types.Patch{
			RunID:       run.ID,
			Iteration:   run.Iteration,
			FilePath:    r.Issue.FilePath,
			BugCategory: r.Issue.BugCategory,
			LineNumber:  r.Issue.LineNumber,
			Description: desc,
			Applied:     r.Applied,
		})
	}

	if applied > 0 {
		message := fmt.Sprintf("fix: apply %d structural patches (iteration %d)", applied, run.Iteration)
		commit, err := o.config.Git.Commit(ctx, st.ws.Path(), message)
		if err != nil {
			return "", err
		}
		if !commit.NothingToCommit {
			run.CommitsCount++
			for i := range patches {
				if patches[i].Applied {
					patches[i].CommitSHA = commit.SHA
				}
			}
		}
	}
	run.FixesCount += applied

	entry := &types.TimelineEntry{
		RunID:      run.ID,
		Iteration:  run.Iteration,
		Result:     outcome,
		RetryCount: run.Iteration,
		RetryLimit: run.RetryLimit,
	}
	if err := o.config.Store.RecordIteration(ctx, entry, patches); err != nil {
		return "", err
	}

	err := o.config.Store.UpdateProgress(ctx, run.ID, map[string]interface{}{
		"iteration":     run.Iteration,
		"fixes_count":   run.FixesCount,
		"commits_count": run.CommitsCount,
	})
	if err != nil {
		return "", err
	}

	return stateVerifying, nil
}

// verify re-runs the sandboxed execution and re-scans. CI status is
// driven by the real exit code, not by patch application alone. The
// loop closes back to remediating until CI passes or the retry limit
// is reached.
func (o *Orchestrator) verify(ctx context.Context, st *runState) (state, error) {
	run := st.run

	res, err := o.executePhase(ctx, st, types.PhaseVerification)
	if err != nil {
		return "", err
	}
	st.lastExec = res

	report, err := o.config.Scanner.Scan(st.ws.Path())
	if err != nil {
		return "", fmt.Errorf("scan failed: %w", err)
	}
	st.issues = report.Issues

	run.CIStatus = types.CIFailed
	if res.Passed() {
		run.CIStatus = types.CIPassed
	}
	run.FailuresCount = len(report.Issues) + len(sandbox.SummarizeFailures(res.Stdout, res.Stderr))

	uerr := o.config.Store.UpdateProgress(ctx, run.ID, map[string]interface{}{
		"ci_status":      string(run.CIStatus),
		"failures_count": run.FailuresCount,
	})
	if uerr != nil {
		return "", uerr
	}

	if run.CIStatus == types.CIPassed || run.Iteration >= run.RetryLimit {
		return stateScoring, nil
	}
	return stateRemediating, nil
}

// score computes the terminal fields, attempts the single best-effort
// push, releases the workspace unconditionally, and finalizes the run.
func (o *Orchestrator) score(ctx context.Context, st *runState) (state, error) {
	run := st.run

	elapsed := time.Since(st.startedAt)
	scoring := o.config.Scoring.Score(st.lastExec.Method, st.lastExec.Passed(), elapsed, run.CommitsCount)

	if o.config.PushToken == "" {
		fmt.Fprintf(os.Stderr, "warning: no push credential configured, skipping push for run %s\n", run.ID)
	} else if err := o.config.Git.Push(ctx, st.ws.Path(), run.BranchName, run.RepoURL, o.config.PushToken); err != nil {
		fmt.Fprintf(os.Stderr, "warning: push failed for run %s: %v\n", run.ID, err)
	}

	st.ws.Release()

	if err := o.config.Store.FinalizeScoring(ctx, run.ID, scoring); err != nil {
		return "", err
	}

	run.Score = scoring.Score
	run.BaseScore = scoring.BaseScore
	run.SpeedBonus = scoring.SpeedBonus
	run.EfficiencyPenalty = scoring.EfficiencyPenalty
	run.DurationSeconds = scoring.DurationSeconds
	run.Status = types.RunCompleted

	return stateDone, nil
}

// executePhase runs the project's install step (when defined) followed
// by its test or build command, and records the result. An install
// failure becomes the phase result; it is retryable like any other
// failed execution.
func (o *Orchestrator) executePhase(ctx context.Context, st *runState, phase types.Phase) (sandbox.Result, error) {
	argv := st.project.TestArgs
	if !st.project.HasTests {
		argv = st.project.BuildArgs
	}

	if len(st.project.InstallArgs) > 0 && len(argv) > 0 {
		install := o.config.Executor.Run(ctx, sandbox.Spec{
			Argv:    st.project.InstallArgs,
			Dir:     st.ws.Path(),
			Timeout: o.config.ExecTimeout,
		})
		if !install.Passed() {
			return install, o.recordExecution(ctx, st, phase, install)
		}
	}

	res := o.config.Executor.Run(ctx, sandbox.Spec{
		Argv:    argv,
		Dir:     st.ws.Path(),
		Timeout: o.config.ExecTimeout,
	})
	return res, o.recordExecution(ctx, st, phase, res)
}

func (o *Orchestrator) recordExecution(ctx context.Context, st *runState, phase types.Phase, res sandbox.Result) error {
	summary := fmt.Sprintf("exit %d in %s via %s", res.ExitCode, res.Duration.Round(time.Millisecond), res.Method)
	if res.TimedOut {
		summary = "timed out: " + summary
	}
	if res.Method == types.MethodSkipped {
		summary = "skipped: no command for project type " + st.project.Type
	}

	result := &types.TestResult{
		RunID:       st.run.ID,
		Iteration:   st.run.Iteration,
		Phase:       phase,
		Passed:      res.Passed(),
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		DurationMs:  res.Duration.Milliseconds(),
		FailedTests: sandbox.SummarizeFailures(res.Stdout, res.Stderr),
		Summary:     summary,
		Method:      res.Method,
	}
	if err := o.config.Store.RecordTestResult(ctx, result); err != nil {
		return fmt.Errorf("failed to record %s result: %w", phase, err)
	}
	return nil
}

// branchName derives the fix branch: fix/<team-slug>-<short-run-id>.
func branchName(team, runID string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, strings.TrimSpace(team))
	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "run"
	}

	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}

	return fmt.Sprintf("fix/%s-%s", slug, short)
}
