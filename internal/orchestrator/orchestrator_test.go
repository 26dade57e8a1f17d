package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedylabs/remedy/internal/git"
	"github.com/remedylabs/remedy/internal/patch"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/scanner"
	"github.com/remedylabs/remedy/internal/store/sqlite"
	"github.com/remedylabs/remedy/internal/types"
	"github.com/remedylabs/remedy/internal/workspace"
)

// initFixtureRepo creates a committed git repository with the given
// files, usable as a clone source.
func initFixtureRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Fixture"},
		{"config", "user.email", "fixture@example.com"},
		{"add", "-A"},
		{"commit", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
		}
	}

	return dir
}

// newTestOrchestrator wires real components against a temp workspace
// root and a temp sqlite database. detectFn pins the project config so
// tests control the verification command.
func newTestOrchestrator(t *testing.T, detectFn func(string) types.ProjectConfig) (*Orchestrator, *sqlite.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	g, err := git.NewGit(ctx)
	if err != nil {
		t.Skipf("git not available: %v", err)
	}

	db, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	prov, err := workspace.NewProvisioner(ctx, workspace.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	o, err := New(Config{
		Store:       db,
		Provisioner: prov,
		Git:         g,
		Executor:    sandbox.NewExecutor(sandbox.Config{DisableIsolation: true}),
		Scanner:     scanner.New(scanner.DefaultPolicy()),
		Patcher:     patch.NewEngine(),
		ExecTimeout: 30 * time.Second,
		Detect:      detectFn,
	})
	require.NoError(t, err)

	return o, db
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

// Clean repository, no recognized toolchain: the remediation loop exits
// after one "passed" timeline entry and scoring uses the skipped base.
func TestZeroIssuesUnknownProject(t *testing.T) {
	fixture := initFixtureRepo(t, map[string]string{
		"README.md": "clean repository\n",
		"app.py":    "x = 1\n",
	})
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	run := &types.Run{RepoURL: fixture, TeamName: "blue", RetryLimit: 3}
	require.NoError(t, o.Execute(ctx, run))

	result, err := db.GetFullResult(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, result.Run.Status)
	assert.Equal(t, types.ProjectTypeUnknown, result.Run.ProjectType)

	require.Len(t, result.Timeline, 1)
	assert.Equal(t, "passed", result.Timeline[0].Result)
	assert.Empty(t, result.FixesTable)

	assert.Equal(t, 70, result.Run.BaseScore)
	require.NotEmpty(t, result.TestResults)
	assert.Equal(t, types.MethodSkipped, result.TestResults[0].Method)
}

// Verification succeeds after the first patch cycle: CI passes, one
// iteration, full base score.
func TestSingleCycleVerificationPasses(t *testing.T) {
	fixture := initFixtureRepo(t, map[string]string{
		"app.py": "x = 1  \ny = 2\n",
	})
	o, db := newTestOrchestrator(t, func(string) types.ProjectConfig {
		return types.ProjectConfig{Type: "python", TestArgs: []string{"true"}, HasTests: true}
	})
	ctx := context.Background()

	run := &types.Run{RepoURL: fixture, TeamName: "Blue Team", RetryLimit: 3}
	require.NoError(t, o.Execute(ctx, run))

	result, err := db.GetFullResult(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, result.Run.Status)
	assert.Equal(t, types.CIPassed, result.Run.CIStatus)
	assert.True(t, strings.HasPrefix(result.Run.BranchName, "fix/blue-team-"), result.Run.BranchName)

	require.Len(t, result.Timeline, 1)
	assert.Equal(t, "passed", result.Timeline[0].Result)
	assert.Equal(t, 1, result.Timeline[0].Iteration)

	require.Len(t, result.FixesTable, 1)
	assert.Equal(t, "app.py", result.FixesTable[0].FilePath)
	assert.NotEmpty(t, result.FixesTable[0].CommitSHA)

	assert.Equal(t, 1, result.Run.CommitsCount)
	assert.Equal(t, 1, result.Run.FixesCount)
	assert.Equal(t, 100, result.Run.BaseScore)

	// Baseline plus one verification.
	require.Len(t, result.TestResults, 2)
	assert.Equal(t, types.PhaseBaseline, result.TestResults[0].Phase)
	assert.Equal(t, types.PhaseVerification, result.TestResults[1].Phase)
}

// Retry limit 3 with a never-passing verification command: exactly
// three remediate/verify cycles run, then scoring proceeds with CI
// failed.
func TestRetryLimitExhausted(t *testing.T) {
	fixture := initFixtureRepo(t, map[string]string{
		"app.py": "x = 1  \n",
	})
	o, db := newTestOrchestrator(t, func(string) types.ProjectConfig {
		return types.ProjectConfig{Type: "python", TestArgs: []string{"false"}, HasTests: true}
	})
	ctx := context.Background()

	run := &types.Run{RepoURL: fixture, TeamName: "red", RetryLimit: 3}
	require.NoError(t, o.Execute(ctx, run))

	result, err := db.GetFullResult(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, result.Run.Status)
	assert.Equal(t, types.CIFailed, result.Run.CIStatus)
	assert.Equal(t, 40, result.Run.BaseScore)

	require.Len(t, result.Timeline, 3)
	for i, entry := range result.Timeline {
		assert.Equal(t, i+1, entry.Iteration)
		assert.LessOrEqual(t, entry.Iteration, entry.RetryLimit)
	}

	// Baseline plus three verification phases.
	require.Len(t, result.TestResults, 4)

	// The run row status equals the replayed transition trail.
	replayed := result.Transitions[0].FromStatus
	for _, tr := range result.Transitions {
		assert.Equal(t, replayed, tr.FromStatus)
		replayed = tr.ToStatus
	}
	assert.Equal(t, result.Run.Status, replayed)
}

// A clone failure is caught by the top-level handler: the run finishes
// failed with a recorded message and no leaked workspace root.
func TestProvisioningFailureFinalizesRun(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	base := o.config.Provisioner.BaseDir()

	run := &types.Run{RepoURL: filepath.Join(t.TempDir(), "does-not-exist"), TeamName: "blue", RetryLimit: 3}
	err := o.Execute(ctx, run)
	require.Error(t, err)

	got, gerr := db.GetRun(ctx, run.ID)
	require.NoError(t, gerr)
	require.NotNil(t, got)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.NotNil(t, got.FinishedAt)

	entries, rerr := os.ReadDir(base)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "partial workspace roots must be removed")
}

func TestBranchNameDerivation(t *testing.T) {
	tests := []struct {
		team string
		id   string
		want string
	}{
		{"Blue Team", "0b5fa2e1-aaaa-bbbb-cccc-000000000000", "fix/blue-team-0b5fa2e1"},
		{"", "0b5fa2e1-aaaa-bbbb-cccc-000000000000", "fix/run-0b5fa2e1"},
		{"--ops!!", "deadbeef-0000-0000-0000-000000000000", "fix/ops-deadbeef"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, branchName(tt.team, tt.id))
	}
}

func TestScoringPolicy(t *testing.T) {
	p := DefaultScoringPolicy()

	s := p.Score(types.MethodSubprocess, true, 2*time.Minute, 1)
	assert.Equal(t, 100, s.BaseScore)
	assert.Equal(t, 10, s.SpeedBonus)
	assert.Equal(t, 0, s.EfficiencyPenalty)
	assert.Equal(t, 110, s.Score)

	s = p.Score(types.MethodSubprocess, false, 10*time.Minute, 8)
	assert.Equal(t, 40, s.BaseScore)
	assert.Equal(t, 0, s.SpeedBonus)
	assert.Equal(t, 15, s.EfficiencyPenalty)
	assert.Equal(t, 25, s.Score)

	s = p.Score(types.MethodSkipped, true, time.Minute, 0)
	assert.Equal(t, 70, s.BaseScore)
	assert.Equal(t, 80, s.Score)

	// The total never goes negative.
	s = p.Score(types.MethodSubprocess, false, 10*time.Minute, 30)
	assert.Equal(t, 0, s.Score)
}
