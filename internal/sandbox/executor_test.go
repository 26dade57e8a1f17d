package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/remedylabs/remedy/internal/types"
)

// newHostExecutor skips the docker probe so tests exercise the
// subprocess path deterministically.
func newHostExecutor() *Executor {
	return NewExecutor(Config{DisableIsolation: true})
}

func TestRunEmptyArgvIsSkipped(t *testing.T) {
	e := newHostExecutor()
	res := e.Run(context.Background(), Spec{})
	assert.Equal(t, types.MethodSkipped, res.Method)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunCapturesOutput(t *testing.T) {
	e := newHostExecutor()
	res := e.Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "echo out; echo err >&2"},
		Dir:  t.TempDir(),
	})
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, types.MethodSubprocess, res.Method)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")
	assert.True(t, res.Passed())
}

func TestRunNonZeroExit(t *testing.T) {
	e := newHostExecutor()
	res := e.Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "exit 3"},
		Dir:  t.TempDir(),
	})
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Passed())
}

func TestRunMissingBinaryNeverRaises(t *testing.T) {
	e := newHostExecutor()
	res := e.Run(context.Background(), Spec{
		Argv: []string{"definitely-not-a-real-binary-xyz"},
		Dir:  t.TempDir(),
	})
	assert.Equal(t, 127, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	e := newHostExecutor()
	start := time.Now()
	res := e.Run(context.Background(), Spec{
		Argv:    []string{"sleep", "30"},
		Dir:     t.TempDir(),
		Timeout: 200 * time.Millisecond,
	})
	assert.True(t, res.TimedOut)
	assert.NotZero(t, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second, "kill must be prompt")
}

func TestRunTimeoutKillsChildProcesses(t *testing.T) {
	e := newHostExecutor()
	start := time.Now()
	// The backgrounded sleep inherits the output pipes; only a group
	// kill stops it from holding Run open past the deadline.
	res := e.Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "sleep 30 & exec sleep 30"},
		Dir:     t.TempDir(),
		Timeout: 300 * time.Millisecond,
	})
	assert.True(t, res.TimedOut)
	assert.NotZero(t, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second, "kill must cover the whole process group")
}

func TestRunCanceledContext(t *testing.T) {
	e := newHostExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := e.Run(ctx, Spec{
		Argv:    []string{"sleep", "30"},
		Dir:     t.TempDir(),
		Timeout: time.Minute,
	})
	assert.True(t, res.TimedOut)
	assert.NotZero(t, res.ExitCode)
}

func TestTruncateTailKeepsTail(t *testing.T) {
	long := strings.Repeat("a", MaxCapturedBytes) + "THE-END"
	out := truncateTail(long)
	assert.LessOrEqual(t, len(out), MaxCapturedBytes+64)
	assert.Contains(t, out, "bytes truncated")
	assert.True(t, strings.HasSuffix(out, "THE-END"), "truncation must keep the tail")
}

func TestTruncateTailShortStringUntouched(t *testing.T) {
	assert.Equal(t, "hello", truncateTail("hello"))
}

func TestRunTruncatesLongStreams(t *testing.T) {
	e := newHostExecutor()
	res := e.Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "yes x | head -c 50000"},
		Dir:  t.TempDir(),
	})
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "bytes truncated")
	assert.LessOrEqual(t, len(res.Stdout), MaxCapturedBytes+64)
}

func TestSummarizeFailures(t *testing.T) {
	stdout := `
--- FAIL: TestWidgets (0.01s)
--- FAIL: TestGadgets (0.02s)
FAILED tests/test_api.py::test_create
✕ renders the header
--- FAIL: TestWidgets (0.01s)
`
	failed := SummarizeFailures(stdout, "")
	assert.Equal(t, []string{"TestWidgets", "TestGadgets", "tests/test_api.py::test_create", "renders the header"}, failed)
}

func TestSummarizeFailuresEmpty(t *testing.T) {
	assert.Empty(t, SummarizeFailures("ok\nall passed\n", ""))
}

func TestIsolatedProbeCached(t *testing.T) {
	e := NewExecutor(Config{DockerBin: "definitely-not-docker-xyz"})
	// First call probes and fails, second call must not re-probe.
	assert.False(t, e.Isolated())
	assert.False(t, e.Isolated())
}
