package sandbox

import (
	"time"

	"github.com/remedylabs/remedy/internal/types"
)

// Limits caps the resources an isolated execution may consume. Zero
// values fall back to the package defaults. The subprocess fallback
// honors only the timeout; the host provides no equivalent caps.
type Limits struct {
	MemoryMB  int
	CPUs      float64
	PidsLimit int
}

// Default resource caps for isolated execution.
const (
	DefaultMemoryMB  = 1024
	DefaultCPUs      = 1.0
	DefaultPidsLimit = 256

	// DefaultTimeout bounds a single install/test/build command.
	DefaultTimeout = 5 * time.Minute

	// MaxCapturedBytes is the per-stream capture cap. Only the tail is
	// kept; it is the diagnostically relevant end of the output.
	MaxCapturedBytes = 10 * 1024
)

// Spec describes one command execution. Argv is an argument vector;
// the executor never constructs shell strings.
type Spec struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
	Limits  Limits
	Env     map[string]string
}

// Result is the outcome of a sandboxed execution. Run always returns
// one; spawn, timeout, and kill conditions are all folded into it.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Method   types.ExecMethod
}

// Passed reports whether the command ran to completion successfully.
func (r Result) Passed() bool {
	return !r.TimedOut && r.ExitCode == 0
}
