// Package sandbox runs commands with enforced timeouts and resource
// caps. It prefers container isolation when a docker daemon is
// reachable and falls back to a direct host subprocess with the same
// timeout contract. Run never returns an error: every spawn, timeout,
// and kill condition is translated into the Result.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/types"
)

// probeTimeout bounds the one-time docker daemon reachability check.
const probeTimeout = 5 * time.Second

// Config holds executor configuration.
type Config struct {
	// Image is the container image used for isolated execution.
	Image string

	// DockerBin overrides the docker binary name. Defaults to "docker".
	DockerBin string

	// DisableIsolation forces the subprocess fallback. Used by tests
	// and by hosts where containers are known to be unavailable.
	DisableIsolation bool
}

// Executor runs commands under timeout and resource limits.
type Executor struct {
	config Config

	probeOnce sync.Once
	isolated  bool
}

// NewExecutor creates an executor. The isolation runtime is probed
// lazily, once per process lifetime, on the first Run call.
func NewExecutor(cfg Config) *Executor {
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	return &Executor{config: cfg}
}

// Isolated reports whether container isolation is in use, probing the
// runtime on first call.
func (e *Executor) Isolated() bool {
	e.probeOnce.Do(func() {
		if e.config.DisableIsolation {
			return
		}
		e.isolated = e.probeDocker()
	})
	return e.isolated
}

// probeDocker checks that the docker binary exists and the daemon
// answers. Any failure selects the subprocess fallback for the rest of
// the process lifetime.
func (e *Executor) probeDocker() bool {
	if _, err := exec.LookPath(e.config.DockerBin); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.config.DockerBin, "info", "--format", "{{.ServerVersion}}")
	return cmd.Run() == nil
}

// Run executes spec and always returns a Result. An empty Argv yields
// a skipped result; unknown project types flow through here.
func (e *Executor) Run(ctx context.Context, spec Spec) Result {
	if len(spec.Argv) == 0 {
		return Result{Method: types.MethodSkipped}
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultTimeout
	}
	if spec.Limits.MemoryMB == 0 {
		spec.Limits.MemoryMB = DefaultMemoryMB
	}
	if spec.Limits.CPUs == 0 {
		spec.Limits.CPUs = DefaultCPUs
	}
	if spec.Limits.PidsLimit == 0 {
		spec.Limits.PidsLimit = DefaultPidsLimit
	}

	if e.Isolated() {
		return e.runIsolated(ctx, spec)
	}
	return e.runSubprocess(ctx, spec)
}

// runIsolated executes the command in a throwaway container with the
// workspace bind-mounted read-write and everything else locked down.
func (e *Executor) runIsolated(ctx context.Context, spec Spec) Result {
	name := "remedy-" + uuid.New().String()[:8]

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB),
		"--cpus", fmt.Sprintf("%g", spec.Limits.CPUs),
		"--pids-limit", fmt.Sprintf("%d", spec.Limits.PidsLimit),
		"-v", spec.Dir + ":/workspace:rw",
		"-w", "/workspace",
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, e.config.Image)
	args = append(args, spec.Argv...)

	res := e.spawn(ctx, exec.Command(e.config.DockerBin, args...), spec.Timeout)
	res.Method = types.MethodIsolated
	if res.TimedOut {
		// docker run was killed; the container itself may still be up.
		killCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		_ = exec.CommandContext(killCtx, e.config.DockerBin, "kill", name).Run() // best-effort
	}
	return res
}

// runSubprocess executes the command directly on the host with the
// same timeout contract.
func (e *Executor) runSubprocess(ctx context.Context, spec Spec) Result {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	res := e.spawn(ctx, cmd, spec.Timeout)
	res.Method = types.MethodSubprocess
	return res
}

// spawn starts cmd in its own process group, waits up to timeout, and
// hard-kills the whole group on expiry so backgrounded children cannot
// hold the output pipes open past the deadline. It never returns an
// error; failures become exit codes.
func (e *Executor) spawn(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) Result {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return Result{
			ExitCode: 127,
			Stderr:   truncateTail(err.Error()),
			Duration: time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
		killGroup(cmd)
		<-done
	case <-timer.C:
		timedOut = true
		killGroup(cmd)
		<-done
	}

	exitCode := cmd.ProcessState.ExitCode()
	if timedOut {
		if exitCode <= 0 {
			exitCode = 124
		}
		stderr.WriteString(fmt.Sprintf("\ncommand timed out after %s and was killed", timeout))
	} else if exitCode < 0 {
		// Killed by a signal outside our timeout path.
		exitCode = 1
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   truncateTail(stdout.String()),
		Stderr:   truncateTail(stderr.String()),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
}

// killGroup SIGKILLs the command's entire process group, falling back
// to the direct child if the group signal fails.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// truncateTail caps s at MaxCapturedBytes, keeping the tail and noting
// how many bytes were dropped.
func truncateTail(s string) string {
	if len(s) <= MaxCapturedBytes {
		return s
	}
	dropped := len(s) - MaxCapturedBytes
	marker := fmt.Sprintf("[... %d bytes truncated ...]\n", dropped)
	return marker + s[dropped:]
}

// SummarizeFailures extracts failed test names from captured output.
// Shallow by design: it recognizes the common "FAIL"-prefixed line
// shapes of go test, pytest, and jest, and gives up quietly otherwise.
func SummarizeFailures(stdout, stderr string) []string {
	var failed []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(stdout+"\n"+stderr, "\n") {
		line = strings.TrimSpace(line)
		var name string
		switch {
		case strings.HasPrefix(line, "--- FAIL: "):
			name = firstField(strings.TrimPrefix(line, "--- FAIL: "))
		case strings.HasPrefix(line, "FAILED "):
			name = firstField(strings.TrimPrefix(line, "FAILED "))
		case strings.HasPrefix(line, "✕ "):
			name = strings.TrimPrefix(line, "✕ ")
		}
		if name != "" && !seen[name] {
			seen[name] = true
			failed = append(failed, name)
		}
	}
	return failed
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
