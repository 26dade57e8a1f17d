// Package git wraps the git CLI with the operations the remediation
// pipeline needs: clone, identity setup, fix branches, commits with an
// empty-diff probe, and a single token-authenticated push.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// PushTimeout is the extended ceiling for the single push call; network
// transfer is slower than local operations.
const PushTimeout = 2 * time.Minute

// Identity is the fixed committer configured once per workspace.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when the config does not override it.
var DefaultIdentity = Identity{
	Name:  "Remedy Bot",
	Email: "bot@remedy.dev",
}

// CommitResult reports the outcome of a commit attempt.
// NothingToCommit is a normal outcome, not an error.
type CommitResult struct {
	SHA             string
	FilesChanged    int
	NothingToCommit bool
}

// Git implements version control operations using the git CLI.
type Git struct {
	gitPath string
}

// NewGit creates a new Git instance, verifying that git is available.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// Clone performs a shallow clone of repoURL into dest.
// SECURITY: the returned error is sanitized; it never echoes embedded
// credentials from repoURL.
func (g *Git) Clone(ctx context.Context, repoURL, dest string, depth int) error {
	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", depth))
	}
	args = append(args, repoURL, dest)

	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %s", Sanitize(string(output)))
	}
	return nil
}

// ConfigureIdentity sets the commit identity for the repository.
// Called once per workspace before any commit.
func (g *Git) ConfigureIdentity(ctx context.Context, repoPath string, id Identity) error {
	if id.Name == "" || id.Email == "" {
		id = DefaultIdentity
	}
	for _, kv := range [][2]string{
		{"user.name", id.Name},
		{"user.email", id.Email},
	} {
		cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "config", kv[0], kv[1])
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git config %s failed in %s: %w", kv[0], repoPath, err)
		}
	}
	return nil
}

// CreateBranch creates and switches to the named branch.
// The pipeline calls this before any file mutation.
func (g *Git) CreateBranch(ctx context.Context, repoPath, name string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "checkout", "-b", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git checkout -b %s failed in %s: %s", name, repoPath, strings.TrimSpace(string(output)))
	}
	return nil
}

// Commit stages all changes and commits them. If the staged diff is
// empty it returns NothingToCommit=true without creating a commit.
func (g *Git) Commit(ctx context.Context, repoPath, message string) (*CommitResult, error) {
	if message == "" {
		return nil, fmt.Errorf("commit message is required")
	}

	addCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "add", "-A")
	if err := addCmd.Run(); err != nil {
		return nil, fmt.Errorf("git add failed in %s: %w", repoPath, err)
	}

	// Probe whether anything is actually staged. diff --cached --quiet
	// exits 1 when the index differs from HEAD, 0 when it does not.
	probeCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", "--cached", "--quiet")
	if err := probeCmd.Run(); err == nil {
		return &CommitResult{NothingToCommit: true}, nil
	} else if _, ok := err.(*exec.ExitError); !ok {
		return nil, fmt.Errorf("git diff probe failed in %s: %w", repoPath, err)
	}

	changed, err := g.stagedFileCount(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	commitCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "commit", "-m", message)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git commit failed in %s: %s", repoPath, strings.TrimSpace(string(output)))
	}

	hashCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "HEAD")
	hashOutput, err := hashCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get commit hash in %s: %w", repoPath, err)
	}

	return &CommitResult{
		SHA:          strings.TrimSpace(string(hashOutput)),
		FilesChanged: changed,
	}, nil
}

// stagedFileCount counts files in the index that differ from HEAD.
func (g *Git) stagedFileCount(ctx context.Context, repoPath string) (int, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", "--cached", "--name-only")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("git diff --cached failed in %s: %w", repoPath, err)
	}
	count := 0
	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// HasUncommittedChanges checks whether the working tree has changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// Push pushes branch to repoURL using token for authentication. The
// token is embedded in the remote URL for this single call only and is
// never written to remote config, logs, or error messages.
func (g *Git) Push(ctx context.Context, repoPath, branch, repoURL, token string) error {
	if token == "" {
		return fmt.Errorf("push requires an access token")
	}

	pushURL, err := authURL(repoURL, token)
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()

	cmd := exec.CommandContext(pushCtx, g.gitPath, "-C", repoPath, "push", pushURL, fmt.Sprintf("HEAD:refs/heads/%s", branch))
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.ReplaceAll(string(output), token, "***")
		return fmt.Errorf("git push failed: %s", Sanitize(msg))
	}
	return nil
}

// authURL rewrites repoURL to carry the token as userinfo.
func authURL(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid repository URL")
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

var urlUserinfo = regexp.MustCompile(`(\w+://)[^/@\s]+@`)

// Sanitize strips credential userinfo from any URL embedded in s so
// that clone/push failures can be surfaced without leaking secrets.
func Sanitize(s string) string {
	return urlUserinfo.ReplaceAllString(strings.TrimSpace(s), "$1***@")
}
