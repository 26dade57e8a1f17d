// Package workspace provisions exclusively-owned ephemeral clone
// directories and owns their cleanup. Each run gets a fresh temp root;
// release removes the whole root and is safe to call more than once.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/git"
)

// CloneDepth limits history transfer for provisioning clones.
const CloneDepth = 1

// ProvisioningError wraps a clone failure. The message is sanitized of
// credentials before it reaches the error text; it is fatal to the run.
type ProvisioningError struct {
	RepoURL string
	Msg     string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision workspace for %s: %s", git.Sanitize(e.RepoURL), e.Msg)
}

// Workspace is the ownership handle for one run's clone directory. It
// is never shared across runs and is released exactly once regardless
// of which exit path triggers it.
type Workspace struct {
	root     string
	repoPath string

	releaseOnce sync.Once
	provisioner *Provisioner
}

// Path returns the cloned repository directory.
func (w *Workspace) Path() string { return w.repoPath }

// Root returns the parent temp root that Release removes.
func (w *Workspace) Root() string { return w.root }

// Release removes the parent temp root recursively. Idempotent, and
// safe to call even if provisioning only partially succeeded.
func (w *Workspace) Release() {
	w.releaseOnce.Do(func() {
		if w.root != "" {
			if err := os.RemoveAll(w.root); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to remove workspace root %s: %v\n", w.root, err)
			}
		}
		if w.provisioner != nil {
			w.provisioner.forget(w.root)
		}
	})
}

// Config holds provisioner configuration.
type Config struct {
	// BaseDir is the directory under which run workspaces are created.
	// Defaults to os.TempDir()/remedy-workspaces.
	BaseDir string

	// CloneTimeout bounds the clone call. Defaults to 2 minutes.
	CloneTimeout time.Duration
}

// Provisioner clones repositories into fresh temp roots and tracks the
// live roots so the janitor never sweeps a workspace in use.
type Provisioner struct {
	config Config
	git    *git.Git

	mu   sync.Mutex
	live map[string]bool
}

// NewProvisioner creates a Provisioner, verifying git availability and
// creating the base directory.
func NewProvisioner(ctx context.Context, cfg Config) (*Provisioner, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(os.TempDir(), "remedy-workspaces")
	}
	if cfg.CloneTimeout == 0 {
		cfg.CloneTimeout = 2 * time.Minute
	}

	g, err := git.NewGit(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir: %w", err)
	}

	return &Provisioner{
		config: cfg,
		git:    g,
		live:   make(map[string]bool),
	}, nil
}

// BaseDir returns the directory run workspaces live under.
func (p *Provisioner) BaseDir() string { return p.config.BaseDir }

// Provision shallow-clones repoURL into a fresh, uniquely named temp
// root. On failure the partial root is removed and a ProvisioningError
// is returned.
func (p *Provisioner) Provision(ctx context.Context, repoURL string) (*Workspace, error) {
	root := filepath.Join(p.config.BaseDir, fmt.Sprintf("run-%s", uuid.New().String()))
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &ProvisioningError{RepoURL: repoURL, Msg: err.Error()}
	}

	repoPath := filepath.Join(root, "repo")

	cloneCtx, cancel := context.WithTimeout(ctx, p.config.CloneTimeout)
	defer cancel()

	if err := p.git.Clone(cloneCtx, repoURL, repoPath, CloneDepth); err != nil {
		_ = os.RemoveAll(root) // best-effort removal of the partial root
		return nil, &ProvisioningError{RepoURL: repoURL, Msg: err.Error()}
	}

	p.mu.Lock()
	p.live[root] = true
	p.mu.Unlock()

	return &Workspace{
		root:        root,
		repoPath:    repoPath,
		provisioner: p,
	}, nil
}

// LiveRoots returns the workspace roots currently owned by in-flight
// runs. The janitor skips these during sweeps.
func (p *Provisioner) LiveRoots() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]bool, len(p.live))
	for root := range p.live {
		out[root] = true
	}
	return out
}

func (p *Provisioner) forget(root string) {
	p.mu.Lock()
	delete(p.live, root)
	p.mu.Unlock()
}
