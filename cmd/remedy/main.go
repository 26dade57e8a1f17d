package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remedylabs/remedy/internal/config"
	"github.com/remedylabs/remedy/internal/git"
	"github.com/remedylabs/remedy/internal/orchestrator"
	"github.com/remedylabs/remedy/internal/patch"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/scanner"
	"github.com/remedylabs/remedy/internal/store"
	"github.com/remedylabs/remedy/internal/workspace"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "remedy",
	Short: "Bounded-retry remediation orchestrator",
	Long: `Remedy clones a repository, detects its toolchain, scans for
structural issues, applies line-level patches, and verifies the result
in a sandbox, retrying up to a bounded limit before scoring the run.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "remedy.yaml", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the configured persistence backend or exits.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	st, err := store.New(ctx, &store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		URL:    cfg.Store.URL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open datastore: %v\n", err)
		os.Exit(1)
	}
	return st
}

// newProvisioner creates the workspace provisioner or exits.
func newProvisioner(ctx context.Context, cfg *config.Config) *workspace.Provisioner {
	p, err := workspace.NewProvisioner(ctx, workspace.Config{
		BaseDir:      cfg.Workspace.BaseDir,
		CloneTimeout: cfg.Workspace.CloneTimeout.Std(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create workspace provisioner: %v\n", err)
		os.Exit(1)
	}
	return p
}

// newOrchestrator wires the pipeline collaborators from config or exits.
func newOrchestrator(ctx context.Context, cfg *config.Config, st store.Store, p *workspace.Provisioner) *orchestrator.Orchestrator {
	g, err := git.NewGit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	o, err := orchestrator.New(orchestrator.Config{
		Store:       st,
		Provisioner: p,
		Git:         g,
		Executor: sandbox.NewExecutor(sandbox.Config{
			DisableIsolation: cfg.Exec.DisableIsolation,
		}),
		Scanner: scanner.New(scanner.Policy{
			MaxFiles:        cfg.Scan.MaxFiles,
			MaxIssuesPerRun: cfg.Scan.MaxIssuesPerRun,
		}),
		Patcher:     patch.NewEngine(),
		PushToken:   cfg.PushToken,
		ExecTimeout: cfg.Exec.Timeout.Std(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create orchestrator: %v\n", err)
		os.Exit(1)
	}
	return o
}
