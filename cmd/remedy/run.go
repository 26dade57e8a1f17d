package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/remedylabs/remedy/internal/types"
)

var (
	runTeam       string
	runLeader     string
	runRetryLimit int
)

var runCmd = &cobra.Command{
	Use:   "run <repo-url>",
	Short: "Execute one remediation run and print the results",
	Long: `Clone the repository, scan it for structural issues, apply fixes
with bounded retries, and print the final score. The run is recorded in
the datastore exactly as API-submitted runs are.

Example:
  remedy run https://github.com/team/repo.git --team blue --retry-limit 3`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st := openStore(ctx, cfg)
		defer func() { _ = st.Close() }()

		prov := newProvisioner(ctx, cfg)
		orch := newOrchestrator(ctx, cfg, st, prov)

		run := &types.Run{
			ID:         uuid.New().String(),
			RepoURL:    args[0],
			TeamName:   runTeam,
			LeaderName: runLeader,
			RetryLimit: runRetryLimit,
			Status:     types.RunQueued,
			CIStatus:   types.CIPending,
		}
		if err := run.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("%s run %s\n", gray("→"), run.ID)

		if err := orch.Execute(ctx, run); err != nil {
			fmt.Fprintf(os.Stderr, "Error: run failed: %v\n", err)
			os.Exit(1)
		}

		result, err := st.GetFullResult(ctx, run.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load results: %v\n", err)
			os.Exit(1)
		}

		printResult(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runTeam, "team", "", "team name recorded on the run")
	runCmd.Flags().StringVar(&runLeader, "leader", "", "leader name recorded on the run")
	runCmd.Flags().IntVar(&runRetryLimit, "retry-limit", 0, "remediation retry limit (default 3)")
	rootCmd.AddCommand(runCmd)
}
