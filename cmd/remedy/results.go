package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedylabs/remedy/internal/types"
)

var resultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Show the full results of a run",
	Long: `Display a run's final status, score breakdown, applied fixes,
iteration timeline, and sandbox executions.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st := openStore(ctx, cfg)
		defer func() { _ = st.Close() }()

		result, err := st.GetFullResult(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if result == nil {
			fmt.Fprintf(os.Stderr, "Error: run %s not found\n", args[0])
			os.Exit(1)
		}

		printResult(result)
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func printResult(result *types.RunResult) {
	run := result.Run

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	statusColor := gray
	switch run.Status {
	case types.RunCompleted:
		statusColor = green
	case types.RunFailed:
		statusColor = red
	}

	fmt.Printf("\n%s\n\n", cyan("=== Run "+run.ID+" ==="))
	fmt.Printf("  Status:     %s\n", statusColor(string(run.Status)))
	fmt.Printf("  CI:         %s\n", string(run.CIStatus))
	fmt.Printf("  Repository: %s\n", run.RepoURL)
	if run.TeamName != "" {
		fmt.Printf("  Team:       %s\n", run.TeamName)
	}
	if run.BranchName != "" {
		fmt.Printf("  Branch:     %s\n", run.BranchName)
	}
	if run.ProjectType != "" {
		fmt.Printf("  Project:    %s (%d files, %s)\n", run.ProjectType, run.TotalFiles, run.DominantLanguage)
	}
	if run.Error != "" {
		fmt.Printf("  Error:      %s\n", red(run.Error))
	}
	fmt.Println()

	fmt.Printf("%s\n", yellow("Score:"))
	fmt.Printf("  Total:      %d\n", run.Score)
	fmt.Printf("  Base:       %d\n", run.BaseScore)
	fmt.Printf("  Speed:      +%d\n", run.SpeedBonus)
	fmt.Printf("  Efficiency: -%d\n", run.EfficiencyPenalty)
	fmt.Printf("  Duration:   %s\n", (time.Duration(run.DurationSeconds) * time.Second).String())
	fmt.Println()

	fmt.Printf("%s\n", yellow("Fixes:"))
	if len(result.FixesTable) == 0 {
		fmt.Printf("  %s\n", gray("No fixes applied"))
	} else {
		for _, fix := range result.FixesTable {
			fmt.Printf("  %s %s:%d [%s] %s\n",
				green("✓"), fix.FilePath, fix.LineNumber, fix.BugCategory, fix.Description)
		}
	}
	fmt.Println()

	fmt.Printf("%s\n", yellow("Timeline:"))
	for _, entry := range result.Timeline {
		mark := green("✓")
		if entry.Result != "passed" {
			mark = red("✗")
		}
		fmt.Printf("  %s iteration %d: %s (retry %d/%d)\n",
			mark, entry.Iteration, entry.Result, entry.RetryCount, entry.RetryLimit)
	}
	fmt.Println()

	fmt.Printf("%s\n", yellow("Executions:"))
	for _, tr := range result.TestResults {
		mark := red("✗")
		if tr.Passed {
			mark = green("✓")
		}
		fmt.Printf("  %s %s (iteration %d): %s\n", mark, tr.Phase, tr.Iteration, tr.Summary)
	}
	fmt.Println()
}
