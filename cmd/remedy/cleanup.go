package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedylabs/remedy/internal/janitor"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove abandoned workspace directories",
	Long: `Sweep the workspace base directory once, removing run roots older
than the age cutoff. This is the same sweep the serve command performs
on a schedule.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		prov := newProvisioner(ctx, cfg)

		maxAge := cleanupMaxAge
		if maxAge == 0 {
			maxAge = cfg.Janitor.MaxAge.Std()
		}

		sweeper, err := janitor.New(janitor.Config{Provisioner: prov, MaxAge: maxAge})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		removed, err := sweeper.Sweep()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		if removed == 0 {
			fmt.Printf("%s\n", gray("No abandoned workspaces found"))
		} else {
			fmt.Printf("%s Removed %d abandoned workspace(s) from %s\n", green("✓"), removed, prov.BaseDir())
		}
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "age cutoff for removal (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}
