package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/remedylabs/remedy/internal/api"
	"github.com/remedylabs/remedy/internal/janitor"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start the remediation service: the HTTP API for submitting and
inspecting runs, plus the background janitor that sweeps abandoned
workspaces. Shuts down gracefully on SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := openStore(ctx, cfg)
		defer func() { _ = st.Close() }()

		prov := newProvisioner(ctx, cfg)
		orch := newOrchestrator(ctx, cfg, st, prov)

		server, err := api.NewServer(api.Config{
			Store:       st,
			Runner:      orch,
			Addr:        cfg.Server.Addr,
			SubmitRate:  rate.Limit(cfg.Server.SubmitRate),
			SubmitBurst: cfg.Server.SubmitBurst,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create server: %v\n", err)
			os.Exit(1)
		}

		sweeper, err := janitor.New(janitor.Config{
			Provisioner: prov,
			Schedule:    cfg.Janitor.Schedule,
			MaxAge:      cfg.Janitor.MaxAge.Std(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create janitor: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s remedy listening on %s\n", green("✓"), cfg.Server.Addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(gctx)
		})
		g.Go(func() error {
			if err := sweeper.Start(); err != nil {
				return err
			}
			<-gctx.Done()
			sweeper.Stop()
			return nil
		})

		if err := g.Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("remedy stopped.")
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
