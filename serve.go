package main

import (
	"time"

	"github.com/gotsync/gotsync/internal/devserver"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveStepDelay time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development execution backend",
	Long: `Run a local backend that speaks the event protocol on /ws. Each
execute_workflow runs a generate, score, keep-best and aggregate graph and
reports every operation, so watch can be tried without a real backend.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		opts := cfg.DevServerOptions()
		if cmd.Flags().Changed("addr") {
			opts.Addr = serveAddr
		}
		if cmd.Flags().Changed("step-delay") {
			opts.StepDelay = serveStepDelay
		}
		opts.Logger = log

		ctx, cancel := signalContext()
		defer cancel()
		return devserver.New(opts).ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8765", "Listen address")
	serveCmd.Flags().DurationVar(&serveStepDelay, "step-delay", 300*time.Millisecond, "Simulated duration of each operation")
}
