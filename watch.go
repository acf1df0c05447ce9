package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gotsync/gotsync/internal/client"
	"github.com/gotsync/gotsync/internal/config"
	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/controller"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/storage"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchURL      string
	watchWorkflow string
	watchInputs   string
	watchMaxCost  float64
	watchTimeout  time.Duration
	watchDebug    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Execute a workflow and follow its state until it ends",
	Long: `Connect to the backend, execute a workflow and log every state change
until the run completes, fails or is stopped. Interrupting the command stops
the run. When redis.url is configured the run is also published for tail.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.Server.URL = watchURL
		}
		if cmd.Flags().Changed("workflow") {
			cfg.Server.WorkflowID = watchWorkflow
		}
		if cmd.Flags().Changed("max-cost") {
			cfg.Budget.MaxCost = watchMaxCost
		}

		inputs := map[string]any{}
		if watchInputs != "" {
			if err := sonic.UnmarshalString(watchInputs, &inputs); err != nil {
				return fmt.Errorf("failed to parse --inputs: %w", err)
			}
		}

		sigCtx, stopSignals := signalContext()
		defer stopSignals()
		return watch(sigCtx, cfg, inputs, log)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "Backend websocket URL (default from config)")
	watchCmd.Flags().StringVar(&watchWorkflow, "workflow", "", "Workflow id (default from config)")
	watchCmd.Flags().StringVar(&watchInputs, "inputs", "", "Workflow inputs as a JSON object")
	watchCmd.Flags().Float64Var(&watchMaxCost, "max-cost", 0, "Run budget (default from config)")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "Backend-side execution timeout (0 = none)")
	watchCmd.Flags().BoolVar(&watchDebug, "debug", false, "Ask the backend for debug_info events")
}

func watch(sigCtx context.Context, cfg *config.Config, inputs map[string]any, log zerolog.Logger) error {
	workflowID := cfg.Server.WorkflowID
	opts := cfg.ClientOptions()
	opts.Logger = log
	c := client.New(&connection.WebsocketTransport{URL: cfg.Server.URL}, opts)

	// The client outlives the signal context so the run can still be stopped
	// after an interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	defer c.Close()

	finished := make(chan core.RunState, 1)
	if _, err := c.Subscribe(ctx, watcher(log, finished)); err != nil {
		return err
	}
	if stop, err := publish(ctx, c, cfg.Redis, workflowID, log); err != nil {
		return err
	} else if stop != nil {
		defer stop()
	}

	fut, err := c.Execute(ctx, protocol.ExecuteWorkflow{
		WorkflowID: workflowID,
		Inputs:     inputs,
		Options: protocol.ExecuteOptions{
			MaxCost:     opts.MaxCost,
			TimeoutMs:   watchTimeout.Milliseconds(),
			EnableDebug: watchDebug,
		},
	})
	if err != nil {
		return err
	}
	go func() {
		if _, err := fut.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("Execute was not acknowledged")
			return
		}
		log.Info().Str("workflow_id", workflowID).Msg("Execute acknowledged")
	}()

	select {
	case state := <-finished:
		log.Info().Str("state", string(state)).Msg("Run ended")
	case err := <-runErr:
		return err
	case <-sigCtx.Done():
		log.Warn().Msg("Interrupted, stopping run")
		stopRun(ctx, c, log)
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	summarize(log, snap)
	if snap.Run.State == core.RunError {
		return fmt.Errorf("run failed: %s", snap.Run.Error)
	}
	return nil
}

// publish mirrors the run into redis when configured. The returned function
// stops the publisher and waits for it to clean up.
func publish(ctx context.Context, c *client.Client, cfg config.RedisConfig, key string, log zerolog.Logger) (func(), error) {
	if cfg.URL == "" {
		return nil, nil
	}
	store, err := storage.NewRedisStore(ctx, cfg.URL, cfg.Prefix, cfg.TTL, log)
	if err != nil {
		return nil, err
	}
	pub := storage.NewPublisher(store, key, c.Snapshot, 0, log)
	if _, err := c.Subscribe(ctx, pub); err != nil {
		_ = store.Close()
		return nil, err
	}

	pubCtx, pubCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pub.Run(pubCtx)
	}()
	log.Info().Str("key", key).Msg("Publishing run to redis")
	return func() {
		pubCancel()
		<-done
		_ = store.Close()
	}, nil
}

func stopRun(ctx context.Context, c *client.Client, log zerolog.Logger) {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fut, err := c.Stop(stopCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Stop refused")
		return
	}
	if _, err := fut.Wait(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Stop was not acknowledged")
	}
}

// watcher logs notifications and reports the first terminal run state.
// It runs on the client loop, so it only hands values off.
func watcher(log zerolog.Logger, finished chan<- core.RunState) core.Listener {
	return core.ListenerFunc(func(n core.Notification) {
		level := zerolog.InfoLevel
		switch n.(type) {
		case core.NodeChanged, core.TotalsChanged, core.BackendDebug, core.ThoughtsReported:
			level = zerolog.DebugLevel
		}
		err := core.ErrorOf(n)
		if err != nil {
			level = zerolog.WarnLevel
		}

		ev := log.WithLevel(level).Str("kind", n.Kind())
		if err != nil {
			ev = ev.Err(err)
		}
		switch e := n.(type) {
		case core.RunStateChanged:
			ev.Str("from", string(e.From)).Str("to", string(e.To)).Str("reason", e.Reason).Msg("Run state changed")
			if e.To.Terminal() {
				select {
				case finished <- e.To:
				default:
				}
			}
		case core.ConnectionStateChanged:
			ev.Str("from", string(e.From)).Str("to", string(e.To)).Int("attempts", e.Attempts).Msg("Connection state changed")
		case core.NodeChanged:
			ev.Str("node_id", e.Node.ID).Str("state", string(e.Node.State)).Bool("placeholder", e.Placeholder).Msg("Node changed")
		case core.BudgetSeverityChanged:
			ev.Str("severity", string(e.To)).Float64("fraction", e.Fraction).Msg("Budget threshold crossed")
		case core.BackendLog:
			ev.Str("operation_id", e.Message.OperationID).Str("backend_level", e.Message.Level).Msg(e.Message.Message)
		default:
			ev.Interface("data", n).Msg("Notification")
		}
	})
}

func summarize(log zerolog.Logger, snap controller.Snapshot) {
	log.Info().
		Str("workflow_id", snap.Run.WorkflowID).
		Str("state", string(snap.Run.State)).
		Float64("total_cost", snap.Totals.TotalCost).
		Float64("budget_fraction", snap.Totals.BudgetFraction).
		Int("operations", snap.Run.OperationsCount).
		Int("thoughts", snap.Run.ThoughtsCount).
		Int("nodes", len(snap.Nodes)).
		Float64("execution_time_ms", snap.Run.ExecutionTimeMs).
		Msg("Run summary")
}
