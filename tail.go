package main

import (
	"errors"
	"fmt"

	"github.com/gotsync/gotsync/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var tailWorkflow string

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a run published by watch through redis",
	Long: `Print the latest published snapshot of a run, then log every
notification record published for it until interrupted. Requires redis.url.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cfg.Redis.URL == "" {
			return fmt.Errorf("redis.url is required (set GOTSYNC_REDIS_URL)")
		}
		key := cfg.Server.WorkflowID
		if cmd.Flags().Changed("workflow") {
			key = tailWorkflow
		}

		ctx, cancel := signalContext()
		defer cancel()

		store, err := storage.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.Prefix, cfg.Redis.TTL, log)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := store.LoadSnapshot(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Info().Str("key", key).Msg("No snapshot yet, waiting for records")
		case err != nil:
			return err
		default:
			summarize(log, snap)
		}

		records, err := store.Watch(ctx, key)
		if err != nil {
			return err
		}
		for rec := range records {
			var ev *zerolog.Event
			if rec.Error != "" {
				ev = log.Warn().Str("error", rec.Error)
			} else {
				ev = log.Info()
			}
			if len(rec.Data) > 0 {
				ev = ev.RawJSON("data", rec.Data)
			}
			ev.Str("kind", rec.Kind).Time("at", rec.At).Msg("Record")
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailWorkflow, "workflow", "", "Workflow id the run was published under (default from config)")
}
