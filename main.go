package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotsync/gotsync/internal/config"
	"github.com/gotsync/gotsync/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	logLevel   string

	// logOutput is closed once the command returns.
	logOutput io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "gotsync",
	Short: "Keep a local view of a remote workflow execution in sync",
	Long: `gotsync connects to an execution backend over a duplex websocket,
issues run commands and mirrors the execution state (run lifecycle,
operation graph, cost and metrics) as the backend reports it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(watchCmd, serveCmd, tailCmd)
}

// setup loads the configuration and installs the logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, closer, err := logger.Init(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	logOutput = closer
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	err := rootCmd.Execute()
	if logOutput != nil {
		_ = logOutput.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
