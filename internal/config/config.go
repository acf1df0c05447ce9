// Package config loads gotsync settings: built-in defaults, then an optional
// YAML file, then an optional .env file, then GOTSYNC_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gotsync/gotsync/internal/client"
	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/devserver"
	"github.com/gotsync/gotsync/internal/logger"
	"github.com/gotsync/gotsync/internal/nodes"
	"github.com/gotsync/gotsync/internal/queue"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g.
// GOTSYNC_CONNECTION_ACK_TIMEOUT.
const EnvPrefix = "GOTSYNC"

type Config struct {
	Log        logger.LogConfig `yaml:"log" envconfig:"LOG"`
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Connection ConnectionConfig `yaml:"connection" envconfig:"CONNECTION"`
	Budget     BudgetConfig     `yaml:"budget" envconfig:"BUDGET"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"REDIS"`
	DevServer  DevServerConfig  `yaml:"devserver" envconfig:"DEVSERVER"`
}

// ServerConfig locates the execution backend.
type ServerConfig struct {
	URL        string `yaml:"url" envconfig:"URL"`
	WorkflowID string `yaml:"workflow_id" envconfig:"WORKFLOW_ID"`
}

type ConnectionConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" envconfig:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" envconfig:"RECONNECT_DELAY"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	QueueTTL             time.Duration `yaml:"queue_ttl" envconfig:"QUEUE_TTL"`
	AckTimeout           time.Duration `yaml:"ack_timeout" envconfig:"ACK_TIMEOUT"`
	DialTimeout          time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
}

type BudgetConfig struct {
	MaxCost float64 `yaml:"max_cost" envconfig:"MAX_COST"`
}

// RedisConfig enables snapshot publishing when URL is set.
type RedisConfig struct {
	URL    string        `yaml:"url" envconfig:"URL"`
	TTL    time.Duration `yaml:"ttl" envconfig:"TTL"`
	Prefix string        `yaml:"prefix" envconfig:"PREFIX"`
}

type DevServerConfig struct {
	Addr           string        `yaml:"addr" envconfig:"ADDR"`
	StepDelay      time.Duration `yaml:"step_delay" envconfig:"STEP_DELAY"`
	Branches       int           `yaml:"branches" envconfig:"BRANCHES"`
	CostPerThought float64       `yaml:"cost_per_thought" envconfig:"COST_PER_THOUGHT"`
}

// Default returns the built-in configuration.
func Default() Config {
	conn := connection.DefaultOptions()
	dev := devserver.DefaultOptions()
	return Config{
		Log: logger.DefaultConfig(),
		Server: ServerConfig{
			URL:        "ws://localhost:8765/ws",
			WorkflowID: "default",
		},
		Connection: ConnectionConfig{
			MaxReconnectAttempts: conn.MaxReconnectAttempts,
			ReconnectDelay:       conn.ReconnectDelay,
			HeartbeatInterval:    conn.HeartbeatInterval,
			QueueTTL:             queue.DefaultTTL,
			AckTimeout:           conn.AckTimeout,
			DialTimeout:          conn.DialTimeout,
		},
		Budget: BudgetConfig{MaxCost: 1.0},
		Redis: RedisConfig{
			TTL:    time.Hour,
			Prefix: "gotsync:",
		},
		DevServer: DevServerConfig{
			Addr:           dev.Addr,
			StepDelay:      dev.StepDelay,
			Branches:       dev.Plan.Branches,
			CostPerThought: dev.CostPerThought,
		},
	}
}

// Load builds the configuration. yamlPath and envFile are optional; a
// missing .env file is not an error.
func Load(yamlPath, envFile string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := loadYAML(yamlPath, &cfg); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}
	return nil
}

// Validate rejects settings the connection and budget logic cannot work
// with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"connection.reconnect_delay":    c.Connection.ReconnectDelay,
		"connection.heartbeat_interval": c.Connection.HeartbeatInterval,
		"connection.queue_ttl":          c.Connection.QueueTTL,
		"connection.ack_timeout":        c.Connection.AckTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Connection.MaxReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("connection.max_reconnect_attempts must be positive, got %d", c.Connection.MaxReconnectAttempts))
	}
	if c.Connection.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("connection.dial_timeout must not be negative"))
	}
	if c.Budget.MaxCost <= 0 {
		errs = append(errs, fmt.Errorf("budget.max_cost must be positive, got %v", c.Budget.MaxCost))
	}
	if c.Server.URL == "" {
		errs = append(errs, fmt.Errorf("server.url is required"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ConnectionOptions converts the connection section for connection.Manager.
func (c *Config) ConnectionOptions() connection.Options {
	return connection.Options{
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		ReconnectDelay:       c.Connection.ReconnectDelay,
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		AckTimeout:           c.Connection.AckTimeout,
		DialTimeout:          c.Connection.DialTimeout,
		QueueTTL:             c.Connection.QueueTTL,
	}
}

// ClientOptions builds client options; the logger and clock are left to the
// caller.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Connection: c.ConnectionOptions(),
		MaxCost:    c.Budget.MaxCost,
	}
}

// DevServerOptions builds the dev backend options.
func (c *Config) DevServerOptions() devserver.Options {
	opts := devserver.DefaultOptions()
	opts.Addr = c.DevServer.Addr
	opts.StepDelay = c.DevServer.StepDelay
	opts.CostPerThought = c.DevServer.CostPerThought
	opts.Plan = nodes.Plan{Prompt: opts.Plan.Prompt, Branches: c.DevServer.Branches, Keep: opts.Plan.Keep}
	return opts
}
