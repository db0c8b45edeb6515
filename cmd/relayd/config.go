package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/relay/internal/plugins"
)

// Config holds all relayd configuration.
// Priority: RELAY_* env vars > config file > defaults. Packs are
// file-only: a list of structs has no env-var shape.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Store     StoreConfig          `mapstructure:"store"`
	Engine    EngineConfig         `mapstructure:"engine"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Retention RetentionConfig      `mapstructure:"retention"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	MCP       MCPConfig            `mapstructure:"mcp"`
	Packs     []plugins.PackConfig `mapstructure:"packs"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type StoreConfig struct {
	// Backend selects the storage implementation: libsql (embedded,
	// default) or postgres.
	Backend string `mapstructure:"backend"`
	// Path is the libsql database file.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

type EngineConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelayCap       time.Duration `mapstructure:"max_delay_cap"`
	NodeTimeout       time.Duration `mapstructure:"node_timeout"`
	PerTickTimeBudget time.Duration `mapstructure:"per_tick_time_budget"`
}

type WorkerConfig struct {
	PoolSize      int           `mapstructure:"pool_size"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RetentionConfig struct {
	// HistoryWindow is how long terminal executions are kept. Zero
	// disables the sweeper.
	HistoryWindow time.Duration `mapstructure:"history_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MCPConfig struct {
	// Enabled mounts the MCP tool surface at /mcp on the HTTP server.
	Enabled bool `mapstructure:"enabled"`
}

func defaultSettings() map[string]any {
	return map[string]any{
		"server.listen_addr":          ":4600",
		"store.backend":               "libsql",
		"store.path":                  filepath.Join(relayDir(), "relay.db"),
		"store.dsn":                   "",
		"engine.max_retries":          3,
		"engine.base_delay":           "1s",
		"engine.backoff_multiplier":   2.0,
		"engine.max_delay_cap":        "5m",
		"engine.node_timeout":         "30s",
		"engine.per_tick_time_budget": "10s",
		"worker.pool_size":            4,
		"worker.lease_duration":       "30s",
		"worker.poll_interval":        "500ms",
		"scheduler.poll_interval":     "10s",
		"retention.history_window":    "720h",
		"retention.sweep_interval":    "1h",
		"logging.level":               "info",
		"logging.format":              "text",
		"mcp.enabled":                 true,
	}
}

// loadConfig reads the config file (explicit path, else ./relay.yaml or
// ~/.relay/relay.yaml) and applies RELAY_* env overrides, e.g.
// RELAY_WORKER_POOL_SIZE=8.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	for key, val := range defaultSettings() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(relayDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func relayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}
