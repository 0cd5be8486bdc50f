package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	EngineURL          string `mapstructure:"engine_url"` // Base URL for Engine REST+WS, e.g. http://localhost:4810
	Port               int    `mapstructure:"port"`       // syncd health/metrics/state listener
	LogLevel           string `mapstructure:"log_level"`
	RequestTimeoutSec  int    `mapstructure:"request_timeout_sec"`  // Per REST request; 0 = default
	RestRetryMax       int    `mapstructure:"rest_retry_max"`       // Bounded retries for transient REST failures
	PingIntervalSec    int    `mapstructure:"ping_interval_sec"`    // App-level ping period while online
	PongTimeoutSec     int    `mapstructure:"pong_timeout_sec"`     // Dead connection if no pong within this
	ReconnectInitialMs int    `mapstructure:"reconnect_initial_ms"` // First backoff delay
	ReconnectMaxSec    int    `mapstructure:"reconnect_max_sec"`    // Backoff hard cap; retry is unbounded
	PollIntervalSec    int    `mapstructure:"poll_interval_sec"`    // REST fallback cadence while degraded
	SuspendBufferCap   int    `mapstructure:"suspend_buffer_cap"`   // Max buffered messages while suspended
	PageSize           int    `mapstructure:"page_size"`            // Decision list page size
	UndoTTLSec         int    `mapstructure:"undo_ttl_sec"`         // Backstop GC for the undo registry
	NotificationCap    int    `mapstructure:"notification_cap"`     // FIFO cap for transient notifications
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"` // Graceful shutdown wait
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/helmdesk/")
	viper.AddConfigPath("$HOME/.helmdesk")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("engine_url", "http://localhost:4810")
	viper.SetDefault("port", 9180)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("request_timeout_sec", 10)
	viper.SetDefault("rest_retry_max", 3)
	viper.SetDefault("ping_interval_sec", 25)
	viper.SetDefault("pong_timeout_sec", 10)
	viper.SetDefault("reconnect_initial_ms", 500)
	viper.SetDefault("reconnect_max_sec", 30)
	viper.SetDefault("poll_interval_sec", 15)
	viper.SetDefault("suspend_buffer_cap", 256)
	viper.SetDefault("page_size", 50)
	viper.SetDefault("undo_ttl_sec", 60)
	viper.SetDefault("notification_cap", 20)
	viper.SetDefault("shutdown_timeout_sec", 15)

	// Environment variables
	viper.SetEnvPrefix("HELMDESK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
