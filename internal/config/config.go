package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	StoreDir     string `envconfig:"STORE_DIR" required:"true"`
	TempDir      string `envconfig:"TEMP_DIR"`
	ArtifactKind string `envconfig:"ARTIFACT_KIND" default:"audio"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string `envconfig:"DB_PATH" default:"assetfetch.db"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	// BearerToken is sent on every fetch when set.
	BearerToken      string `envconfig:"BEARER_TOKEN"`
	RetryMax         int    `envconfig:"RETRY_MAX" default:"3"`
	ProgressInterval int64  `envconfig:"PROGRESS_INTERVAL" default:"262144"`

	// PausedTTL evicts paused transfers idle for longer. Zero keeps them forever.
	PausedTTL time.Duration `envconfig:"PAUSED_TTL" default:"0"`
	// KeepDownloadedFor deletes placed artifacts after this long. Zero keeps them.
	KeepDownloadedFor    time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval      time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	ShutdownPauseTimeout time.Duration `envconfig:"SHUTDOWN_PAUSE_TIMEOUT" default:"10s"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"assetfetch"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", cfg.CleanupInterval)
	}

	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("RETRY_MAX must not be negative, got %d", cfg.RetryMax)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
