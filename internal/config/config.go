package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Backend sources understood by BACKEND_SOURCE.
const (
	SourceHTTP  = "http"
	SourcePutio = "putio"
)

// Config struct for environment variables.
type Config struct {
	CacheDir        string `envconfig:"CACHE_DIR" required:"true"`
	DBPath          string `envconfig:"DB_PATH" default:"attachments.db"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"INFO"`
	MaxConcurrent   int    `envconfig:"MAX_CONCURRENT" default:"3"`
	RenderCacheSize int    `envconfig:"RENDER_CACHE_SIZE" default:"512"`

	MaxRetries           int           `envconfig:"MAX_RETRIES" default:"0"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"2s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"1m"`
	StallTimeout         time.Duration `envconfig:"STALL_TIMEOUT" default:"0s"`

	BackendSource  string `envconfig:"BACKEND_SOURCE" default:"http"`
	BackendBaseURL string `envconfig:"BACKEND_BASE_URL"`
	PutioToken     string `envconfig:"PUTIO_TOKEN"`

	ConnectivityProbeURL      string        `envconfig:"CONNECTIVITY_PROBE_URL"`
	ConnectivityProbeInterval time.Duration `envconfig:"CONNECTIVITY_PROBE_INTERVAL" default:"10s"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"attachment_downloader"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the combinations envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CacheDir) == "" {
		return fmt.Errorf("CACHE_DIR must not be empty")
	}

	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	switch c.BackendSource {
	case SourceHTTP:
	case SourcePutio:
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is required when BACKEND_SOURCE=%s", SourcePutio)
		}
	default:
		return fmt.Errorf("invalid BACKEND_SOURCE: %s", c.BackendSource)
	}

	return nil
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
