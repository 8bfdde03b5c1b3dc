package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CACHE_DIR", "/tmp/attachments")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/attachments", cfg.CacheDir)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, time.Duration(0), cfg.StallTimeout)
	assert.Equal(t, SourceHTTP, cfg.BackendSource)
	assert.Equal(t, 10*time.Second, cfg.ConnectivityProbeInterval)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "attachment_downloader", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CACHE_DIR", "/cache")
	t.Setenv("MAX_CONCURRENT", "1")
	t.Setenv("MAX_RETRIES", "4")
	t.Setenv("STALL_TIMEOUT", "45s")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.MaxConcurrent)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.StallTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_MissingCacheDir(t *testing.T) {
	t.Setenv("CACHE_DIR", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid http", mutate: func(*Config) {}},
		{name: "zero ceiling", mutate: func(c *Config) { c.MaxConcurrent = 0 }, wantErr: "MAX_CONCURRENT"},
		{name: "negative retries", mutate: func(c *Config) { c.MaxRetries = -1 }, wantErr: "MAX_RETRIES"},
		{name: "putio without token", mutate: func(c *Config) { c.BackendSource = SourcePutio }, wantErr: "PUTIO_TOKEN"},
		{name: "putio with token", mutate: func(c *Config) { c.BackendSource = SourcePutio; c.PutioToken = "tok" }},
		{name: "unknown source", mutate: func(c *Config) { c.BackendSource = "ftp" }, wantErr: "BACKEND_SOURCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{CacheDir: "/c", MaxConcurrent: 2, BackendSource: SourceHTTP}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
