package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60, cfg.Sync.StaleThresholdMinutes)
	assert.Equal(t, time.Hour, cfg.StaleThreshold())
	assert.Equal(t, "*/5 * * * *", cfg.Sync.CheckSchedule)
	assert.Equal(t, 20, cfg.Search.Limit)
	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	assert.Equal(t, 0.3, cfg.Search.KeywordWeight)
	assert.Equal(t, "sqlite-vec", cfg.Search.VectorBackend)
	assert.Equal(t, "none", cfg.Search.Embedding.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults with storage root",
			modify: func(c *Config) {},
		},
		{
			name:    "missing storage root",
			modify:  func(c *Config) { c.StorageRoot = "" },
			wantErr: "storage_root",
		},
		{
			name:    "zero threshold",
			modify:  func(c *Config) { c.Sync.StaleThresholdMinutes = 0 },
			wantErr: "stale_threshold_minutes",
		},
		{
			name:    "openai without key",
			modify:  func(c *Config) { c.Search.Embedding.Provider = "openai" },
			wantErr: "API key",
		},
		{
			name: "openai with key",
			modify: func(c *Config) {
				c.Search.Embedding.Provider = "openai"
				c.Search.Embedding.APIKey = "sk-test"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.StorageRoot = "/tmp/mnemo"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageRoot = "/data"

	s := cfg.String()
	assert.True(t, strings.Contains(s, `"storage_root": "/data"`))

	var decoded Config
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	assert.Equal(t, cfg.Search.VectorBackend, decoded.Search.VectorBackend)
}
