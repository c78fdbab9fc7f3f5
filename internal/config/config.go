package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main mnemo configuration
type Config struct {
	// Storage root holding control.db, projects/ and the legacy vault
	StorageRoot string `json:"storage_root" mapstructure:"storage_root"`

	// Sync scheduling
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Hybrid search
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Legacy migration
	Legacy LegacyConfig `json:"legacy" mapstructure:"legacy"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Audit log path for destructive steps
	AuditLog string `json:"audit_log" mapstructure:"audit_log"`
}

// SyncConfig holds staleness and connector scheduling settings
type SyncConfig struct {
	StaleThresholdMinutes int      `json:"stale_threshold_minutes" mapstructure:"stale_threshold_minutes"`
	Sources               []string `json:"sources" mapstructure:"sources"`               // empty means canonical sources
	CheckSchedule         string   `json:"check_schedule" mapstructure:"check_schedule"` // cron expression
}

// SearchConfig holds hybrid search settings
type SearchConfig struct {
	Limit         int             `json:"limit" mapstructure:"limit"`
	VectorWeight  float64         `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight float64         `json:"keyword_weight" mapstructure:"keyword_weight"`
	MinScore      float64         `json:"min_score" mapstructure:"min_score"`
	VectorBackend string          `json:"vector_backend" mapstructure:"vector_backend"` // sqlite-vec, chromem
	Watch         bool            `json:"watch" mapstructure:"watch"`
	Embedding     EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
}

// EmbeddingConfig selects the embedding provider
type EmbeddingConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // none, openai
	Model        string `json:"model" mapstructure:"model"`
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	Dimension    int    `json:"dimension" mapstructure:"dimension"`
	CacheMaxCost int64  `json:"cache_max_cost" mapstructure:"cache_max_cost"` // bytes
}

// LegacyConfig locates the legacy flat store
type LegacyConfig struct {
	VaultPath string `json:"vault_path" mapstructure:"vault_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			StaleThresholdMinutes: 60,
			Sources:               []string{},
			CheckSchedule:         "*/5 * * * *",
		},
		Search: SearchConfig{
			Limit:         20,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			MinScore:      0,
			VectorBackend: "sqlite-vec",
			Watch:         true,
			Embedding: EmbeddingConfig{
				Provider:     "none",
				Model:        "text-embedding-3-small",
				CacheMaxCost: 64 << 20,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// StaleThreshold returns the staleness threshold as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Sync.StaleThresholdMinutes) * time.Minute
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid and returns the first problem.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}
