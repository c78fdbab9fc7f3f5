package config

import (
	"fmt"
	"strings"

	"github.com/harun/mnemo/pkg/layout"
	"github.com/robfig/cron/v3"
)

var (
	validBackends  = []string{"sqlite-vec", "chromem"}
	validProviders = []string{"none", "openai"}
	validLevels    = []string{"debug", "info", "warn", "error"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateWeights checks search weights are in [0, 1] and not both zero.
func (v *Validator) ValidateWeights(vector, keyword float64) error {
	if vector < 0 || vector > 1 {
		return fmt.Errorf("vector_weight must be between 0 and 1, got %f", vector)
	}
	if keyword < 0 || keyword > 1 {
		return fmt.Errorf("keyword_weight must be between 0 and 1, got %f", keyword)
	}
	if vector == 0 && keyword == 0 {
		return fmt.Errorf("vector_weight and keyword_weight cannot both be zero")
	}
	return nil
}

// ValidateVectorBackend validates the vector backend name
func (v *Validator) ValidateVectorBackend(backend string) error {
	if oneOf(backend, validBackends) {
		return nil
	}
	return fmt.Errorf("invalid vector backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateEmbedding validates the embedding provider settings
func (v *Validator) ValidateEmbedding(cfg EmbeddingConfig) error {
	if !oneOf(cfg.Provider, validProviders) {
		return fmt.Errorf("invalid embedding provider: %s (must be one of: %s)", cfg.Provider, strings.Join(validProviders, ", "))
	}
	if cfg.Dimension < 0 {
		return fmt.Errorf("embedding dimension must be >= 0, got %d", cfg.Dimension)
	}
	if cfg.Provider == "openai" {
		return v.ValidateAPIKey(cfg.APIKey, "openai")
	}
	return nil
}

// ValidateSchedule validates a five-field cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid check_schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if oneOf(level, validLevels) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if strings.TrimSpace(cfg.StorageRoot) == "" {
		errors = append(errors, fmt.Errorf("storage_root is required"))
	}

	// Validate sync
	if cfg.Sync.StaleThresholdMinutes <= 0 {
		errors = append(errors, fmt.Errorf("sync.stale_threshold_minutes must be > 0"))
	}
	for _, source := range cfg.Sync.Sources {
		if err := layout.ValidateSource(source); err != nil {
			errors = append(errors, fmt.Errorf("sync.sources: %w", err))
		}
	}
	if err := v.ValidateSchedule(cfg.Sync.CheckSchedule); err != nil {
		errors = append(errors, err)
	}

	// Validate search
	if cfg.Search.Limit <= 0 {
		errors = append(errors, fmt.Errorf("search.limit must be > 0"))
	}
	if err := v.ValidateWeights(cfg.Search.VectorWeight, cfg.Search.KeywordWeight); err != nil {
		errors = append(errors, err)
	}
	if cfg.Search.MinScore < 0 || cfg.Search.MinScore > 1 {
		errors = append(errors, fmt.Errorf("search.min_score must be between 0 and 1"))
	}
	if err := v.ValidateVectorBackend(cfg.Search.VectorBackend); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateEmbedding(cfg.Search.Embedding); err != nil {
		errors = append(errors, err)
	}

	// Validate metrics
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		errors = append(errors, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size must be >= 0"))
	}

	return errors
}
