package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configDirName  = ".mnemo"
	configFileName = "mnemo.json"
	envPrefix      = "MNEMO"
)

// envKeys can be set from the environment even when the config file does
// not mention them, e.g. MNEMO_SEARCH_EMBEDDING_API_KEY.
var envKeys = []string{
	"storage_root",
	"audit_log",
	"sync.stale_threshold_minutes",
	"sync.check_schedule",
	"search.vector_backend",
	"search.embedding.provider",
	"search.embedding.model",
	"search.embedding.api_key",
	"legacy.vault_path",
	"logging.level",
	"logging.file",
	"metrics.enabled",
	"metrics.addr",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load loads the configuration from file. A missing file yields the
// defaults, still subject to MNEMO_ environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	v := newViper()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Unmarshal into config struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerivedDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills paths that depend on the storage root.
func applyDerivedDefaults(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	if cfg.StorageRoot == "" {
		cfg.StorageRoot = filepath.Join(home, configDirName, "data")
	}
	cfg.StorageRoot = expandHome(cfg.StorageRoot, home)

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.StorageRoot, "mnemo.log")
	}
	if cfg.Legacy.VaultPath == "" {
		cfg.Legacy.VaultPath = filepath.Join(cfg.StorageRoot, "vault.db")
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(cfg.StorageRoot, "audit.log")
	}

	cfg.Logging.File = expandHome(cfg.Logging.File, home)
	cfg.Legacy.VaultPath = expandHome(cfg.Legacy.VaultPath, home)
	cfg.AuditLog = expandHome(cfg.AuditLog, home)
	return nil
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("storage_root", cfg.StorageRoot)
	v.Set("sync", cfg.Sync)
	v.Set("search", cfg.Search)
	v.Set("legacy", cfg.Legacy)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("audit_log", cfg.AuditLog)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	p, err := defaultConfigPath()
	if err != nil {
		return ""
	}
	return p
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
