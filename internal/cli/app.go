package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/search"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// app carries the per-invocation state shared by all commands. Services are
// opened lazily so help and configure never touch the storage root.
type app struct {
	cfgFile  string
	logLevel string
	project  string
	output   string
	watch    bool
	audit    bool

	cfg     *config.Config
	log     *logger.Logger
	storage *storage.Storage
	search  *search.Service
}

// config loads the configuration file once.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}

	cfg, err := config.NewLoader(a.cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) logger() zerolog.Logger {
	if a.log == nil {
		return zerolog.Nop()
	}
	return a.log.GetZerolog()
}

// open validates the configuration and opens storage and search.
func (a *app) open(cmd *cobra.Command) (*storage.Storage, error) {
	if a.storage != nil {
		return a.storage, nil
	}

	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    true,
		Out:       cmd.ErrOrStderr(),
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   []string{cfg.Search.Embedding.APIKey},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a.log = log

	if err := tracing.InitOpenTelemetry("mnemo"); err != nil {
		a.logger().Warn().Err(err).Msg("OpenTelemetry disabled")
	}

	st, err := storage.Open(storage.Config{Root: cfg.StorageRoot, Logger: a.logger()})
	if err != nil {
		return nil, err
	}
	a.storage = st

	if cfg.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.AuditLog); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.audit = true
	}

	// The search service must exist before any memory store is opened so
	// appends mark its indexes dirty.
	provider, err := a.embeddingProvider(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := search.NewService(search.ServiceConfig{
		Storage:           st,
		VectorBackend:     cfg.Search.VectorBackend,
		EmbeddingProvider: provider,
		Defaults: search.Options{
			Limit:         cfg.Search.Limit,
			VectorWeight:  cfg.Search.VectorWeight,
			KeywordWeight: cfg.Search.KeywordWeight,
			MinScore:      cfg.Search.MinScore,
		},
		Watch:  a.watch && cfg.Search.Watch,
		Logger: a.logger(),
	})
	if err != nil {
		return nil, err
	}
	a.search = svc

	return st, nil
}

func (a *app) embeddingProvider(cfg *config.Config) (search.EmbeddingProvider, error) {
	emb := cfg.Search.Embedding
	if emb.Provider != "openai" {
		return nil, nil
	}

	provider := search.NewOpenAIProvider(emb.APIKey, emb.Model, emb.Dimension)
	if emb.CacheMaxCost <= 0 {
		return provider, nil
	}
	cached, err := search.NewCachedProvider(provider, emb.CacheMaxCost)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return cached, nil
}

// requireProject returns the --project value or an error naming the flag.
func (a *app) requireProject() (string, error) {
	if a.project == "" {
		return "", errors.New("a project is required (use --project or MNEMO_PROJECT)")
	}
	return a.project, nil
}

// close releases everything open() acquired.
func (a *app) close() error {
	var errs []error
	if a.search != nil {
		errs = append(errs, a.search.Close())
		a.search = nil
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
		a.storage = nil
	}
	if a.audit {
		errs = append(errs, observability.GetAuditLogger().Close())
		a.audit = false
	}
	if a.log != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
		errs = append(errs, a.log.Close())
		a.log = nil
	}
	return errors.Join(errs...)
}

// render writes v as JSON or YAML, or calls text for the default format.
func (a *app) render(cmd *cobra.Command, v interface{}, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	switch a.output {
	case "", "text":
		return text(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", a.output)
	}
}
