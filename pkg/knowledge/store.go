// Package knowledge implements the human-editable knowledge layer of a
// project: glossary.json, faq.md, rules.md and one markdown file per spec
// under specs/.
//
// Every write rewrites a whole file through a temp file and rename, while
// holding the advisory lock file knowledge/.lock. Readers never take the lock.
package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/harun/mnemo/pkg/layout"
	"github.com/rs/zerolog"
)

const (
	glossaryFile = "glossary.json"
	faqFile      = "faq.md"
	rulesFile    = "rules.md"
	specsDir     = "specs"
	specExt      = ".md"
	lockFile     = ".lock"
)

var (
	// ErrInvalidName is returned for empty glossary terms and unsafe spec names.
	ErrInvalidName = errors.New("invalid knowledge name")

	// ErrLockTimeout is returned when the knowledge lock cannot be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for knowledge lock")

	// ErrInvalidGlossary is returned when glossary.json does not match its schema.
	ErrInvalidGlossary = errors.New("invalid glossary")
)

// Config holds knowledge store configuration
type Config struct {
	ProjectKey  string
	Dir         string // projects/<key>/knowledge
	Logger      zerolog.Logger
	LockTimeout time.Duration // Default: 5s
	StaleLock   time.Duration // Default: 30s
	MaxRetries  int           // Default: 3
	RetryDelay  time.Duration // Default: 50ms
}

// Store is the knowledge layer of one project.
type Store struct {
	projectKey string
	dir        string
	logger     zerolog.Logger
	config     Config
	mu         sync.Mutex
}

// New opens the knowledge store of a project. The knowledge directory must
// already exist.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if err := layout.ValidateKey(cfg.ProjectKey); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.Dir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", controlplane.ErrProjectNotFound, cfg.ProjectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", layout.ErrStorageIO, cfg.Dir, err)
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.StaleLock <= 0 {
		cfg.StaleLock = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}

	return &Store{
		projectKey: cfg.ProjectKey,
		dir:        cfg.Dir,
		logger:     cfg.Logger.With().Str("component", "knowledge").Str("project", cfg.ProjectKey).Logger(),
		config:     cfg,
	}, nil
}

// ProjectKey returns the project this store belongs to.
func (s *Store) ProjectKey() string {
	return s.projectKey
}

// Dir returns the knowledge directory.
func (s *Store) Dir() string {
	return s.dir
}

// withLock runs fn while holding both the in-process mutex and the lock file.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := acquireLock(filepath.Join(s.dir, lockFile), s.config.LockTimeout, s.config.StaleLock, s.logger)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// readFile returns the file content, or "" and false if it does not exist.
func (s *Store) readFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// writeFile atomically replaces path with data, retrying transient failures.
func (s *Store) writeFile(path string, data []byte, kind string) error {
	var lastErr error

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn().
				Int("attempt", attempt+1).
				Int("maxRetries", s.config.MaxRetries).
				Err(lastErr).
				Str("file", filepath.Base(path)).
				Msg("Retrying knowledge write")
			time.Sleep(s.config.RetryDelay)
		}

		if err := writeAtomic(path, data); err != nil {
			lastErr = err
			continue
		}

		observability.RecordKnowledgeWrite(kind)
		s.logger.Debug().
			Str("file", filepath.Base(path)).
			Int("bytes", len(data)).
			Msg("Knowledge file written")
		return nil
	}

	return fmt.Errorf("failed to write %s after %d attempts: %w", filepath.Base(path), s.config.MaxRetries, lastErr)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Dot-prefixed so spec listings and the index watcher ignore it
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
