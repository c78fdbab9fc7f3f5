package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/rs/zerolog"
)

// ServiceConfig holds search service configuration
type ServiceConfig struct {
	Storage           *storage.Storage
	VectorBackend     string
	EmbeddingProvider EmbeddingProvider // Optional, nil means keyword only
	Defaults          Options
	Watch             bool
	WatchDebounce     time.Duration
	Logger            zerolog.Logger
}

// Service hands out one index per project. Create it before memory stores
// are opened so appends mark the matching index dirty.
type Service struct {
	storage  *storage.Storage
	cfg      ServiceConfig
	logger   zerolog.Logger
	mu       sync.Mutex
	indexes  map[string]*Index
	closed   bool
	defaults Options
}

// NewService creates a search service over cfg.Storage.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	defaults := cfg.Defaults
	base := DefaultOptions()
	if defaults.Limit <= 0 {
		defaults.Limit = base.Limit
	}
	if defaults.VectorWeight == 0 && defaults.KeywordWeight == 0 {
		defaults.VectorWeight = base.VectorWeight
		defaults.KeywordWeight = base.KeywordWeight
	}

	s := &Service{
		storage:  cfg.Storage,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "search").Logger(),
		indexes:  make(map[string]*Index),
		defaults: defaults,
	}
	cfg.Storage.OnMemoryAppend(s.onAppend)
	return s, nil
}

// Defaults returns the options used when a caller leaves fields unset.
func (s *Service) Defaults() Options {
	return s.defaults
}

func (s *Service) onAppend(_ context.Context, projectKey, _ string, _ []memory.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unopened indexes start dirty
	if ix, ok := s.indexes[projectKey]; ok {
		ix.MarkDirty()
	}
}

// Index returns the index of an existing project, opening it on first use.
func (s *Service) Index(ctx context.Context, projectKey string) (*Index, error) {
	mem, err := s.storage.Memory(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	kn, err := s.storage.Knowledge(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("search service is closed")
	}
	if ix, ok := s.indexes[projectKey]; ok {
		return ix, nil
	}

	dirs := s.storage.Layout()
	ix, err := OpenIndex(IndexConfig{
		ProjectKey:        projectKey,
		DBPath:            dirs.SearchIndexPath(projectKey),
		VectorBackend:     s.cfg.VectorBackend,
		ChromemPath:       dirs.VectorStorePath(projectKey),
		Knowledge:         kn,
		Memory:            mem,
		EmbeddingProvider: s.cfg.EmbeddingProvider,
		Watch:             s.cfg.Watch,
		WatchDebounce:     s.cfg.WatchDebounce,
		Logger:            s.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open index for %s: %w", projectKey, err)
	}

	s.indexes[projectKey] = ix
	return ix, nil
}

// Search merges the service defaults into opts and searches one project.
func (s *Service) Search(ctx context.Context, projectKey, query string, opts Options) ([]Result, error) {
	ix, err := s.Index(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = s.defaults.Limit
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = s.defaults.VectorWeight
		opts.KeywordWeight = s.defaults.KeywordWeight
	}
	if opts.MinScore == 0 {
		opts.MinScore = s.defaults.MinScore
	}
	return ix.Search(ctx, query, opts)
}

// Sync rebuilds the index of one project.
func (s *Service) Sync(ctx context.Context, projectKey string) (*SyncStats, error) {
	ix, err := s.Index(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	return ix.Sync(ctx)
}

// Status reports the index state of one project.
func (s *Service) Status(ctx context.Context, projectKey string) (IndexStatus, error) {
	ix, err := s.Index(ctx, projectKey)
	if err != nil {
		return IndexStatus{}, err
	}
	return ix.Status(ctx), nil
}

// Close closes every open index.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for key, ix := range s.indexes {
		if err := ix.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index %s: %w", key, err))
		}
	}
	s.indexes = make(map[string]*Index)
	return errors.Join(errs...)
}
