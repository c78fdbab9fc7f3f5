// Package storage holds the process-wide storage context: the directory
// layout under one storage root plus the shared control-plane database.
// Construct one Storage per process (or per test) and hand it to every
// component that needs project data.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/layout"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/rs/zerolog"
)

// ErrProjectNotFound is returned when a project is not registered or its
// directory tree is missing.
var ErrProjectNotFound = controlplane.ErrProjectNotFound

// Config holds storage configuration
type Config struct {
	Root   string
	Logger zerolog.Logger
}

// Storage is the explicit storage context shared by all components.
type Storage struct {
	layout *layout.Manager
	db     *controlplane.DB
	logger zerolog.Logger

	mu        sync.Mutex
	memories  map[string]*memory.Store
	knowledge map[string]*knowledge.Store
	hooks     []memory.AppendHook
}

// Open prepares the storage root and opens the control-plane database.
func Open(cfg Config) (*Storage, error) {
	dirs, err := layout.NewManager(cfg.Root)
	if err != nil {
		return nil, err
	}

	db, err := controlplane.Open(controlplane.Config{
		Path:   dirs.ControlDBPath(),
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		layout:    dirs,
		db:        db,
		logger:    cfg.Logger.With().Str("component", "storage").Logger(),
		memories:  make(map[string]*memory.Store),
		knowledge: make(map[string]*knowledge.Store),
	}

	s.logger.Info().Str("root", dirs.Root()).Msg("Storage opened")
	return s, nil
}

// Layout returns the directory manager.
func (s *Storage) Layout() *layout.Manager {
	return s.layout
}

// Projects returns the project registry.
func (s *Storage) Projects() *controlplane.Registry {
	return s.db.Projects()
}

// SyncState returns the sync-state manager of one project.
func (s *Storage) SyncState(projectKey string) *controlplane.SyncStateManager {
	return s.db.SyncState(projectKey)
}

// OnMemoryAppend registers a hook called after every successful memory
// append. Hooks only apply to memory stores opened afterwards.
func (s *Storage) OnMemoryAppend(hook memory.AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// InitProject registers the project and creates its directory tree. It is
// safe to call on an existing project.
func (s *Storage) InitProject(ctx context.Context, key, name string) (*controlplane.Project, error) {
	if err := layout.ValidateKey(key); err != nil {
		return nil, err
	}
	if _, err := s.layout.EnsureProjectStructure(key); err != nil {
		return nil, err
	}
	return s.db.Projects().Register(ctx, key, name)
}

// RequireProject fails with ErrProjectNotFound unless the project is both
// registered and present on disk. It never creates anything.
func (s *Storage) RequireProject(ctx context.Context, key string) error {
	if _, err := s.db.Projects().Get(ctx, key); err != nil {
		return err
	}
	exists, err := s.layout.ProjectExists(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s (directory missing)", ErrProjectNotFound, key)
	}
	return nil
}

// Memory returns the memory store of an existing project. The same store is
// returned for every call with the same key.
func (s *Storage) Memory(ctx context.Context, key string) (*memory.Store, error) {
	if err := s.RequireProject(ctx, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.memories[key]; ok {
		return m, nil
	}

	hooks := append([]memory.AppendHook(nil), s.hooks...)
	m, err := memory.New(memory.Config{
		ProjectKey: key,
		Dir:        s.layout.MemoryPath(key),
		Logger:     s.logger,
		OnAppend: func(ctx context.Context, projectKey, source string, entries []memory.Entry) {
			for _, hook := range hooks {
				hook(ctx, projectKey, source, entries)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.memories[key] = m
	return m, nil
}

// Knowledge returns the knowledge store of an existing project.
func (s *Storage) Knowledge(ctx context.Context, key string) (*knowledge.Store, error) {
	if err := s.RequireProject(ctx, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.knowledge[key]; ok {
		return k, nil
	}

	k, err := knowledge.New(knowledge.Config{
		ProjectKey: key,
		Dir:        s.layout.KnowledgePath(key),
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.knowledge[key] = k
	return k, nil
}

// Close releases the control-plane connections.
func (s *Storage) Close() error {
	return s.db.Close()
}
