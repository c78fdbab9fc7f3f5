package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "mnemo.controlplane"

// Project is a registered project.
type Project struct {
	Key         string    `json:"key" yaml:"key"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Registry tracks which projects exist.
type Registry struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Register inserts the project if absent. For an existing key, a non-empty
// name replaces the display name; created_at is never changed.
func (r *Registry) Register(ctx context.Context, key, name string) (*Project, error) {
	ctx, span := tracing.StartSpan(tracing.WithProjectKey(ctx, key), tracerName, "projects.register")
	defer span.End()

	if key == "" {
		return nil, tracing.Fail(span, errors.New("project key is required"))
	}
	if name == "" {
		name = key
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (key, display_name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET display_name = excluded.display_name
	`, key, name, toMillis(time.Now()))
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to register project %s: %w", key, err))
	}

	r.logger.Debug().Str("project", key).Str("name", name).Msg("Project registered")
	p, err := r.Get(ctx, key)
	return p, tracing.Fail(span, err)
}

// Get returns a registered project or ErrProjectNotFound.
func (r *Registry) Get(ctx context.Context, key string) (*Project, error) {
	ctx, span := tracing.StartSpan(tracing.WithProjectKey(ctx, key), tracerName, "projects.get")
	defer span.End()

	var p Project
	var created int64
	err := r.db.QueryRowContext(ctx,
		"SELECT key, display_name, created_at FROM projects WHERE key = ?", key,
	).Scan(&p.Key, &p.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, key)
	}
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to load project %s: %w", key, err))
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// Exists reports whether key is registered.
func (r *Registry) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.Get(ctx, key)
	if errors.Is(err, ErrProjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every registered project ordered by key.
func (r *Registry) List(ctx context.Context) ([]Project, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "projects.list")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, "SELECT key, display_name, created_at FROM projects ORDER BY key")
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to list projects: %w", err))
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		var created int64
		if err := rows.Scan(&p.Key, &p.DisplayName, &created); err != nil {
			return nil, tracing.Fail(span, err)
		}
		p.CreatedAt = fromMillis(created)
		projects = append(projects, p)
	}
	span.SetAttributes(attribute.Int("projects", len(projects)))
	return projects, tracing.Fail(span, rows.Err())
}
