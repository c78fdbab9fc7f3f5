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
	"go.opentelemetry.io/otel/trace"
)

// SyncState is the recorded progress of one (project, source) pair.
type SyncState struct {
	ProjectKey string    `json:"project_key"`
	Source     string    `json:"source"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastItemID *string   `json:"last_item_id,omitempty"`
}

// SyncStateManager reads and writes sync cursors for one project.
type SyncStateManager struct {
	db         *sql.DB
	projectKey string
	logger     zerolog.Logger
}

// ProjectKey returns the project this manager is scoped to.
func (m *SyncStateManager) ProjectKey() string {
	return m.projectKey
}

// Get returns the recorded state for source, or nil if it has never synced.
func (m *SyncStateManager) Get(ctx context.Context, source string) (*SyncState, error) {
	ctx, span := m.startSpan(ctx, source, "sync_state.get")
	defer span.End()

	var (
		lastSync int64
		itemID   sql.NullString
	)
	err := m.db.QueryRowContext(ctx,
		"SELECT last_sync_at, last_item_id FROM sync_state WHERE project_key = ? AND source = ?",
		m.projectKey, source,
	).Scan(&lastSync, &itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to load sync state %s/%s: %w", m.projectKey, source, err))
	}

	state := &SyncState{
		ProjectKey: m.projectKey,
		Source:     source,
		LastSyncAt: fromMillis(lastSync),
	}
	if itemID.Valid {
		id := itemID.String
		state.LastItemID = &id
	}
	return state, nil
}

// GetLastSync returns the last successful sync time, or nil if never synced.
func (m *SyncStateManager) GetLastSync(ctx context.Context, source string) (*time.Time, error) {
	state, err := m.Get(ctx, source)
	if err != nil || state == nil {
		return nil, err
	}
	t := state.LastSyncAt
	return &t, nil
}

// GetLastItemID returns the last-seen item cursor, or nil if none was recorded.
func (m *SyncStateManager) GetLastItemID(ctx context.Context, source string) (*string, error) {
	state, err := m.Get(ctx, source)
	if err != nil || state == nil {
		return nil, err
	}
	return state.LastItemID, nil
}

// UpdateSync writes the sync time and item cursor together. last_sync_at never
// moves backwards: an update older than the stored time is ignored entirely.
func (m *SyncStateManager) UpdateSync(ctx context.Context, source string, timestamp time.Time, lastItemID *string) error {
	ctx, span := m.startSpan(ctx, source, "sync_state.update",
		attribute.String("last_sync_at", timestamp.UTC().Format(time.RFC3339)),
	)
	defer span.End()

	if source == "" {
		return tracing.Fail(span, errors.New("source is required"))
	}

	var itemID sql.NullString
	if lastItemID != nil {
		itemID = sql.NullString{String: *lastItemID, Valid: true}
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sync_state (project_key, source, last_sync_at, last_item_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_key, source) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_item_id = excluded.last_item_id
		WHERE excluded.last_sync_at >= sync_state.last_sync_at
	`, m.projectKey, source, toMillis(timestamp), itemID)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to update sync state %s/%s: %w", m.projectKey, source, err))
	}

	m.logger.Debug().
		Str("project", m.projectKey).
		Str("source", source).
		Time("last_sync_at", timestamp).
		Msg("Sync state updated")
	return nil
}

// States returns every recorded state for the project ordered by source.
func (m *SyncStateManager) States(ctx context.Context) ([]SyncState, error) {
	ctx, span := m.startSpan(ctx, "", "sync_state.list")
	defer span.End()

	rows, err := m.db.QueryContext(ctx,
		"SELECT source, last_sync_at, last_item_id FROM sync_state WHERE project_key = ? ORDER BY source",
		m.projectKey,
	)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to list sync states: %w", err))
	}
	defer rows.Close()

	states := []SyncState{}
	for rows.Next() {
		var (
			s        SyncState
			lastSync int64
			itemID   sql.NullString
		)
		if err := rows.Scan(&s.Source, &lastSync, &itemID); err != nil {
			return nil, tracing.Fail(span, err)
		}
		s.ProjectKey = m.projectKey
		s.LastSyncAt = fromMillis(lastSync)
		if itemID.Valid {
			id := itemID.String
			s.LastItemID = &id
		}
		states = append(states, s)
	}
	return states, tracing.Fail(span, rows.Err())
}

func (m *SyncStateManager) startSpan(ctx context.Context, source, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = tracing.WithProjectKey(ctx, m.projectKey)
	if source != "" {
		ctx = tracing.WithSource(ctx, source)
	}
	return tracing.StartSpan(ctx, tracerName, name, attrs...)
}
