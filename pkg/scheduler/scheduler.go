// Package scheduler derives per-source sync health for a project from the
// control-plane sync state and a staleness threshold.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/harun/mnemo/pkg/layout"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Status is the derived sync status of a source.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing" // reserved, never derived
	StatusSuccess Status = "success"
	StatusStale   Status = "stale"
	StatusError   Status = "error" // reserved, never derived
)

// DefaultThreshold is the staleness threshold used when none is configured.
const DefaultThreshold = 60 * time.Minute

// SourceStatus is the sync health of one source.
type SourceStatus struct {
	Source     string     `json:"source" yaml:"source"`
	LastSync   *time.Time `json:"last_sync" yaml:"last_sync"`
	LastItemID *string    `json:"last_item_id" yaml:"last_item_id"`
	Status     Status     `json:"status" yaml:"status"`
	Stale      bool       `json:"stale" yaml:"stale"`
}

// Summary aggregates the status of every canonical source.
type Summary struct {
	ProjectKey string     `json:"project_key" yaml:"project_key"`
	Total      int        `json:"total" yaml:"total"`
	Success    int        `json:"success" yaml:"success"`
	Stale      int        `json:"stale" yaml:"stale"`
	Idle       int        `json:"idle" yaml:"idle"`
	NeedsSync  int        `json:"needs_sync" yaml:"needs_sync"`
	OldestSync *time.Time `json:"oldest_sync" yaml:"oldest_sync"`
	Threshold  string     `json:"threshold" yaml:"threshold"`
}

// Config holds scheduler configuration
type Config struct {
	Threshold time.Duration // Default: 60m
	Sources   []string      // Default: layout.CanonicalSources()
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Scheduler reports sync staleness for one project.
type Scheduler struct {
	states    *controlplane.SyncStateManager
	threshold time.Duration
	sources   []string
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a scheduler over the sync state of one project.
func New(states *controlplane.SyncStateManager, cfg Config) *Scheduler {
	observability.EnsureRegistered()

	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = layout.CanonicalSources()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		states:    states,
		threshold: cfg.Threshold,
		sources:   cfg.Sources,
		logger:    cfg.Logger.With().Str("component", "scheduler").Str("project", states.ProjectKey()).Logger(),
		now:       cfg.Now,
	}
}

// Threshold returns the staleness threshold.
func (s *Scheduler) Threshold() time.Duration {
	return s.threshold
}

// Sources returns the sources this scheduler iterates.
func (s *Scheduler) Sources() []string {
	return append([]string(nil), s.sources...)
}

// GetSyncStatus derives the status of one source. A source that never
// synced is idle and stale; one whose last sync is older than the threshold
// is stale; anything else is success.
func (s *Scheduler) GetSyncStatus(ctx context.Context, source string) (*SourceStatus, error) {
	state, err := s.states.Get(ctx, source)
	if err != nil {
		return nil, err
	}

	status := &SourceStatus{Source: source}
	if state == nil {
		status.Status = StatusIdle
		status.Stale = true
		return status, nil
	}

	last := state.LastSyncAt
	status.LastSync = &last
	status.LastItemID = state.LastItemID

	if s.now().Sub(last) > s.threshold {
		status.Status = StatusStale
		status.Stale = true
	} else {
		status.Status = StatusSuccess
	}
	return status, nil
}

// GetAllSyncStatus returns the status of every source in order.
func (s *Scheduler) GetAllSyncStatus(ctx context.Context) ([]SourceStatus, error) {
	statuses := make([]SourceStatus, 0, len(s.sources))
	for _, source := range s.sources {
		st, err := s.GetSyncStatus(ctx, source)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

// IsStale reports whether source has never synced or synced too long ago.
func (s *Scheduler) IsStale(ctx context.Context, source string) (bool, error) {
	st, err := s.GetSyncStatus(ctx, source)
	if err != nil {
		return false, err
	}
	return st.Stale, nil
}

// NeedsSync reports whether a connector run for source is due.
func (s *Scheduler) NeedsSync(ctx context.Context, source string) (bool, error) {
	return s.IsStale(ctx, source)
}

// GetStaleSources returns the stale sources in order.
func (s *Scheduler) GetStaleSources(ctx context.Context) ([]string, error) {
	statuses, err := s.GetAllSyncStatus(ctx)
	if err != nil {
		return nil, err
	}

	stale := []string{}
	for _, st := range statuses {
		if st.Stale {
			stale = append(stale, st.Source)
		}
	}
	observability.SetStaleSources(s.states.ProjectKey(), len(stale))
	return stale, nil
}

// RecordSyncComplete stores a successful sync at the current time.
// itemsSynced is only logged and counted, never persisted.
func (s *Scheduler) RecordSyncComplete(ctx context.Context, source string, itemsSynced int, lastItemID *string) error {
	projectKey := s.states.ProjectKey()
	ctx = tracing.WithSource(tracing.WithProjectKey(ctx, projectKey), source)
	ctx, span := tracing.StartSpan(ctx, "mnemo.scheduler", "scheduler.record_sync_complete",
		attribute.Int("items_synced", itemsSynced),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if err := s.states.UpdateSync(ctx, source, s.now(), lastItemID); err != nil {
		return tracing.Fail(span, err)
	}

	observability.RecordSyncComplete(projectKey, source, itemsSynced)
	logger.Info().Int("items_synced", itemsSynced).Msg("Sync recorded")
	return nil
}

// GetSyncSummary aggregates the status of every source.
func (s *Scheduler) GetSyncSummary(ctx context.Context) (*Summary, error) {
	statuses, err := s.GetAllSyncStatus(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ProjectKey: s.states.ProjectKey(),
		Total:      len(statuses),
		Threshold:  s.threshold.String(),
	}
	for _, st := range statuses {
		switch st.Status {
		case StatusSuccess:
			summary.Success++
		case StatusStale:
			summary.Stale++
		case StatusIdle:
			summary.Idle++
		}
		if st.Stale {
			summary.NeedsSync++
		}
		if st.LastSync != nil && (summary.OldestSync == nil || st.LastSync.Before(*summary.OldestSync)) {
			t := *st.LastSync
			summary.OldestSync = &t
		}
	}
	return summary, nil
}

const (
	colSource = 12
	colStatus = 9
	colSync   = 21
	colItem   = 24
)

// FormatStatusTable renders one row per source between fixed borders.
func (s *Scheduler) FormatStatusTable(ctx context.Context) (string, error) {
	statuses, err := s.GetAllSyncStatus(ctx)
	if err != nil {
		return "", err
	}
	return FormatTable(statuses), nil
}

// FormatTable renders statuses as a fixed-width text table.
func FormatTable(statuses []SourceStatus) string {
	border := "+" + strings.Repeat("-", colSource+2) +
		"+" + strings.Repeat("-", colStatus+2) +
		"+" + strings.Repeat("-", colSync+2) +
		"+" + strings.Repeat("-", colItem+2) + "+\n"

	var b strings.Builder
	b.WriteString(border)
	writeRow(&b, "SOURCE", "STATUS", "LAST SYNC", "LAST ITEM")
	b.WriteString(border)
	for _, st := range statuses {
		lastSync := "never"
		if st.LastSync != nil {
			lastSync = st.LastSync.UTC().Format("2006-01-02 15:04:05Z")
		}
		item := "-"
		if st.LastItemID != nil {
			item = *st.LastItemID
		}
		writeRow(&b, st.Source, string(st.Status), lastSync, item)
	}
	b.WriteString(border)
	return b.String()
}

func writeRow(b *strings.Builder, source, status, lastSync, item string) {
	fmt.Fprintf(b, "| %-*s | %-*s | %-*s | %-*s |\n",
		colSource, truncate(source, colSource),
		colStatus, truncate(status, colStatus),
		colSync, truncate(lastSync, colSync),
		colItem, truncate(item, colItem),
	)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "~"
}
