// Package ingest is the write path used by connectors: append a batch of
// memory entries, then record the sync as complete.
//
// The two steps are not transactional. If the append succeeds and the sync
// record fails, the next run re-sends entries that dedup then skips.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/scheduler"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Batch is one connector delivery for a (project, source) pair.
type Batch struct {
	ProjectKey string         `json:"project_key"`
	Source     string         `json:"source"`
	Entries    []memory.Entry `json:"-"`
	LastItemID *string        `json:"last_item_id,omitempty"`
}

// Result reports what a push did.
type Result struct {
	ProjectKey string        `json:"project_key" yaml:"project_key"`
	Source     string        `json:"source" yaml:"source"`
	Received   int           `json:"received" yaml:"received"`
	Written    int           `json:"written" yaml:"written"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Err        error         `json:"-" yaml:"-"`
}

// Config holds pipeline configuration
type Config struct {
	Storage   *storage.Storage
	Threshold time.Duration
	Logger    zerolog.Logger
}

// Pipeline pushes connector batches into project storage.
type Pipeline struct {
	storage   *storage.Storage
	threshold time.Duration
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	return &Pipeline{
		storage:   cfg.Storage,
		threshold: cfg.Threshold,
		logger:    cfg.Logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Scheduler returns the sync scheduler of a project.
func (p *Pipeline) Scheduler(projectKey string) *scheduler.Scheduler {
	return scheduler.New(p.storage.SyncState(projectKey), scheduler.Config{
		Threshold: p.threshold,
		Logger:    p.logger,
	})
}

// Push appends the batch and records the sync. The project must exist.
func (p *Pipeline) Push(ctx context.Context, batch Batch) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.NewRunContext(ctx, batch.ProjectKey)
	}
	ctx = tracing.WithSource(tracing.WithProjectKey(ctx, batch.ProjectKey), batch.Source)
	ctx, span := tracing.StartSpan(ctx, "mnemo.ingest", "ingest.push",
		attribute.Int("received", len(batch.Entries)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)
	start := time.Now()

	result := &Result{
		ProjectKey: batch.ProjectKey,
		Source:     batch.Source,
		Received:   len(batch.Entries),
	}

	store, err := p.storage.Memory(ctx, batch.ProjectKey)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	written, err := store.AppendBatch(ctx, batch.Source, batch.Entries)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("append %s/%s: %w", batch.ProjectKey, batch.Source, err))
	}
	result.Written = written

	if err := p.Scheduler(batch.ProjectKey).RecordSyncComplete(ctx, batch.Source, len(batch.Entries), batch.LastItemID); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("record sync %s/%s: %w", batch.ProjectKey, batch.Source, err))
	}

	result.Duration = time.Since(start)
	logger.Info().
		Int("received", result.Received).
		Int("written", result.Written).
		Dur("duration", result.Duration).
		Msg("Batch ingested")
	return result, nil
}

// PushAsync runs Push on a detached goroutine and returns immediately. The
// run is not cancelled when ctx is; done, if set, receives the outcome.
func (p *Pipeline) PushAsync(ctx context.Context, batch Batch, done func(Result)) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := tracing.Detach(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		result, err := p.Push(detached, batch)
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("project", batch.ProjectKey).
				Str("source", batch.Source).
				Msg("Async ingest failed")
			result = &Result{
				ProjectKey: batch.ProjectKey,
				Source:     batch.Source,
				Received:   len(batch.Entries),
				Err:        err,
			}
		}
		if done != nil {
			done(*result)
		}
	}()
}

// Wait blocks until every PushAsync started so far has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
