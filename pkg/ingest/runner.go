package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cursor is the recorded progress handed to a connector.
type Cursor struct {
	LastSync   *time.Time
	LastItemID *string
}

// FetchResult is what a connector produced for one run.
type FetchResult struct {
	Entries    []memory.Entry
	LastItemID *string
}

// Connector pulls new items from one external source.
type Connector interface {
	Source() string
	Fetch(ctx context.Context, projectKey string, cursor Cursor) (*FetchResult, error)
}

// Committer is implemented by connectors that need to know when a fetched
// batch has been stored, for example to move consumed files aside.
type Committer interface {
	Commit(ctx context.Context, projectKey string) error
}

// RunnerConfig holds runner configuration
type RunnerConfig struct {
	Pipeline *Pipeline
	Schedule string // 5-field cron expression, e.g. "*/15 * * * *"
	Logger   zerolog.Logger
}

// Runner periodically runs connectors for every registered project whose
// source is stale. A (project, source) pair never runs twice at once.
type Runner struct {
	pipeline   *Pipeline
	schedule   cron.Schedule
	logger     zerolog.Logger
	connectors map[string]Connector

	mu      sync.Mutex
	running map[string]bool
	timer   *time.Timer
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NewRunner creates a runner. Connectors are added with Register.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pipeline:   cfg.Pipeline,
		schedule:   sched,
		logger:     cfg.Logger.With().Str("component", "runner").Logger(),
		connectors: make(map[string]Connector),
		running:    make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Register adds a connector, replacing any previous one for the same source.
func (r *Runner) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Source()] = c
}

// Start schedules the first check.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleNextLocked()
	r.logger.Info().Int("connectors", len(r.connectors)).Msg("Connector runner started")
}

func (r *Runner) scheduleNextLocked() {
	if r.stopped {
		return
	}

	next := r.schedule.Next(time.Now())
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	r.timer = time.AfterFunc(delay, func() {
		r.RunOnce(r.ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.scheduleNextLocked()
	})

	r.logger.Debug().Time("nextRun", next).Msg("Connector check scheduled")
}

// Stop cancels the schedule and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Connector runner stopped")
}

// RunOnce checks every registered project and connector and runs the stale
// ones. It returns the results of the runs it started.
func (r *Runner) RunOnce(ctx context.Context) []Result {
	projects, err := r.pipeline.storage.Projects().List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list projects")
		return nil
	}

	r.mu.Lock()
	connectors := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		connectors = append(connectors, c)
	}
	r.mu.Unlock()

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for _, project := range projects {
		for _, c := range connectors {
			key := project.Key + "/" + c.Source()
			if !r.claim(key) {
				r.logger.Debug().Str("run", key).Msg("Connector already running, skipping")
				continue
			}

			wg.Add(1)
			r.wg.Add(1)
			go func(projectKey string, c Connector) {
				defer wg.Done()
				defer r.wg.Done()
				defer r.release(projectKey + "/" + c.Source())

				res, ran := r.runConnector(ctx, projectKey, c)
				if ran {
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
				}
			}(project.Key, c)
		}
	}
	wg.Wait()
	return results
}

func (r *Runner) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[key] {
		return false
	}
	r.running[key] = true
	return true
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, key)
}

func (r *Runner) runConnector(ctx context.Context, projectKey string, c Connector) (Result, bool) {
	source := c.Source()
	ctx = tracing.WithSource(tracing.NewRunContext(ctx, projectKey), source)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sched := r.pipeline.Scheduler(projectKey)
	status, err := sched.GetSyncStatus(ctx, source)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read sync status")
		return Result{}, false
	}
	if !status.Stale {
		return Result{}, false
	}

	fetched, err := c.Fetch(ctx, projectKey, Cursor{LastSync: status.LastSync, LastItemID: status.LastItemID})
	if err != nil {
		observability.RecordConnectorRun(source, false)
		logger.Error().Err(err).Msg("Connector fetch failed")
		return Result{ProjectKey: projectKey, Source: source, Err: err}, true
	}
	if fetched == nil {
		fetched = &FetchResult{}
	}

	lastItemID := fetched.LastItemID
	if lastItemID == nil {
		lastItemID = status.LastItemID
	}

	res, err := r.pipeline.Push(ctx, Batch{
		ProjectKey: projectKey,
		Source:     source,
		Entries:    fetched.Entries,
		LastItemID: lastItemID,
	})
	if err != nil {
		observability.RecordConnectorRun(source, false)
		logger.Error().Err(err).Msg("Connector ingest failed")
		return Result{ProjectKey: projectKey, Source: source, Received: len(fetched.Entries), Err: err}, true
	}

	if committer, ok := c.(Committer); ok {
		if err := committer.Commit(ctx, projectKey); err != nil {
			logger.Warn().Err(err).Msg("Connector commit failed, batch may be fetched again")
		}
	}

	observability.RecordConnectorRun(source, true)
	return *res, true
}
