package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/ingest"
	"github.com/harun/mnemo/pkg/layout"
	"github.com/harun/mnemo/pkg/scheduler"
	"github.com/spf13/cobra"
)

// scheduler opens storage and returns the sync scheduler of an existing project.
func (a *app) scheduler(cmd *cobra.Command) (*scheduler.Scheduler, error) {
	key, err := a.requireProject()
	if err != nil {
		return nil, err
	}
	st, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	if err := st.RequireProject(cmd.Context(), key); err != nil {
		return nil, err
	}

	return scheduler.New(st.SyncState(key), scheduler.Config{
		Threshold: a.cfg.StaleThreshold(),
		Sources:   a.cfg.Sync.Sources,
		Logger:    a.logger(),
	}), nil
}

func (a *app) pipeline(cmd *cobra.Command) (*ingest.Pipeline, error) {
	st, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	return ingest.NewPipeline(ingest.Config{
		Storage:   st,
		Threshold: a.cfg.StaleThreshold(),
		Logger:    a.logger(),
	})
}

func newSyncCmd(a *app) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and record per-source sync state",
	}

	statusCmd := &cobra.Command{
		Use:   "status [source]",
		Short: "Show sync status of every source, or of one source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := a.scheduler(cmd)
			if err != nil {
				return err
			}

			var statuses []scheduler.SourceStatus
			if len(args) == 1 {
				status, err := sched.GetSyncStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				statuses = []scheduler.SourceStatus{*status}
			} else {
				if statuses, err = sched.GetAllSyncStatus(cmd.Context()); err != nil {
					return err
				}
			}

			return a.render(cmd, statuses, func(w io.Writer) error {
				if _, err := io.WriteString(w, scheduler.FormatTable(statuses)); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "Sources are stale after %s\n", formatDuration(sched.Threshold()))
				return err
			})
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show aggregate sync health of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := a.scheduler(cmd)
			if err != nil {
				return err
			}

			summary, err := sched.GetSyncSummary(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd, summary, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "Project:\t%s\n", summary.ProjectKey)
				fmt.Fprintf(tw, "Sources:\t%d\n", summary.Total)
				fmt.Fprintf(tw, "Success:\t%d\n", summary.Success)
				fmt.Fprintf(tw, "Stale:\t%d\n", summary.Stale)
				fmt.Fprintf(tw, "Idle:\t%d\n", summary.Idle)
				fmt.Fprintf(tw, "Needs sync:\t%d\n", summary.NeedsSync)
				fmt.Fprintf(tw, "Oldest sync:\t%s\n", formatTime(summary.OldestSync))
				fmt.Fprintf(tw, "Threshold:\t%s\n", summary.Threshold)
				return tw.Flush()
			})
		},
	}

	var (
		items      int
		lastItemID string
	)
	completeCmd := &cobra.Command{
		Use:   "complete <source>",
		Short: "Record a successful sync of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := a.scheduler(cmd)
			if err != nil {
				return err
			}
			if err := layout.ValidateSource(args[0]); err != nil {
				return err
			}

			var cursor *string
			if lastItemID != "" {
				cursor = &lastItemID
			}
			if err := sched.RecordSyncComplete(cmd.Context(), args[0], items, cursor); err != nil {
				return err
			}

			status, err := sched.GetSyncStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(cmd, status, func(w io.Writer) error {
				fmt.Fprintf(w, "Recorded sync of %s (%d items) at %s\n", args[0], items, formatTime(status.LastSync))
				return nil
			})
		},
	}
	completeCmd.Flags().IntVar(&items, "items", 0, "number of items synced (reporting only)")
	completeCmd.Flags().StringVar(&lastItemID, "last-item-id", "", "cursor of the last item seen")

	var once bool
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run connectors for stale sources on the configured schedule",
		Long: `Check every project on the sync.check_schedule cron expression and run the
connector of each stale source. Batch files dropped into
<storage_root>/inbox/<project>/<source>/*.json are ingested and moved to
processed/. Serves prometheus metrics when metrics.enabled is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.watch = !once
			return runSyncWatch(cmd, a, once)
		},
	}
	watchCmd.Flags().BoolVar(&once, "once", false, "run a single check and exit")

	syncCmd.AddCommand(statusCmd, summaryCmd, completeCmd, watchCmd)
	return syncCmd
}

func runSyncWatch(cmd *cobra.Command, a *app, once bool) error {
	p, err := a.pipeline(cmd)
	if err != nil {
		return err
	}
	cfg := a.cfg
	log := a.logger()

	runner, err := ingest.NewRunner(ingest.RunnerConfig{
		Pipeline: p,
		Schedule: cfg.Sync.CheckSchedule,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	sources := cfg.Sync.Sources
	if len(sources) == 0 {
		sources = layout.CanonicalSources()
	}
	inbox := a.storage.Layout().InboxPath()
	for _, source := range sources {
		runner.Register(ingest.NewInboxConnector(inbox, source))
	}

	if once {
		results := runner.RunOnce(cmd.Context())
		return a.render(cmd, results, func(w io.Writer) error {
			return writeIngestResults(w, results)
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open every project index so knowledge edits are watched.
	projects, err := a.storage.Projects().List(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if _, err := a.search.Index(ctx, project.Key); err != nil {
			log.Warn().Err(err).Str("project", project.Key).Msg("Search index unavailable")
		}
	}

	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
	}

	runner.Start()
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d sources on %q, inbox %s\n", len(sources), cfg.Sync.CheckSchedule, inbox)

	<-ctx.Done()
	runner.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func writeIngestResults(w io.Writer, results []ingest.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "No stale sources with a connector.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tSOURCE\tRECEIVED\tWRITTEN\tERROR")
	for _, r := range results {
		errMsg := "-"
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.ProjectKey, r.Source, r.Received, r.Written, errMsg)
	}
	return tw.Flush()
}
