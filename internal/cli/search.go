package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/mnemo/pkg/search"
	"github.com/spf13/cobra"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		opts     search.Options
		layers   []string
		reindex  bool
		showStat bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search across knowledge and memory",
		Long: `Search the knowledge and memory layers of a project. Keyword (BM25) and
vector similarity scores are merged with the configured weights; without an
embedding provider the search is keyword only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.requireProject()
			if err != nil {
				return err
			}
			if _, err := a.open(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			if reindex {
				if _, err := a.search.Sync(ctx, key); err != nil {
					return err
				}
			}
			if showStat {
				status, err := a.search.Status(ctx, key)
				if err != nil {
					return err
				}
				return a.render(cmd, status, func(w io.Writer) error {
					fmt.Fprintf(w, "Documents: %d (knowledge %d, memory %d, vectors %d)\n",
						status.TotalDocuments, status.KnowledgeDocuments, status.MemoryDocuments, status.VectorDocuments)
					fmt.Fprintf(w, "Backend: %s\n", status.VectorBackend)
					fmt.Fprintf(w, "Last sync: %s\n", formatTime(status.LastSyncTime))
					return nil
				})
			}

			for _, l := range layers {
				opts.Layers = append(opts.Layers, search.Layer(l))
			}

			query := strings.Join(args, " ")
			results, err := a.search.Search(ctx, key, query, opts)
			if err != nil {
				return err
			}
			if results == nil {
				results = []search.Result{}
			}

			return a.render(cmd, results, func(w io.Writer) error {
				if len(results) == 0 {
					fmt.Fprintln(w, "No results.")
					return nil
				}
				for i, r := range results {
					fmt.Fprintf(w, "%d. [%.4f] %s/%s  %s\n", i+1, r.Score, r.Layer, r.Source, r.Label)
					if r.Snippet != "" {
						fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(r.Snippet, "\n", " "))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum results (default from config)")
	cmd.Flags().StringSliceVar(&opts.Sources, "source", nil, "restrict to sources, glob patterns allowed (e.g. mail*)")
	cmd.Flags().StringSliceVar(&layers, "layer", nil, "restrict to layers (knowledge, memory)")
	cmd.Flags().Float64Var(&opts.MinScore, "min-score", 0, "drop results below this score")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "sync the index before searching")
	cmd.Flags().BoolVar(&showStat, "status", false, "show index status instead of searching")
	return cmd
}
