package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/mnemo/pkg/ingest"
	"github.com/spf13/cobra"
)

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <source> [file]",
		Short: "Append a batch of memory entries and record the sync",
		Long: `Read a batch file (or stdin when no file or "-" is given) and append its
entries to the source journal of the project. The batch looks like:

  {"last_item_id": "msg-2", "entries": [{"id": "msg-1", "timestamp": "2024-05-30T08:00:00Z",
    "content": "...", "metadata": {"title": "..."}}]}

Entries without an id get a generated one. Entries already stored are skipped.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.requireProject()
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read batch: %w", err)
			}

			batch, err := ingest.DecodeBatch(data, key, args[0], time.Now())
			if err != nil {
				return err
			}

			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			result, err := p.Push(cmd.Context(), batch)
			if err != nil {
				return err
			}

			return a.render(cmd, result, func(w io.Writer) error {
				fmt.Fprintf(w, "Ingested %d of %d entries into %s/%s\n",
					result.Written, result.Received, result.ProjectKey, result.Source)
				return nil
			})
		},
	}
}
