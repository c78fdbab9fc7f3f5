package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/harun/mnemo/pkg/migrate"
	"github.com/spf13/cobra"
)

func (a *app) migrator(cmd *cobra.Command, vault, actor string) (*migrate.Migrator, error) {
	st, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	if vault == "" {
		vault = a.cfg.Legacy.VaultPath
	}
	return migrate.New(migrate.Config{
		Storage:   st,
		VaultPath: vault,
		Actor:     actor,
		Logger:    a.logger(),
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounts(w io.Writer, header string, counts map[string]int) error {
	if len(counts) == 0 {
		fmt.Fprintln(w, "Nothing to report.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SOURCE\t%s\n", header)
	for _, source := range sortedKeys(counts) {
		fmt.Fprintf(tw, "%s\t%d\n", source, counts[source])
	}
	return tw.Flush()
}

func newMigrateCmd(a *app) *cobra.Command {
	var vault, actor string

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move data from the legacy single-database store into projects",
		Long: `Migrate the legacy flat store into per-project memory journals.

Recommended order:
  mnemo migrate detect
  mnemo migrate backup
  mnemo migrate run -p ACME [--sources email,chat] [--delete-after]
  mnemo migrate status -p ACME
  mnemo migrate cleanup --confirm`,
	}
	migrateCmd.PersistentFlags().StringVar(&vault, "vault", "", "legacy store path (default from config)")
	migrateCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "operator name recorded in the audit log")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Report whether the legacy store exists and holds rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}
			found, err := m.DetectLegacyData(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd, map[string]interface{}{"vault": m.VaultPath(), "legacy_data": found}, func(w io.Writer) error {
				if found {
					fmt.Fprintf(w, "Legacy data found in %s\n", m.VaultPath())
				} else {
					fmt.Fprintf(w, "No legacy data in %s\n", m.VaultPath())
				}
				return nil
			})
		},
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Count legacy rows per source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}
			counts, err := m.AnalyzeSources(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd, counts, func(w io.Writer) error {
				return writeCounts(w, "ROWS", counts)
			})
		},
	}

	var backupPath string
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the legacy store before any destructive step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}
			path, err := m.BackupVault(cmd.Context(), backupPath)
			if err != nil {
				return err
			}
			return a.render(cmd, map[string]string{"backup": path}, func(w io.Writer) error {
				fmt.Fprintf(w, "Backup written to %s\n", path)
				return nil
			})
		},
	}
	backupCmd.Flags().StringVar(&backupPath, "to", "", "backup path (default is a timestamped sibling of the vault)")

	var (
		sources     []string
		deleteAfter bool
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate legacy rows into the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.requireProject()
			if err != nil {
				return err
			}
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}

			results, runErr := m.MigrateToProject(cmd.Context(), key, migrate.MigrateOptions{
				Sources:     sources,
				DeleteAfter: deleteAfter,
			})
			var sourceErrs *migrate.SourceErrors
			if runErr != nil && !errors.As(runErr, &sourceErrs) {
				return runErr
			}

			if err := a.render(cmd, results, func(w io.Writer) error {
				return writeCounts(w, "MIGRATED", results)
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	runCmd.Flags().StringSliceVar(&sources, "sources", nil, "sources to migrate (default: every source in the vault)")
	runCmd.Flags().BoolVar(&deleteAfter, "delete-after", false, "delete migrated rows from the legacy store")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Compare legacy and migrated counts per source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.requireProject()
			if err != nil {
				return err
			}
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}
			status, err := m.GetMigrationStatus(cmd.Context(), key)
			if err != nil {
				return err
			}
			return a.render(cmd, status, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tLEGACY\tPROJECT")
				seen := make(map[string]int, len(status.LegacySources)+len(status.ProjectSources))
				for s, n := range status.LegacySources {
					seen[s] = n
				}
				for s := range status.ProjectSources {
					if _, ok := seen[s]; !ok {
						seen[s] = 0
					}
				}
				for _, source := range sortedKeys(seen) {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", source, status.LegacySources[source], status.ProjectSources[source])
				}
				return tw.Flush()
			})
		},
	}

	var confirm bool
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the legacy store (requires --confirm)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.migrator(cmd, vault, actor)
			if err != nil {
				return err
			}
			if err := m.CleanupLegacy(cmd.Context(), confirm); err != nil {
				if errors.Is(err, migrate.ErrCleanupNotConfirmed) {
					return fmt.Errorf("%w: re-run with --confirm after checking \"mnemo migrate status\"", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed legacy store %s\n", m.VaultPath())
			return nil
		},
	}
	cleanupCmd.Flags().BoolVar(&confirm, "confirm", false, "confirm deletion of the legacy store")

	migrateCmd.AddCommand(detectCmd, analyzeCmd, backupCmd, runCmd, statusCmd, cleanupCmd)
	return migrateCmd
}
