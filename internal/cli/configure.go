package cli

import (
	"fmt"
	"path/filepath"

	"github.com/harun/mnemo/internal/config"
	"github.com/spf13/cobra"
)

func newConfigureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run interactive configuration wizard",
		Long: `Run an interactive configuration wizard to set up mnemo.
The wizard will guide you through the storage root, the embedding provider
used for vector search and the log level.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := a.config()
			if err != nil {
				return err
			}

			oldRoot := base.StorageRoot
			derived := map[*string]string{
				&base.Logging.File:     filepath.Join(oldRoot, "mnemo.log"),
				&base.Legacy.VaultPath: filepath.Join(oldRoot, "vault.db"),
				&base.AuditLog:         filepath.Join(oldRoot, "audit.log"),
			}

			// Create wizard
			wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())

			// Run wizard
			cfg, err := wizard.Run(base)
			if err != nil {
				return fmt.Errorf("configuration failed: %w", err)
			}

			// Paths derived from a moved storage root follow it
			if cfg.StorageRoot != oldRoot {
				for field, value := range derived {
					if *field == value {
						*field = ""
					}
				}
				if cfg.Logging.File == "" {
					cfg.Logging.File = filepath.Join(cfg.StorageRoot, "mnemo.log")
				}
				if cfg.Legacy.VaultPath == "" {
					cfg.Legacy.VaultPath = filepath.Join(cfg.StorageRoot, "vault.db")
				}
				if cfg.AuditLog == "" {
					cfg.AuditLog = filepath.Join(cfg.StorageRoot, "audit.log")
				}
			}

			// Validate configuration
			if err := cfg.Validate(); err != nil {
				return err
			}

			// Save configuration
			loader := config.NewLoader(a.cfgFile)
			if err := loader.Save(cfg); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", loader.GetConfigPath())
			fmt.Fprintln(cmd.OutOrStdout(), "\nCreate your first project with: mnemo project init <key>")
			return nil
		},
	}
}
