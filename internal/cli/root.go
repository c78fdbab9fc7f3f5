package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// NewRootCmd builds the command tree. Every call returns a fresh tree with
// its own flag state.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "mnemo",
		Short: "mnemo - multi-project knowledge and memory store",
		Long: `mnemo keeps a knowledge layer (glossary, FAQ, rules, specs) and an
append-only memory layer of ingested facts for every project, tracks
per-source sync staleness and serves hybrid keyword and vector search
across both layers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.mnemo/mnemo.json)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config")
	rootCmd.PersistentFlags().StringVarP(&a.project, "project", "p", os.Getenv("MNEMO_PROJECT"), "project key")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "output format (text, json, yaml)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		newProjectCmd(a),
		newIngestCmd(a),
		newSyncCmd(a),
		newSearchCmd(a),
		newGlossaryCmd(a),
		newFAQCmd(a),
		newRulesCmd(a),
		newSpecCmd(a),
		newMigrateCmd(a),
		newConfigureCmd(a),
	)

	return rootCmd, a
}

// Execute runs the command tree against os.Args.
// This is called by main.main().
func Execute() error {
	cmd, a := newRootCmd()
	err := cmd.Execute()
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
