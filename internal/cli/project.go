package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/spf13/cobra"
)

func newProjectCmd(a *app) *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var initName string
	initCmd := &cobra.Command{
		Use:   "init <key>",
		Short: "Register a project and create its directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd)
			if err != nil {
				return err
			}

			project, err := st.InitProject(cmd.Context(), args[0], initName)
			if err != nil {
				return err
			}
			return a.render(cmd, project, func(w io.Writer) error {
				fmt.Fprintf(w, "Initialized project %s at %s\n", project.Key, st.Layout().ProjectPath(project.Key))
				return nil
			})
		},
	}
	initCmd.Flags().StringVar(&initName, "name", "", "display name (defaults to the key)")

	var registerName string
	registerCmd := &cobra.Command{
		Use:   "register <key>",
		Short: "Register a project or update its display name",
		Long: `Register a project in the control plane without creating its directories.
Use "project init" to also create the directory tree.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd)
			if err != nil {
				return err
			}

			project, err := st.Projects().Register(cmd.Context(), args[0], registerName)
			if err != nil {
				return err
			}
			return a.render(cmd, project, func(w io.Writer) error {
				fmt.Fprintf(w, "Registered project %s (%s)\n", project.Key, project.DisplayName)
				return nil
			})
		},
	}
	registerCmd.Flags().StringVar(&registerName, "name", "", "display name (defaults to the key)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd)
			if err != nil {
				return err
			}

			projects, err := st.Projects().List(cmd.Context())
			if err != nil {
				return err
			}
			if projects == nil {
				projects = []controlplane.Project{}
			}
			return a.render(cmd, projects, func(w io.Writer) error {
				if len(projects) == 0 {
					fmt.Fprintln(w, "No projects registered.")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tNAME\tCREATED")
				for _, p := range projects {
					created := p.CreatedAt
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Key, p.DisplayName, formatTime(&created))
				}
				return tw.Flush()
			})
		},
	}

	projectCmd.AddCommand(initCmd, registerCmd, listCmd)
	return projectCmd
}
