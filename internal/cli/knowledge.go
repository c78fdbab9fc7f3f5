package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/spf13/cobra"
)

// knowledgeStore opens the knowledge store of the selected project.
func (a *app) knowledgeStore(cmd *cobra.Command) (*knowledge.Store, error) {
	key, err := a.requireProject()
	if err != nil {
		return nil, err
	}
	st, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	return st.Knowledge(cmd.Context(), key)
}

// readContent reads a document from the file at args[i], or stdin when the
// argument is missing or "-".
func readContent(cmd *cobra.Command, args []string, i int) (string, error) {
	var in io.Reader = cmd.InOrStdin()
	if len(args) > i && args[i] != "-" {
		f, err := os.Open(args[i])
		if err != nil {
			return "", err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeGlossary(w io.Writer, entries []knowledge.GlossaryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No glossary terms.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TERM\tCATEGORY\tALIASES\tDEFINITION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Term, e.Category, strings.Join(e.Aliases, ", "), e.Definition)
	}
	return tw.Flush()
}

func newGlossaryCmd(a *app) *cobra.Command {
	glossaryCmd := &cobra.Command{
		Use:   "glossary",
		Short: "Manage the project glossary",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List glossary terms in storage order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			entries, err := ks.GlossaryList()
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []knowledge.GlossaryEntry{}
			}
			return a.render(cmd, entries, func(w io.Writer) error {
				return writeGlossary(w, entries)
			})
		},
	}

	var (
		aliases  []string
		category string
	)
	addCmd := &cobra.Command{
		Use:   "add <term> <definition>",
		Short: "Add a term or update an existing one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			created, err := ks.AddTerm(cmd.Context(), args[0], args[1], aliases, category)
			if err != nil {
				return err
			}
			verb := "Updated"
			if created {
				verb = "Added"
			}
			return a.render(cmd, map[string]interface{}{"term": args[0], "created": created}, func(w io.Writer) error {
				fmt.Fprintf(w, "%s term %q\n", verb, args[0])
				return nil
			})
		},
	}
	addCmd.Flags().StringSliceVar(&aliases, "alias", nil, "alias of the term (repeatable)")
	addCmd.Flags().StringVar(&category, "category", "", "term category")

	removeCmd := &cobra.Command{
		Use:   "remove <term>",
		Short: "Remove a term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			removed, err := ks.RemoveTerm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(cmd, map[string]interface{}{"term": args[0], "removed": removed}, func(w io.Writer) error {
				if !removed {
					fmt.Fprintf(w, "Term %q not found\n", args[0])
					return nil
				}
				fmt.Fprintf(w, "Removed term %q\n", args[0])
				return nil
			})
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find terms by term, alias or definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			entries, err := ks.SearchGlossary(args[0])
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []knowledge.GlossaryEntry{}
			}
			return a.render(cmd, entries, func(w io.Writer) error {
				return writeGlossary(w, entries)
			})
		},
	}

	glossaryCmd.AddCommand(listCmd, addCmd, removeCmd, searchCmd)
	return glossaryCmd
}

func newFAQCmd(a *app) *cobra.Command {
	faqCmd := &cobra.Command{
		Use:   "faq",
		Short: "Show or edit the project FAQ",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the FAQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, err := ks.FAQ()
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), content)
			return err
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [file]",
		Short: "Replace the FAQ with the file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args, 0)
			if err != nil {
				return err
			}
			if err := ks.UpdateFAQ(cmd.Context(), content); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "FAQ updated")
			return nil
		},
	}

	appendCmd := &cobra.Command{
		Use:   "append <question> <answer>",
		Short: "Append one question and answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			if err := ks.AppendFAQ(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "FAQ entry appended")
			return nil
		},
	}

	faqCmd.AddCommand(showCmd, setCmd, appendCmd)
	return faqCmd
}

func newRulesCmd(a *app) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Show or edit the project rules",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, err := ks.Rules()
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), content)
			return err
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [file]",
		Short: "Replace the rules with the file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args, 0)
			if err != nil {
				return err
			}
			if err := ks.UpdateRules(cmd.Context(), content); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rules updated")
			return nil
		},
	}

	rulesCmd.AddCommand(showCmd, setCmd)
	return rulesCmd
}

func newSpecCmd(a *app) *cobra.Command {
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Manage named specification documents",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List spec names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			names, err := ks.ListSpecs()
			if err != nil {
				return err
			}
			if names == nil {
				names = []string{}
			}
			return a.render(cmd, names, func(w io.Writer) error {
				for _, name := range names {
					fmt.Fprintln(w, name)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, found, err := ks.GetSpec(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("spec %q not found", args[0])
			}
			_, err = io.WriteString(cmd.OutOrStdout(), content)
			return err
		},
	}

	saveCmd := &cobra.Command{
		Use:   "save <name> [file]",
		Short: "Create or overwrite a spec from the file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args, 1)
			if err != nil {
				return err
			}
			if err := ks.SaveSpec(cmd.Context(), args[0], content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved spec %q\n", args[0])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			deleted, err := ks.DeleteSpec(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Spec %q not found\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted spec %q\n", args[0])
			return nil
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find specs containing the query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.knowledgeStore(cmd)
			if err != nil {
				return err
			}
			matches, err := ks.SearchSpecs(args[0])
			if err != nil {
				return err
			}
			if matches == nil {
				matches = []knowledge.SpecMatch{}
			}
			return a.render(cmd, matches, func(w io.Writer) error {
				if len(matches) == 0 {
					fmt.Fprintln(w, "No matching specs.")
					return nil
				}
				for _, m := range matches {
					fmt.Fprintf(w, "%s: %s\n", m.Name, m.Snippet)
				}
				return nil
			})
		},
	}

	specCmd.AddCommand(listCmd, showCmd, saveCmd, deleteCmd, searchCmd)
	return specCmd
}
