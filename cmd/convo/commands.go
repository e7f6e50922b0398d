package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/convo/internal/loader"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// newValidateCmd creates the "validate" subcommand.
func newValidateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a graph file without storing or running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			strict, _ := cmd.Flags().GetBool("strict")

			g, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			a, err := newToolchain(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()

			result := a.validator.Validate(g)
			if err := printValidation(cmd.OutOrStdout(), g.ID, result, format); err != nil {
				return err
			}
			if !result.Valid() || (strict && len(result.Warnings) > 0) {
				return exitError(exitValidation, "validation failed")
			}
			return nil
		},
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	return cmd
}

func printValidation(w io.Writer, graphID string, result *schema.ValidationResult, format string) error {
	if format == "json" {
		return writeJSON(w, map[string]any{
			"graph_id": graphID,
			"valid":    result.Valid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}
	for _, issue := range result.Errors {
		fmt.Fprintln(w, issue.String())
	}
	for _, issue := range result.Warnings {
		fmt.Fprintln(w, issue.String())
	}
	if result.Valid() {
		fmt.Fprintf(w, "%s: valid (%d warnings)\n", graphID, len(result.Warnings))
	} else {
		fmt.Fprintf(w, "%s: %d errors, %d warnings\n", graphID, len(result.Errors), len(result.Warnings))
	}
	return nil
}

// newGraphsCmd creates the "graphs" command group.
func newGraphsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graphs",
		Short: "Manage stored graph documents",
	}

	importCmd := &cobra.Command{
		Use:   "import <file-or-dir>...",
		Short: "Validate and store graph documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			for _, path := range args {
				graphs, err := loadGraphs(path)
				if err != nil {
					return err
				}
				for _, g := range graphs {
					if err := a.importGraph(cmd.Context(), g); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", g.ID)
				}
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			infos, err := a.store.ListGraphs(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tNODES\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					info.ID, info.Name, info.Version, info.NodeCount, info.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(importCmd, listCmd, newDiagramCmd(c))
	return cmd
}

// loadGraphs loads a single graph file or every graph file in a directory.
func loadGraphs(path string) ([]*schema.Graph, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return loader.LoadDir(path)
	}
	g, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	return []*schema.Graph{g}, nil
}

// importGraph validates g and stores it. Warnings are logged, errors reject
// the graph.
func (a *app) importGraph(ctx context.Context, g *schema.Graph) error {
	result := a.validator.Validate(g)
	for _, w := range result.Warnings {
		a.logger.WarnContext(ctx, "graph warning", slog.String("graph_id", g.ID), slog.String("issue", w.String()))
	}
	if err := result.ToError(); err != nil {
		return err
	}
	return a.store.SaveGraph(ctx, g)
}

// newRunCmd creates the "run" subcommand.
func newRunCmd(c *cli) *cobra.Command {
	var conv store.Conversation
	cmd := &cobra.Command{
		Use:   "run <graph-id>",
		Short: "Start a run of a stored graph for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("input")
			input, err := parseInput(raw)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer a.close()

			g, err := a.store.GetGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.validator.ValidateInput(g, input); err != nil {
				return err
			}
			run, err := a.engine.Start(cmd.Context(), args[0], conv, input)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&conv.TenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&conv.Channel, "channel", "", "Channel name")
	cmd.Flags().StringVar(&conv.ContactID, "contact", "", "Contact id")
	cmd.Flags().StringP("input", "i", "", "Run input as inline JSON object")
	for _, name := range []string{"tenant", "channel", "contact"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// newResumeCmd creates the "resume" subcommand.
func newResumeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Feed an inbound message to a waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("input")
			input, err := parseInput(raw)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("text") {
				text, _ := cmd.Flags().GetString("text")
				if input == nil {
					input = make(map[string]any, 1)
				}
				input["text"] = text
			}

			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.engine.Resume(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringP("input", "i", "", "Inbound message as inline JSON object")
	cmd.Flags().StringP("text", "t", "", "Inbound text reply, stored as input.text")
	return cmd
}

// newStatusCmd creates the "status" subcommand.
func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print a run record and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := a.store.GetEvents(cmd.Context(), run.ID, 0)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"run": run, "events": events})
		},
	}
}

// newExpireCmd creates the "expire" subcommand.
func newExpireCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every active run past its deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.engine.Expire(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d runs\n", n)
			return nil
		},
	}
}
