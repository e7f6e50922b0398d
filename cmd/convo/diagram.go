package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/convo/internal/diagram"
	"github.com/rendis/convo/internal/loader"
	"github.com/rendis/convo/pkg/schema"
)

// newDiagramCmd creates the "graphs diagram" subcommand.
func newDiagramCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagram <graph-id|file>",
		Short: "Render a graph as Mermaid, ASCII, PNG or SVG",
		Long: "Render a graph document or a stored graph. With --run, nodes are colored\n" +
			"by the progress of that run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			runID, _ := cmd.Flags().GetString("run")
			output, _ := cmd.Flags().GetString("output")

			switch format {
			case "mermaid", "ascii", "png", "svg":
			default:
				return exitError(exitValidation, "unknown format %q (mermaid, ascii, png, svg)", format)
			}

			g, overlay, err := c.diagramSource(cmd.Context(), args[0], runID)
			if err != nil {
				return err
			}
			model, err := diagram.Build(g, overlay)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			default:
				if output == "" {
					return exitError(exitValidation, "%s output requires --output", format)
				}
				out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
				if err != nil {
					return err
				}
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return fmt.Errorf("write diagram: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("format", "f", "mermaid", "Output format: mermaid, ascii, png or svg")
	cmd.Flags().String("run", "", "Overlay the progress of this run")
	cmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	return cmd
}

// diagramSource resolves the graph from a file path or the store, plus the
// overlay of runID when given. Files are read without opening the store.
func (c *cli) diagramSource(ctx context.Context, ref, runID string) (*schema.Graph, diagram.Overlay, error) {
	var g *schema.Graph
	if _, err := os.Stat(ref); err == nil && loader.IsGraphFile(ref) {
		if g, err = loader.Load(ref); err != nil {
			return nil, nil, err
		}
		if runID == "" {
			return g, nil, nil
		}
	}

	a, err := newApp(ctx, c.cfg, c.logger, appOptions{out: io.Discard})
	if err != nil {
		return nil, nil, err
	}
	defer a.close()

	if g == nil {
		if g, err = a.store.GetGraph(ctx, ref); err != nil {
			return nil, nil, err
		}
	}
	if runID == "" {
		return g, nil, nil
	}

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.GraphID != g.ID {
		return nil, nil, exitError(exitValidation, "run %s belongs to graph %q, not %q", run.ID, run.GraphID, g.ID)
	}
	events, err := a.store.GetEvents(ctx, run.ID, 0)
	if err != nil {
		return nil, nil, err
	}
	return g, diagram.BuildOverlay(run, events), nil
}
