package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentscript/internal/diagram"
	"github.com/rendis/agentscript/internal/workflow"
)

func newDiagramCmd(flags *rootFlags) *cobra.Command {
	var (
		format    string
		output    string
		run       bool
		inputs    []string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "diagram <workflow.yaml>",
		Short: "Render a workflow definition as a diagram",
		Long: `Diagram renders the workflow in a definition file as a Mermaid flowchart,
ASCII boxes, or a PNG or SVG image laid out by graphviz. With --run the
workflow is executed first and every node is colored by its outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags.cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			if (format == "png" || format == "svg") && output == "" {
				return fmt.Errorf("--output is required for %s", format)
			}
			doc, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			wf, info, err := a.register(doc)
			if err != nil {
				return err
			}
			var res *workflow.Result
			if run {
				input, err := parseInput(inputFile, inputs)
				if err != nil {
					return err
				}
				if res, err = a.bindings.Workflow().Execute(cmd.Context(), info.ID, input); err != nil {
					return err
				}
			}
			model, err := diagram.Build(wf, res)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "png", "svg":
				if out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (mermaid, ascii, png, svg)", format)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&run, "run", false, "execute the workflow and overlay step outcomes")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input value as key=value, with --run")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON or YAML input file, with --run")
	return cmd
}
