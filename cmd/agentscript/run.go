package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentscript/internal/bridge"
	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/workflow"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		inputs    []string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow definition file",
		Long: `Run builds the workflow described by a YAML or JSON file whose "type" key
names the pattern (sequential, conditional, loop or parallel), executes it
and prints the result as JSON. Hook executions are recorded in the history
store and the final shared data is persisted as workflow state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(inputFile, inputs)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), flags.cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			res, err := a.runFile(cmd.Context(), args[0], input)
			if res != nil {
				if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("workflow %s failed: %s", res.Name, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input value as key=value; the value is parsed as JSON when possible (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON or YAML file with the workflow input")
	return cmd
}

// loadDefinition reads a workflow definition document.
func loadDefinition(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	out, _ := dotpath.Normalize(doc).(map[string]any)
	return out, nil
}

// register adds the definition, replacing an earlier registration of the
// same name.
func (a *app) register(doc map[string]any) (workflow.Workflow, bridge.Info, error) {
	w := a.bindings.Workflow()
	if name, _ := doc["name"].(string); name != "" {
		_ = w.Remove(name)
	}
	info, err := w.RegisterDocument(doc)
	if err != nil {
		return nil, bridge.Info{}, err
	}
	wf, _, ok := a.bindings.Catalogue().Lookup(info.ID)
	if !ok {
		return nil, info, fmt.Errorf("workflow %s vanished after registration", info.Name)
	}
	return wf, info, nil
}

// runFile registers the definition at path and executes it.
func (a *app) runFile(ctx context.Context, path string, input map[string]any) (*workflow.Result, error) {
	doc, err := loadDefinition(path)
	if err != nil {
		return nil, err
	}
	_, info, err := a.register(doc)
	if err != nil {
		return nil, err
	}
	return a.bindings.Workflow().Execute(ctx, info.ID, input)
}

func parseInput(file string, pairs []string) (map[string]any, error) {
	input := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse input %s: %w", file, err)
		}
		input, _ = dotpath.Normalize(doc).(map[string]any)
		if input == nil {
			input = map[string]any{}
		}
	}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q must be key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		dotpath.Set(input, key, v)
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
