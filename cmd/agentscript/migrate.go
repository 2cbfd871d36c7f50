package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentscript/internal/migration"
	"github.com/rendis/agentscript/internal/store"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var (
		plan           string
		prefix         string
		target         int
		defaultVersion int
		dryRun         bool
	)
	cmd := &cobra.Command{
		Use:   "migrate-state",
		Short: "Upgrade persisted state values between schema versions",
		Long: `migrate-state loads a YAML list of state transformations from --plan and
chains them over every state key starting with --prefix until each value
reaches --to (default: the highest version the plan reaches). Values stored
without a version envelope are treated as --default-version. With --dry-run
the report is printed but nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := loadPlan(plan)
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), flags.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			opts := []migration.RunnerOption{migration.WithDefaultVersion(defaultVersion)}
			if dryRun {
				opts = append(opts, migration.WithDryRun())
			}
			logger := newLogger(flags.cfg)
			r := migration.NewRunner(store.NewStateStore(db, flags.cfg.Tenant), logger, opts...)
			for _, t := range ts {
				if err := r.Register(t); err != nil {
					return err
				}
			}
			if target == 0 {
				target = r.Latest()
			}
			rep, err := r.Run(cmd.Context(), prefix, target)
			if rep != nil {
				if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d of %d keys failed to migrate", rep.Failed, len(rep.Keys))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "YAML file with the state transformations")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only migrate keys with this prefix")
	cmd.Flags().IntVar(&target, "to", 0, "target version")
	cmd.Flags().IntVar(&defaultVersion, "default-version", 1, "version of values stored without an envelope")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func loadPlan(path string) ([]*migration.StateTransformation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var ts []*migration.StateTransformation
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("plan %s has no transformations", path)
	}
	return ts, nil
}
