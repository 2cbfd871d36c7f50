package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/agentscript/internal/store"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and archive persisted hook executions",
	}
	cmd.AddCommand(newHistoryStatsCmd(flags), newHistoryListCmd(flags), newHistoryArchiveCmd(flags))
	return cmd
}

func newHistoryStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print hook history statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, closeFn, err := openHistory(cmd, flags.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			stats, err := h.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newHistoryListCmd(flags *rootFlags) *cobra.Command {
	var (
		hookID, hookType, correlation string
		since                         time.Duration
		limit                         int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hook executions by hook, type or correlation ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set := 0
			for _, v := range []string{hookID, hookType, correlation} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("exactly one of --hook, --type or --correlation is required")
			}
			h, closeFn, err := openHistory(cmd, flags.cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			r := store.Range{Limit: limit}
			if since > 0 {
				r.From = time.Now().Add(-since)
			}
			var execs []*store.SerializedHookExecution
			switch {
			case hookID != "":
				execs, err = h.ByHookID(cmd.Context(), hookID, r)
			case hookType != "":
				execs, err = h.ByType(cmd.Context(), hookType, r)
			default:
				execs, err = h.ByCorrelationID(cmd.Context(), correlation, limit)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), execs)
		},
	}
	cmd.Flags().StringVar(&hookID, "hook", "", "hook ID")
	cmd.Flags().StringVar(&hookType, "type", "", "hook type, such as pre_step")
	cmd.Flags().StringVar(&correlation, "correlation", "", "correlation ID")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions newer than this age")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultLimit, "maximum number of executions")
	return cmd
}

func newHistoryArchiveCmd(flags *rootFlags) *cobra.Command {
	var (
		olderThan   time.Duration
		maxPriority int32
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Delete hook executions older than --older-than",
		Long: `Archive deletes executions recorded before now minus --older-than whose
retention priority is at most --max-priority. Executions with a higher
priority are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			h, closeFn, err := openHistory(cmd, flags.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := h.ArchiveExecutions(cmd.Context(), time.Now().Add(-olderThan), maxPriority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d executions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultConfig().Retention.MaxAge, "minimum age of archived executions")
	cmd.Flags().Int32Var(&maxPriority, "max-priority", 0, "highest retention priority that may be archived")
	return cmd
}

// openHistory opens the store without wiring the rest of the runtime.
func openHistory(cmd *cobra.Command, cfg Config) (*store.HookHistory, func(), error) {
	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	h, err := store.NewHookHistory(db, cfg.Tenant)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return h, func() { _ = db.Close() }, nil
}
