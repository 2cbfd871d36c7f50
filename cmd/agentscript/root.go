package main

import (
	"github.com/spf13/cobra"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	settings string
	logLevel string
	cfg      Config
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "agentscript",
		Short: "Scripted agent workflow runtime",
		Long: `agentscript runs sequential, conditional, loop and parallel workflows of
tool, agent and workflow steps, with lifecycle hooks, persisted hook
history, state migration, a step debugger and an MCP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.settings)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flags.logLevel
			}
			flags.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.settings, "config", "",
		"settings file (default: ~/.agentscript/settings.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newHistoryCmd(flags),
		newMigrateCmd(flags),
		newDebugCmd(flags),
		newDiagramCmd(flags),
		newVersionCmd(),
	)
	return root
}
