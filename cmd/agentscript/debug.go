package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentscript/internal/dap"
	"github.com/rendis/agentscript/internal/logging"
)

func newDebugCmd(flags *rootFlags) *cobra.Command {
	var (
		listen       string
		breakOnError bool
	)
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Serve the Debug Adapter Protocol for one client",
		Long: `Debug accepts a single DAP client on --listen, or speaks DAP over stdin and
stdout when --listen is empty. A launch request runs the workflow file named
by "program" with "args" as input; breakpoints are set on workflow files,
one line per step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, flags.cfg, appOptions{debug: true, breakOnError: breakOnError})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			var adapter *dap.Adapter
			adapter = dap.New(a.coord,
				dap.WithLauncher(func(ctx context.Context, program string, args map[string]any) error {
					if data, err := os.ReadFile(program); err == nil {
						adapter.AddSourceMapping(1, program, program, string(data))
					}
					res, err := a.runFile(ctx, program, args)
					if err != nil {
						return err
					}
					if !res.Success {
						return fmt.Errorf("workflow %s failed: %s", res.Name, res.Error)
					}
					return nil
				}),
				dap.WithTerminator(cancel),
				dap.WithLogger(a.logger),
			)

			if listen == "" {
				return adapter.Serve(ctx, os.Stdin, os.Stdout)
			}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			defer ln.Close()
			a.logger.Info("waiting for debug client", slog.String("addr", ln.Addr().String()))
			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()
			if err := adapter.Serve(ctx, conn, conn); err != nil && ctx.Err() == nil {
				a.logger.Warn("debug session ended", slog.String(logging.ErrorKey, err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address for the DAP client, such as 127.0.0.1:4711")
	cmd.Flags().BoolVar(&breakOnError, "break-on-error", false, "pause when a step fails")
	return cmd
}
