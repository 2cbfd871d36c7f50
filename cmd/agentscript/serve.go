package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentscript/internal/config"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/scheduler"
	"github.com/rendis/agentscript/pkg/mcp"
)

const retentionPolicy = "hook-history"

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Long: `Serve exposes workflows, state, events, runtime configuration and hook
history to MCP clients over stdio. Alongside it the command persists runtime
events, archives old hook history on the retention schedule, reloads the
runtime configuration file when it changes and, when metrics_addr is set,
serves Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags.cfg)
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	perms, err := config.Preset(cfg.ConfigPreset)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	sched := scheduler.New(a.logger, scheduler.WithMetrics(a.metrics))
	if cfg.Retention.MaxAge > 0 {
		if err := sched.Add(scheduler.Policy{
			Name:        retentionPolicy,
			Schedule:    cfg.Retention.Schedule,
			MaxAge:      cfg.Retention.MaxAge,
			MaxPriority: cfg.Retention.MaxPriority,
		}, a.history); err != nil {
			return fmt.Errorf("retention policy: %w", err)
		}
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Bindings:          a.bindings,
		Config:            a.config,
		ConfigPermissions: &perms,
		History:           a.history,
		Hub:               a.hub,
		Logger:            a.logger,
		Version:           version,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()
	if cfg.RuntimeConfig != "" {
		if err := a.config.Watch(ctx, cfg.RuntimeConfig); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.events.Run(gctx, a.hub) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, a, cfg.MetricsAddr) })
	}

	a.logger.Info("mcp server starting",
		slog.String("version", version),
		slog.String("tenant", cfg.Tenant),
		slog.String("config_preset", cfg.ConfigPreset),
	)
	g.Go(func() error {
		err := srv.Serve(gctx)
		// stdin closing ends the session and everything else with it.
		return errors.Join(err, errServeDone)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errServeDone) {
		return err
	}
	return nil
}

var errServeDone = errors.New("mcp session ended")

func serveMetrics(ctx context.Context, a *app, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	swap := newHandlerSwapper(mux)
	hs := &http.Server{Addr: addr, Handler: swap, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	a.logger.Info("metrics listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Error("metrics server", slog.String(logging.ErrorKey, err.Error()))
		return err
	case <-ctx.Done():
	}
	swap.Swap(unavailable("shutting down"))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
