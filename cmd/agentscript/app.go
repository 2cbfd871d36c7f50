package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/agentscript/internal/bridge"
	"github.com/rendis/agentscript/internal/conditions"
	"github.com/rendis/agentscript/internal/config"
	"github.com/rendis/agentscript/internal/debug"
	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/internal/secrets"
	"github.com/rendis/agentscript/internal/store"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/tools"
	"github.com/rendis/agentscript/internal/tracing"
	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/internal/workflow"
)

// appOptions select the optional parts of the runtime.
type appOptions struct {
	debug        bool
	breakOnError bool
}

// app is the fully wired runtime shared by the commands.
type app struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *streaming.MemoryHub

	db       *store.DB
	history  *store.HookHistory
	recorder *store.Recorder
	state    *store.StateStore
	events   *store.EventLog

	hooks    *hooks.Registry
	runtime  *workflow.Runtime
	bindings *bridge.Bindings
	config   *config.Manager
	coord    *debug.Coordinator
	tracer   *sdktrace.TracerProvider
	traceOut *os.File
}

func newLogger(cfg Config) *slog.Logger {
	lc := logging.FromEnv()
	lc.Level = cfg.LogLevel
	lc.Format = logging.Format(cfg.LogFormat)
	return logging.New(lc)
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg Config) (*store.DB, error) {
	if err := os.MkdirAll(agentscriptDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  newLogger(cfg),
		metrics: metrics.New(true),
		hub:     streaming.NewMemoryHub(),
		hooks:   hooks.NewRegistry(),
	}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.traceOut = f
		tp, err := tracing.NewProvider("agentscript", version, f)
		if err != nil {
			return nil, err
		}
		a.tracer = tp
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.history, err = store.NewHookHistory(db, cfg.Tenant)
	if err != nil {
		return nil, err
	}
	a.state = store.NewStateStore(db, cfg.Tenant)
	a.events = store.NewEventLog(db, cfg.Tenant, a.logger)
	a.recorder = store.NewRecorder(a.history,
		store.WithRecorderMetrics(a.metrics),
		store.WithRecorderLogger(a.logger),
	)

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry(v)
	if err := tools.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	hx := hooks.NewExecutor(a.hooks,
		hooks.WithRecorder(a.recorder),
		hooks.WithMetrics(a.metrics),
		hooks.WithLogger(a.logger),
	)
	steps := engine.NewStepExecutor(
		engine.WithTools(reg),
		engine.WithHooks(hx),
		engine.WithCircuitBreaker(engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())),
		engine.WithEventHub(a.hub),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.logger),
	)
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	a.runtime = workflow.NewRuntime(steps,
		workflow.WithConditions(conditions.New(
			conditions.WithHost(conditions.EngineHost(celEngine)),
			conditions.WithLogger(a.logger),
		)),
		workflow.WithStateStore(a.state),
		workflow.WithEventHub(a.hub),
		workflow.WithMetrics(a.metrics),
		workflow.WithLogger(a.logger),
	)

	tree := config.DefaultTree()
	if cfg.RuntimeConfig != "" {
		if tree, err = config.LoadFile(cfg.RuntimeConfig); err != nil {
			return nil, err
		}
	}
	cfgOpts := []config.Option{
		config.WithSnapshotDir(cfg.SnapshotDir),
		config.WithEventHub(a.hub),
		config.WithMetrics(a.metrics),
		config.WithLogger(a.logger),
	}
	if cfg.SnapshotPassphrase != "" {
		c, err := snapshotCipher(cfg)
		if err != nil {
			return nil, err
		}
		cfgOpts = append(cfgOpts, config.WithSnapshotCipher(c))
	}
	a.config, err = config.NewManager(tree, cfgOpts...)
	if err != nil {
		return nil, err
	}

	a.bindings = bridge.New(a.runtime,
		bridge.WithValidator(v),
		bridge.WithStateStore(a.state),
		bridge.WithEventHub(a.hub),
		bridge.WithLogger(a.logger),
	)

	if opts.debug {
		a.coord = debug.NewCoordinator(debug.NewExecutionManager(a.logger),
			debug.WithEventHub(a.hub),
			debug.WithMetrics(a.metrics),
			debug.WithLogger(a.logger),
		)
		var adapterOpts []debug.AdapterOption
		if opts.breakOnError {
			adapterOpts = append(adapterOpts, debug.BreakOnError())
		}
		if err := debug.NewHookAdapter(a.coord, adapterOpts...).Register(a.hooks); err != nil {
			return nil, err
		}
	}
	ok = true
	return a, nil
}

// snapshotCipher derives the snapshot key from the passphrase and a salt
// kept next to the snapshots.
func snapshotCipher(cfg Config) (*secrets.Cipher, error) {
	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	salt, err := secrets.LoadOrCreateSalt(filepath.Join(cfg.SnapshotDir, "salt"))
	if err != nil {
		return nil, err
	}
	return secrets.New(secrets.Config{Passphrase: cfg.SnapshotPassphrase, Salt: salt})
}

func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var errs []error
	if a.bindings != nil {
		a.bindings.Close()
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.traceOut != nil {
		errs = append(errs, a.traceOut.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", slog.String(logging.ErrorKey, err.Error()))
	}
}
