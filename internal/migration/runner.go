package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/pkg/schema"
)

// Envelope keys used for versioned values in a state.Store.
const (
	versionKey   = "schema_version"
	valueKey     = "value"
	timestampKey = "timestamp"
)

// Wrap builds the stored form of a versioned value.
func Wrap(value any, version int, ts time.Time) map[string]any {
	return map[string]any{
		versionKey:   version,
		valueKey:     value,
		timestampKey: ts.UTC().Format(time.RFC3339Nano),
	}
}

// Unwrap reads a stored value. Values that are not envelopes are returned
// as-is with version def.
func Unwrap(key string, raw any, def int) *State {
	st := &State{Key: key, Value: raw, SchemaVersion: def}
	env, ok := raw.(map[string]any)
	if !ok || len(env) > 3 {
		return st
	}
	v, hasVersion := env[versionKey]
	value, hasValue := env[valueKey]
	if !hasVersion || !hasValue {
		return st
	}
	n, ok := toFloat(v)
	if !ok {
		return st
	}
	st.Value = value
	st.SchemaVersion = int(n)
	if s, ok := env[timestampKey].(string); ok {
		st.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
	}
	return st
}

// KeyResult is the outcome for one stored key.
type KeyResult struct {
	Key         string    `json:"key"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Results     []*Result `json:"results,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Report summarizes a Runner pass.
type Report struct {
	Target   int           `json:"target_version"`
	Migrated int           `json:"migrated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Keys     []KeyResult   `json:"keys"`
	Duration time.Duration `json:"duration"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDefaultVersion sets the version assumed for values stored without an
// envelope. Defaults to 1.
func WithDefaultVersion(v int) RunnerOption { return func(r *Runner) { r.defaultVersion = v } }

// WithDryRun computes results without writing them back.
func WithDryRun() RunnerOption { return func(r *Runner) { r.dryRun = true } }

// WithTransformer replaces the default Transformer.
func WithTransformer(t *Transformer) RunnerOption { return func(r *Runner) { r.transformer = t } }

// Runner migrates every value under a key prefix to a target version by
// chaining registered transformations.
type Runner struct {
	store          state.Store
	transformer    *Transformer
	byFrom         map[int]*StateTransformation
	defaultVersion int
	dryRun         bool
	logger         *slog.Logger
}

// NewRunner creates a Runner over store.
func NewRunner(store state.Store, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:          store,
		byFrom:         make(map[int]*StateTransformation),
		defaultVersion: 1,
		logger:         logging.OrDefault(logger),
	}
	for _, o := range opts {
		o(r)
	}
	if r.transformer == nil {
		r.transformer = NewTransformer(r.logger)
	}
	return r
}

// Register adds a transformation. Only one transformation may start at a
// given version, and it must move forward.
func (r *Runner) Register(t *StateTransformation) error {
	if t.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "transformation needs an id")
	}
	if t.ToVersion <= t.FromVersion {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"transformation %s must move forward, got %d -> %d", t.ID, t.FromVersion, t.ToVersion)
	}
	if prev, ok := r.byFrom[t.FromVersion]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"transformation %s conflicts with %s at version %d", t.ID, prev.ID, t.FromVersion)
	}
	r.byFrom[t.FromVersion] = t
	return nil
}

// Plan returns the chain of transformations from one version to another.
func (r *Runner) Plan(from, to int) ([]*StateTransformation, error) {
	var chain []*StateTransformation
	for v := from; v < to; {
		t, ok := r.byFrom[v]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMigration, "no transformation from version %d toward %d", v, to)
		}
		if t.ToVersion > to {
			return nil, schema.NewErrorf(schema.ErrCodeMigration,
				"transformation %s overshoots target %d", t.ID, to)
		}
		chain = append(chain, t)
		v = t.ToVersion
	}
	return chain, nil
}

// Latest returns the highest version reachable from any registered
// transformation, or the default version when none are registered.
func (r *Runner) Latest() int {
	latest := r.defaultVersion
	for _, t := range r.byFrom {
		if t.ToVersion > latest {
			latest = t.ToVersion
		}
	}
	return latest
}

// Run migrates every key starting with prefix to target. Keys already at
// or past target are skipped. A failing key is reported and left as it was;
// the pass continues with the next key.
func (r *Runner) Run(ctx context.Context, prefix string, target int) (*Report, error) {
	started := time.Now()
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list state keys: %w", err)
	}
	sort.Strings(keys)

	rep := &Report{Target: target}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		kr := r.migrateKey(ctx, key, target)
		switch {
		case kr.Error != "":
			rep.Failed++
		case kr.Skipped:
			rep.Skipped++
		default:
			rep.Migrated++
		}
		rep.Keys = append(rep.Keys, kr)
	}
	rep.Duration = time.Since(started)

	r.logger.InfoContext(ctx, "state migration finished",
		slog.String("prefix", prefix),
		slog.Int("target", target),
		slog.Int("migrated", rep.Migrated),
		slog.Int("skipped", rep.Skipped),
		slog.Int("failed", rep.Failed),
		slog.Bool("dry_run", r.dryRun),
		slog.Int64(logging.DurationKey, rep.Duration.Milliseconds()))
	return rep, nil
}

func (r *Runner) migrateKey(ctx context.Context, key string, target int) KeyResult {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if state.IsNotFound(err) {
			return KeyResult{Key: key, Skipped: true}
		}
		return KeyResult{Key: key, Error: err.Error()}
	}
	st := Unwrap(key, raw, r.defaultVersion)
	kr := KeyResult{Key: key, FromVersion: st.SchemaVersion, ToVersion: st.SchemaVersion}
	if st.SchemaVersion >= target {
		kr.Skipped = true
		return kr
	}

	chain, err := r.Plan(st.SchemaVersion, target)
	if err != nil {
		kr.Error = err.Error()
		return kr
	}
	for _, t := range chain {
		res, err := r.transformer.TransformState(ctx, st, t)
		kr.Results = append(kr.Results, res)
		if err != nil {
			kr.Error = err.Error()
			r.logger.WarnContext(ctx, "state migration failed",
				slog.String("state_key", key),
				slog.String("transformation", t.ID),
				slog.String(logging.ErrorKey, err.Error()))
			return kr
		}
	}
	kr.ToVersion = st.SchemaVersion

	if r.dryRun {
		return kr
	}
	if err := r.store.Set(ctx, key, Wrap(st.Value, st.SchemaVersion, st.Timestamp)); err != nil {
		kr.Error = fmt.Sprintf("write migrated state: %s", err.Error())
		kr.ToVersion = kr.FromVersion
	}
	return kr
}

// IsMigrationError reports whether err came from a failed transformation.
func IsMigrationError(err error) bool {
	return schema.IsCode(err, schema.ErrCodeMigration)
}
