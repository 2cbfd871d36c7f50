package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/internal/secrets"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

// Redacted replaces secret values for bridges without access_secrets.
const Redacted = "<REDACTED>"

// DefaultMaxMemoryBytes caps security.max_memory_bytes.
const DefaultMaxMemoryBytes = 1 << 30

// BootLockedPaths cannot change after the manager is created, whatever the
// caller's permissions.
var BootLockedPaths = []string{
	"security.allow_process_spawn",
	"security.allow_network_access",
	"security.allow_file_access",
}

// ImmutablePaths cannot change at runtime.
var ImmutablePaths = []string{"runtime.max_concurrent_scripts"}

// DefaultTree is the configuration used when no file is given.
func DefaultTree() map[string]any {
	return map[string]any{
		SectionProviders: map[string]any{},
		SectionTools: map[string]any{
			"file_operations": map[string]any{"allowed_paths": []any{}},
		},
		SectionRuntime: map[string]any{
			"max_concurrent_scripts": 10,
			"script_timeout_seconds": 300,
		},
		SectionSecurity: map[string]any{
			"allow_process_spawn":  false,
			"allow_network_access": true,
			"allow_file_access":    false,
			"max_memory_bytes":     512 << 20,
		},
	}
}

// LoadFile reads a YAML configuration tree.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "parse config %s", path).WithCause(err)
	}
	tree, _ := dotpath.Normalize(doc).(map[string]any)
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditCap bounds the audit trail. Defaults to 1000 entries.
func WithAuditCap(n int) Option { return func(m *Manager) { m.auditCap = n } }

// WithSnapshotCap bounds the kept snapshots. Defaults to 10.
func WithSnapshotCap(n int) Option { return func(m *Manager) { m.snapshotCap = n } }

// WithSnapshotDir persists snapshots as YAML files in dir and loads the
// existing ones on creation.
func WithSnapshotDir(dir string) Option { return func(m *Manager) { m.snapshotDir = dir } }

// WithSnapshotCipher seals secret values in persisted snapshot files.
func WithSnapshotCipher(c *secrets.Cipher) Option { return func(m *Manager) { m.sealer = c } }

// WithAuditLogRate limits audit log lines to r per second with the given
// burst. Entries are always kept in the trail.
func WithAuditLogRate(r rate.Limit, burst int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(r, burst) }
}

// WithMaxMemoryBytes changes the cap on security.max_memory_bytes.
func WithMaxMemoryBytes(n int64) Option { return func(m *Manager) { m.maxMemory = n } }

func WithEventHub(h streaming.Hub) Option { return func(m *Manager) { m.hub = h } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func withClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns the configuration tree shared by every Bridge: the values,
// the audit trail and the snapshots.
type Manager struct {
	mu   sync.RWMutex
	tree map[string]any
	boot map[string]any

	auditCap    int
	snapshotCap int
	snapshotDir string
	sealer      *secrets.Cipher
	maxMemory   int64
	limiter     *rate.Limiter

	audit     *auditTrail
	snapshots *snapshotStore

	hub     streaming.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager takes ownership of a deep copy of tree. The values of the
// boot-locked paths are frozen here.
func NewManager(tree map[string]any, opts ...Option) (*Manager, error) {
	if tree == nil {
		tree = DefaultTree()
	}
	m := &Manager{
		tree:        dotpath.CloneMap(tree),
		boot:        make(map[string]any, len(BootLockedPaths)),
		auditCap:    DefaultAuditCap,
		snapshotCap: DefaultSnapshotCap,
		maxMemory:   DefaultMaxMemoryBytes,
		limiter:     rate.NewLimiter(rate.Limit(20), 50),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.OrDefault(m.logger)
	for _, s := range Sections() {
		if _, ok := m.tree[s].(map[string]any); !ok {
			m.tree[s] = map[string]any{}
		}
	}
	for _, p := range BootLockedPaths {
		v, _ := dotpath.Get(m.tree, p)
		m.boot[p] = dotpath.Clone(v)
	}
	m.audit = newAuditTrail(m.auditCap, m.limiter, m.logger)
	snaps, err := newSnapshotStore(m.snapshotCap, m.snapshotDir, m.sealer)
	if err != nil {
		return nil, err
	}
	m.snapshots = snaps
	return m, nil
}

// Bridge returns a view of the tree for source with perms. Bridges share
// the tree, the audit trail and the snapshots.
func (m *Manager) Bridge(source string, perms Permissions) *Bridge {
	if source == "" {
		source = "system"
	}
	return &Bridge{m: m, source: source, perms: perms}
}

// AuditTrail returns the retained entries, oldest first.
func (m *Manager) AuditTrail() []AuditEntry { return m.audit.list() }

// Tree returns a deep copy of the unredacted tree for in-process callers.
func (m *Manager) Tree() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dotpath.CloneMap(m.tree)
}

func (m *Manager) record(ctx context.Context, e AuditEntry) {
	e.Timestamp = m.now()
	m.audit.add(e)
	m.metrics.ConfigOperation(string(e.ChangeType), e.Allowed)
	if !e.Allowed || e.ChangeType == ChangeRead || e.ChangeType == ChangeSecretAccess {
		return
	}
	if m.hub != nil {
		_ = m.hub.Publish(ctx, streaming.Event{
			Type:      schema.EventConfigChanged,
			Source:    e.Source,
			Timestamp: e.Timestamp,
			Payload: map[string]any{
				"path":        e.Path,
				"change_type": string(e.ChangeType),
			},
		})
	}
}

func validPath(path string) error {
	if path == "" {
		return schema.NewError(schema.ErrCodeValidation, "config path is required")
	}
	section, _, _ := strings.Cut(path, ".")
	for _, s := range Sections() {
		if s == section {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown configuration section %q", section)
}

// checkCandidate verifies that a proposed tree keeps boot-locked and
// immutable values and respects the limits.
func (m *Manager) checkCandidate(candidate map[string]any) error {
	for _, p := range BootLockedPaths {
		v, _ := dotpath.Get(candidate, p)
		if !equal(v, m.boot[p]) {
			return schema.NewErrorf(schema.ErrCodeImmutable, "%s is boot-locked and cannot be changed", p)
		}
	}
	for _, p := range ImmutablePaths {
		v, _ := dotpath.Get(candidate, p)
		cur, _ := dotpath.Get(m.tree, p)
		if !equal(v, cur) {
			return schema.NewErrorf(schema.ErrCodeImmutable, "%s is immutable", p)
		}
	}
	if raw, ok := dotpath.Get(candidate, "security.max_memory_bytes"); ok && m.maxMemory > 0 {
		if n, ok := toFloat(raw); ok && n > float64(m.maxMemory) {
			return schema.NewErrorf(schema.ErrCodeValidation, "memory limit %v exceeds maximum %d", raw, m.maxMemory)
		}
	}
	return nil
}

// Apply writes every leaf of doc that differs from the tree with full
// permissions as source. Rejected leaves are audited and returned.
func (m *Manager) Apply(ctx context.Context, source string, doc map[string]any) []error {
	b := m.Bridge(source, Full())
	var errs []error
	for _, leaf := range leaves(doc, "") {
		if validPath(leaf.path) != nil {
			continue
		}
		m.mu.RLock()
		cur, ok := dotpath.Get(m.tree, leaf.path)
		m.mu.RUnlock()
		if ok && equal(cur, leaf.value) {
			continue
		}
		if err := b.Set(ctx, leaf.path, leaf.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type leaf struct {
	path  string
	value any
}

// leaves flattens nested objects into dot paths, sorted. Arrays are leaves.
func leaves(v any, prefix string) []leaf {
	m, ok := v.(map[string]any)
	if !ok || (len(m) == 0 && prefix != "") {
		return []leaf{{path: prefix, value: v}}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []leaf
	for _, k := range keys {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		out = append(out, leaves(m[k], p)...)
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "api_key") || strings.Contains(k, "secret") || strings.Contains(k, "password")
}

func isSecretPath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if isSecretKey(seg) {
			return true
		}
	}
	return false
}

// redact replaces secret values in a copy of v.
func redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSecretKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redact(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redact(item)
		}
		return out
	}
	return v
}

func equal(a, b any) bool { return reflect.DeepEqual(canonical(a), canonical(b)) }

// canonical maps every number to float64 so YAML ints and JSON floats compare.
func canonical(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = canonical(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonical(item)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
