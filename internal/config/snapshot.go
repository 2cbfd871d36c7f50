package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/secrets"
	"github.com/rendis/agentscript/pkg/schema"
)

// DefaultSnapshotCap bounds the kept snapshots.
const DefaultSnapshotCap = 10

const snapshotPrefix = "snapshot-"

// Snapshot is a full copy of the tree. Timestamps are unix nanoseconds and
// unique within a manager.
type Snapshot struct {
	Timestamp int64          `yaml:"timestamp"`
	Tree      map[string]any `yaml:"tree"`
}

type snapshotStore struct {
	mu     sync.Mutex
	items  []Snapshot
	cap    int
	dir    string
	sealer *secrets.Cipher
}

func newSnapshotStore(capacity int, dir string, sealer *secrets.Cipher) (*snapshotStore, error) {
	if capacity <= 0 {
		capacity = DefaultSnapshotCap
	}
	s := &snapshotStore{cap: capacity, dir: dir, sealer: sealer}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, snapshotPrefix+"*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", f, err)
		}
		var snap Snapshot
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "parse snapshot %s", f).WithCause(err)
		}
		tree, err := s.open(dotpath.Normalize(snap.Tree))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "open snapshot %s", f).WithCause(err)
		}
		snap.Tree, _ = tree.(map[string]any)
		s.items = append(s.items, snap)
	}
	sort.Slice(s.items, func(i, j int) bool { return s.items[i].Timestamp < s.items[j].Timestamp })
	s.prune()
	return s, nil
}

func (s *snapshotStore) fileName(ts int64) string {
	return filepath.Join(s.dir, snapshotPrefix+strconv.FormatInt(ts, 10)+".yaml")
}

// add keeps a copy of tree. ts is bumped past the newest snapshot.
func (s *snapshotStore) add(ts int64, tree map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.items); n > 0 && ts <= s.items[n-1].Timestamp {
		ts = s.items[n-1].Timestamp + 1
	}
	snap := Snapshot{Timestamp: ts, Tree: dotpath.CloneMap(tree)}
	if s.dir != "" {
		sealed, err := s.seal(snap.Tree, false)
		if err != nil {
			return 0, err
		}
		data, err := yaml.Marshal(Snapshot{Timestamp: ts, Tree: sealed.(map[string]any)})
		if err != nil {
			return 0, fmt.Errorf("encode snapshot: %w", err)
		}
		if err := renameio.WriteFile(s.fileName(ts), data, 0o600); err != nil {
			return 0, schema.NewError(schema.ErrCodeConfig, "persist snapshot").WithCause(err)
		}
	}
	s.items = append(s.items, snap)
	s.prune()
	return ts, nil
}

// seal replaces every string under a secret key with its sealed form.
// Without a cipher the tree is written as is.
func (s *snapshotStore) seal(v any, secret bool) (any, error) {
	if s.sealer == nil {
		return v, nil
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			sealed, err := s.seal(item, secret || isSecretKey(k))
			if err != nil {
				return nil, err
			}
			out[k] = sealed
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sealed, err := s.seal(item, secret)
			if err != nil {
				return nil, err
			}
			out[i] = sealed
		}
		return out, nil
	case string:
		if secret {
			return s.sealer.SealString(val)
		}
	}
	return v, nil
}

func (s *snapshotStore) open(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			opened, err := s.open(item)
			if err != nil {
				return nil, err
			}
			val[k] = opened
		}
	case []any:
		for i, item := range val {
			opened, err := s.open(item)
			if err != nil {
				return nil, err
			}
			val[i] = opened
		}
	case string:
		if !secrets.IsSealed(val) {
			return val, nil
		}
		if s.sealer == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "snapshot holds sealed values and no snapshot key is configured")
		}
		return s.sealer.OpenString(val)
	}
	return v, nil
}

func (s *snapshotStore) prune() {
	over := len(s.items) - s.cap
	if over <= 0 {
		return
	}
	if s.dir != "" {
		for _, old := range s.items[:over] {
			_ = os.Remove(s.fileName(old.Timestamp))
		}
	}
	s.items = append(s.items[:0:0], s.items[over:]...)
}

func (s *snapshotStore) get(ts int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.items {
		if snap.Timestamp == ts {
			return dotpath.CloneMap(snap.Tree), true
		}
	}
	return nil, false
}

func (s *snapshotStore) timestamps() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.items))
	for i, snap := range s.items {
		out[i] = snap.Timestamp
	}
	return out
}

// Snapshot stores a copy of the current tree and returns its timestamp.
func (b *Bridge) Snapshot(ctx context.Context) (int64, error) {
	if !b.perms.Read {
		return 0, b.deny(ctx, ChangeCreate, PathSnapshot, nil, schema.ErrCodePermissionDenied, "no read permission")
	}
	b.m.mu.RLock()
	tree := dotpath.CloneMap(b.m.tree)
	b.m.mu.RUnlock()
	ts, err := b.m.snapshots.add(b.m.now().UnixNano(), tree)
	if err != nil {
		return 0, err
	}
	b.m.record(ctx, AuditEntry{
		Source:     b.source,
		ChangeType: ChangeCreate,
		Path:       PathSnapshot,
		NewValue:   map[string]any{"timestamp": ts},
		Allowed:    true,
	})
	return ts, nil
}

// Snapshots lists the kept snapshot timestamps, oldest first.
func (b *Bridge) Snapshots() []int64 { return b.m.snapshots.timestamps() }

// RestoreSnapshot replaces the tree with snapshot ts. Boot-locked values
// keep their boot values and immutable paths keep their current values.
// The restored tree is returned redacted for bridges without
// access_secrets.
func (b *Bridge) RestoreSnapshot(ctx context.Context, ts int64) (map[string]any, error) {
	if !b.perms.ModifyRuntime {
		return nil, b.deny(ctx, ChangeUpdate, PathSnapshotRestore, map[string]any{"timestamp": ts},
			schema.ErrCodePermissionDenied, "no modify_runtime permission")
	}
	tree, ok := b.m.snapshots.get(ts)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "snapshot %d not found", ts)
	}

	b.m.mu.Lock()
	for _, p := range BootLockedPaths {
		dotpath.Set(tree, p, dotpath.Clone(b.m.boot[p]))
	}
	for _, p := range ImmutablePaths {
		if cur, ok := dotpath.Get(b.m.tree, p); ok {
			dotpath.Set(tree, p, dotpath.Clone(cur))
		}
	}
	for _, s := range Sections() {
		if _, ok := tree[s].(map[string]any); !ok {
			tree[s] = map[string]any{}
		}
	}
	for k := range tree {
		if validPath(k) != nil || strings.Contains(k, ".") {
			delete(tree, k)
		}
	}
	b.m.tree = tree
	out := dotpath.CloneMap(tree)
	b.m.mu.Unlock()

	b.m.record(ctx, AuditEntry{
		Source:     b.source,
		ChangeType: ChangeUpdate,
		Path:       PathSnapshotRestore,
		NewValue:   map[string]any{"timestamp": ts},
		Allowed:    true,
	})
	if v, ok := b.view(PathSnapshotRestore, out).(map[string]any); ok {
		return v, nil
	}
	return out, nil
}
