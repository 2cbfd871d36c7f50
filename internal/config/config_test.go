package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/secrets"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

func testTree() map[string]any {
	tree := DefaultTree()
	tree[SectionProviders] = map[string]any{
		"openai": map[string]any{"model": "gpt-4o", "api_key": "sk-live"},
	}
	return tree
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(testTree(), opts...)
	require.NoError(t, err)
	return m
}

func lastAudit(t *testing.T, m *Manager) AuditEntry {
	t.Helper()
	trail := m.AuditTrail()
	require.NotEmpty(t, trail)
	return trail[len(trail)-1]
}

func TestPreset(t *testing.T) {
	p, err := Preset("read_only")
	require.NoError(t, err)
	assert.Equal(t, ReadOnly(), p)

	p, err = Preset("")
	require.NoError(t, err)
	assert.False(t, p.ModifySecurity)

	p, err = Preset("full")
	require.NoError(t, err)
	assert.True(t, p.AccessSecrets)

	_, err = Preset("root")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBridge_ReadDeniedIsAudited(t *testing.T) {
	m := newManager(t)
	b := m.Bridge("script", Permissions{})

	_, err := b.Get(context.Background())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))

	e := lastAudit(t, m)
	assert.False(t, e.Allowed)
	assert.Equal(t, PathFullConfig, e.Path)
	assert.Equal(t, "script", e.Source)
	assert.Equal(t, "no read permission", e.DenyReason)
}

func TestBridge_RedactsSecrets(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	tree, err := m.Bridge("script", Standard()).Get(ctx)
	require.NoError(t, err)
	key, _ := dotpath.Get(tree, "providers.openai.api_key")
	assert.Equal(t, Redacted, key)
	model, _ := dotpath.Get(tree, "providers.openai.model")
	assert.Equal(t, "gpt-4o", model)

	v, ok, err := m.Bridge("script", ReadOnly()).Value(ctx, "providers.openai.api_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Redacted, v)

	raw, _ := dotpath.Get(m.Tree(), "providers.openai.api_key")
	assert.Equal(t, "sk-live", raw)
}

func TestBridge_SecretAccessIsAudited(t *testing.T) {
	m := newManager(t)

	v, ok, err := m.Bridge("admin", Full()).Value(context.Background(), "providers.openai.api_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-live", v)
	assert.Equal(t, ChangeSecretAccess, lastAudit(t, m).ChangeType)
}

func TestBridge_SetCreateAndUpdate(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	b := m.Bridge("script", Standard())

	require.NoError(t, b.Set(ctx, "runtime.script_timeout_seconds", 60))
	e := lastAudit(t, m)
	assert.Equal(t, ChangeUpdate, e.ChangeType)
	assert.Equal(t, 300, e.OldValue)
	assert.Equal(t, 60, e.NewValue)

	require.NoError(t, b.SetProvider(ctx, "anthropic", map[string]any{"model": "claude", "api_key": "k"}))
	e = lastAudit(t, m)
	assert.Equal(t, ChangeCreate, e.ChangeType)
	assert.Equal(t, map[string]any{"model": "claude", "api_key": Redacted}, e.NewValue)

	names, err := b.ListProviders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai"}, names)
}

func TestBridge_SetSecretIsRedactedInAudit(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Bridge("script", Standard()).Set(ctx, "providers.openai.api_key", "sk-new"))
	e := lastAudit(t, m)
	assert.True(t, e.Allowed)
	assert.Equal(t, Redacted, e.OldValue)
	assert.Equal(t, Redacted, e.NewValue)
	raw, _ := dotpath.Get(m.Tree(), "providers.openai.api_key")
	assert.Equal(t, "sk-new", raw)

	err := m.Bridge("script", ReadOnly()).Set(ctx, "providers.openai.api_key", "sk-other")
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
	e = lastAudit(t, m)
	assert.False(t, e.Allowed)
	assert.Equal(t, Redacted, e.NewValue)

	require.NoError(t, m.Bridge("script", Standard()).Delete(ctx, "providers.openai.api_key"))
	assert.Equal(t, Redacted, lastAudit(t, m).OldValue)

	require.NoError(t, m.Bridge("admin", Full()).Set(ctx, "providers.openai.api_key", "sk-admin"))
	assert.Equal(t, "sk-admin", lastAudit(t, m).NewValue)
}

func TestBridge_SectionPermissions(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	err := m.Bridge("script", ReadOnly()).Set(ctx, "providers.openai.model", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))

	err = m.Bridge("script", Standard()).Set(ctx, "security.max_memory_bytes", 1024)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
	assert.Equal(t, "no modify_security permission", lastAudit(t, m).DenyReason)

	err = m.Bridge("script", Full()).Set(ctx, "plugins.x", 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBridge_AllowLists(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	b := m.Bridge("script", Permissions{
		Read: true, ModifyProviders: true, ModifyTools: true,
		AllowedProviders: []string{"openai"},
		AllowedTools:     []string{"file_operations"},
	})

	require.NoError(t, b.Set(ctx, "providers.openai.model", "gpt-4.1"))
	err := b.Set(ctx, "providers.anthropic.model", "claude")
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
	assert.Equal(t, "provider 'anthropic' not in allowed list", lastAudit(t, m).DenyReason)

	require.NoError(t, b.AddAllowedPath(ctx, "/tmp"))
	require.NoError(t, b.AddAllowedPath(ctx, "/data"))
	paths, _ := dotpath.Get(m.Tree(), "tools.file_operations.allowed_paths")
	assert.Equal(t, []any{"/tmp", "/data"}, paths)

	err = b.Set(ctx, "tools.shell.enabled", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
}

func TestBridge_BootLockedEvenWithFull(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	b := m.Bridge("admin", Full())

	err := b.Set(ctx, "security.allow_network_access", false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	err = b.SetSecurity(ctx, map[string]any{"allow_file_access": true})
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	err = b.Delete(ctx, "security.allow_process_spawn")
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	on, err := b.NetworkAccessAllowed(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = b.FileAccessAllowed(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	// Rewriting a locked flag with its boot value is a no-op change.
	require.NoError(t, b.Set(ctx, "security.allow_network_access", true))
}

func TestBridge_ImmutableAndLimits(t *testing.T) {
	m := newManager(t, WithMaxMemoryBytes(1<<30))
	ctx := context.Background()
	b := m.Bridge("admin", Full())

	err := b.Set(ctx, "runtime.max_concurrent_scripts", 20)
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	err = b.Set(ctx, "security.max_memory_bytes", 2<<30)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	require.NoError(t, b.Set(ctx, "security.max_memory_bytes", 256<<20))
}

func TestBridge_Delete(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	b := m.Bridge("script", Standard())

	err := b.Delete(ctx, "providers.openai")
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	require.NoError(t, b.Delete(ctx, "providers.openai.model"))
	_, ok := dotpath.Get(m.Tree(), "providers.openai.model")
	assert.False(t, ok)
	assert.Equal(t, ChangeDelete, lastAudit(t, m).ChangeType)

	err = b.Delete(ctx, "providers.openai.model")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAuditTrail_Capped(t *testing.T) {
	m := newManager(t, WithAuditCap(3))
	ctx := context.Background()
	b := m.Bridge("script", Standard())

	for _, p := range []string{"providers", "tools", "runtime", "security", "runtime.script_timeout_seconds"} {
		_, _, err := b.Value(ctx, p)
		require.NoError(t, err)
	}
	trail := m.AuditTrail()
	require.Len(t, trail, 3)
	assert.Equal(t, "runtime", trail[0].Path)
	assert.Equal(t, "runtime.script_timeout_seconds", trail[2].Path)
}

func TestSnapshot_Restore(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	b := m.Bridge("script", Standard())

	ts, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, PathSnapshot, lastAudit(t, m).Path)

	require.NoError(t, b.Set(ctx, "runtime.script_timeout_seconds", 5))

	_, err = m.Bridge("viewer", ReadOnly()).RestoreSnapshot(ctx, ts)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
	assert.False(t, lastAudit(t, m).Allowed)

	_, err = b.RestoreSnapshot(ctx, ts+12345)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	restored, err := b.RestoreSnapshot(ctx, ts)
	require.NoError(t, err)
	v, _ := dotpath.Get(m.Tree(), "runtime.script_timeout_seconds")
	assert.Equal(t, 300, v)
	key, _ := dotpath.Get(restored, "providers.openai.api_key")
	assert.Equal(t, Redacted, key)

	e := lastAudit(t, m)
	assert.Equal(t, PathSnapshotRestore, e.Path)
	assert.Equal(t, map[string]any{"timestamp": ts}, e.NewValue)
}

func TestSnapshot_TimestampsUniqueAndCapped(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	m := newManager(t, WithSnapshotCap(2), withClock(func() time.Time { return fixed }))
	ctx := context.Background()
	b := m.Bridge("script", Standard())

	var stamps []int64
	for i := 0; i < 3; i++ {
		ts, err := b.Snapshot(ctx)
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}
	assert.Equal(t, fixed.UnixNano()+1, stamps[1])
	assert.Equal(t, stamps[1:], b.Snapshots())
}

func TestSnapshot_PersistedAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := newManager(t, WithSnapshotDir(dir))
	ts, err := m.Bridge("script", Standard()).Snapshot(ctx)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "snapshot-*.yaml"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	again := newManager(t, WithSnapshotDir(dir))
	b := again.Bridge("script", Standard())
	assert.Equal(t, []int64{ts}, b.Snapshots())
	restored, err := b.RestoreSnapshot(ctx, ts)
	require.NoError(t, err)
	model, _ := dotpath.Get(restored, "providers.openai.model")
	assert.Equal(t, "gpt-4o", model)
}

func TestSnapshot_SealsSecretsOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, err := secrets.New(secrets.Config{MasterKey: make([]byte, 32)})
	require.NoError(t, err)

	m := newManager(t, WithSnapshotDir(dir), WithSnapshotCipher(c))
	ts, err := m.Bridge("script", Standard()).Snapshot(ctx)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "snapshot-*.yaml"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live")
	assert.Contains(t, string(raw), secrets.SealedPrefix)
	assert.Contains(t, string(raw), "gpt-4o")

	again := newManager(t, WithSnapshotDir(dir), WithSnapshotCipher(c))
	restored, err := again.Bridge("admin", Full()).RestoreSnapshot(ctx, ts)
	require.NoError(t, err)
	key, _ := dotpath.Get(restored, "providers.openai.api_key")
	assert.Equal(t, "sk-live", key)

	_, err = NewManager(testTree(), WithSnapshotDir(dir))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestManager_PublishesChanges(t *testing.T) {
	hub := streaming.NewMemoryHub()
	m := newManager(t, WithEventHub(hub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.Filter{Types: []string{schema.EventConfigChanged}})
	require.NoError(t, err)
	defer unsubscribe()

	b := m.Bridge("script", Standard())
	_, err = b.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "runtime.script_timeout_seconds", 10))

	select {
	case ev := <-ch:
		assert.Equal(t, "script", ev.Source)
		assert.Equal(t, map[string]any{
			"path":        "runtime.script_timeout_seconds",
			"change_type": string(ChangeUpdate),
		}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no config_changed event")
	}
}

func TestManager_ReloadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentscript.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  script_timeout_seconds: 30
security:
  allow_process_spawn: true
`), 0o600))

	m := newManager(t)
	err := m.ReloadFile(context.Background(), path)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeImmutable))

	tree := m.Tree()
	v, _ := dotpath.Get(tree, "runtime.script_timeout_seconds")
	assert.Equal(t, 30, v)
	spawn, _ := dotpath.Get(tree, "security.allow_process_spawn")
	assert.Equal(t, false, spawn)

	e := lastAudit(t, m)
	assert.Equal(t, SourceFileWatcher, e.Source)
	assert.False(t, e.Allowed)
}

func TestManager_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentscript.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  script_timeout_seconds: 300\n"), 0o600))

	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  script_timeout_seconds: 42\n"), 0o600))
	assert.Eventually(t, func() bool {
		v, _ := dotpath.Get(m.Tree(), "runtime.script_timeout_seconds")
		n, ok := toFloat(v)
		return ok && n == 42
	}, 3*time.Second, 20*time.Millisecond)
}
