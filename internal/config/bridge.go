package config

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/pkg/schema"
)

// Bridge is one caller's permissioned view of the configuration tree. Every
// call, allowed or denied, lands in the audit trail.
type Bridge struct {
	m      *Manager
	source string
	perms  Permissions
}

// Source names the caller in audit entries.
func (b *Bridge) Source() string { return b.source }

// Permissions returns the bridge's grants.
func (b *Bridge) Permissions() Permissions { return b.perms }

func (b *Bridge) deny(ctx context.Context, ct ChangeType, path string, newValue any, code, reason string) error {
	b.m.record(ctx, AuditEntry{
		Source:     b.source,
		ChangeType: ct,
		Path:       path,
		NewValue:   b.view(path, newValue),
		Allowed:    false,
		DenyReason: reason,
	})
	return schema.NewError(code, reason)
}

// view redacts v, the value found at path, unless the bridge may see
// secrets. A value under a secret path is hidden whole.
func (b *Bridge) view(path string, v any) any {
	if v == nil || b.perms.AccessSecrets {
		return dotpath.Clone(v)
	}
	if isSecretPath(path) {
		return Redacted
	}
	return redact(v)
}

// Get returns the whole tree, redacted unless access_secrets is granted.
func (b *Bridge) Get(ctx context.Context) (map[string]any, error) {
	if !b.perms.Read {
		return nil, b.deny(ctx, ChangeRead, PathFullConfig, nil, schema.ErrCodePermissionDenied, "no read permission")
	}
	b.m.mu.RLock()
	out, _ := b.view(PathFullConfig, b.m.tree).(map[string]any)
	b.m.mu.RUnlock()
	b.m.record(ctx, AuditEntry{Source: b.source, ChangeType: ChangeRead, Path: PathFullConfig, Allowed: true})
	return out, nil
}

// Value returns the value at a dot path. Reading a secret with
// access_secrets is audited as SecretAccess.
func (b *Bridge) Value(ctx context.Context, path string) (any, bool, error) {
	if err := validPath(path); err != nil {
		return nil, false, err
	}
	if !b.perms.Read {
		return nil, false, b.deny(ctx, ChangeRead, path, nil, schema.ErrCodePermissionDenied, "no read permission")
	}
	b.m.mu.RLock()
	v, ok := dotpath.Get(b.m.tree, path)
	v = dotpath.Clone(v)
	b.m.mu.RUnlock()

	ct := ChangeRead
	switch {
	case isSecretPath(path) && b.perms.AccessSecrets:
		ct = ChangeSecretAccess
	case isSecretPath(path) && ok:
		v = Redacted
	default:
		v = b.view(path, v)
	}
	b.m.record(ctx, AuditEntry{Source: b.source, ChangeType: ct, Path: path, Allowed: true})
	return v, ok, nil
}

// Section returns one top-level section.
func (b *Bridge) Section(ctx context.Context, name string) (map[string]any, error) {
	v, _, err := b.Value(ctx, name)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Set writes value at path after the permission, allow-list, boot-lock,
// immutability and limit checks.
func (b *Bridge) Set(ctx context.Context, path string, value any) error {
	if err := validPath(path); err != nil {
		return b.deny(ctx, ChangeUpdate, path, value, schema.ErrCodeValidation, err.Error())
	}
	if reason := b.perms.canModify(path); reason != "" {
		return b.deny(ctx, ChangeUpdate, path, value, schema.ErrCodePermissionDenied, reason)
	}
	value = dotpath.Normalize(value)

	b.m.mu.Lock()
	old, existed := dotpath.Get(b.m.tree, path)
	old = dotpath.Clone(old)
	candidate := dotpath.CloneMap(b.m.tree)
	if !dotpath.Set(candidate, path, dotpath.Clone(value)) {
		b.m.mu.Unlock()
		return b.deny(ctx, ChangeUpdate, path, value, schema.ErrCodeValidation, "cannot assign "+path)
	}
	if err := b.m.checkCandidate(candidate); err != nil {
		b.m.mu.Unlock()
		return b.deny(ctx, ChangeUpdate, path, value, schema.CodeOf(err), err.Error())
	}
	b.m.tree = candidate
	b.m.mu.Unlock()

	ct := ChangeUpdate
	if !existed {
		ct = ChangeCreate
	}
	b.m.record(ctx, AuditEntry{
		Source:     b.source,
		ChangeType: ct,
		Path:       path,
		OldValue:   b.view(path, old),
		NewValue:   b.view(path, value),
		Allowed:    true,
	})
	return nil
}

// Delete removes path. Boot-locked and immutable values cannot be removed,
// and neither can whole providers.
func (b *Bridge) Delete(ctx context.Context, path string) error {
	if err := validPath(path); err != nil {
		return b.deny(ctx, ChangeDelete, path, nil, schema.ErrCodeValidation, err.Error())
	}
	if reason := b.perms.canModify(path); reason != "" {
		return b.deny(ctx, ChangeDelete, path, nil, schema.ErrCodePermissionDenied, reason)
	}
	if isProviderRoot(path) {
		return b.deny(ctx, ChangeDelete, path, nil, schema.ErrCodeImmutable, "provider deletion is locked")
	}

	b.m.mu.Lock()
	old, existed := dotpath.Get(b.m.tree, path)
	if !existed {
		b.m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "config path %s not found", path)
	}
	candidate := dotpath.CloneMap(b.m.tree)
	dotpath.Delete(candidate, path)
	if err := b.m.checkCandidate(candidate); err != nil {
		b.m.mu.Unlock()
		return b.deny(ctx, ChangeDelete, path, nil, schema.CodeOf(err), err.Error())
	}
	b.m.tree = candidate
	b.m.mu.Unlock()

	b.m.record(ctx, AuditEntry{Source: b.source, ChangeType: ChangeDelete, Path: path, OldValue: b.view(path, old), Allowed: true})
	return nil
}

func isProviderRoot(path string) bool {
	section, rest, found := strings.Cut(path, ".")
	return section == SectionProviders && found && !strings.Contains(rest, ".")
}

// ListProviders returns the configured provider names, sorted.
func (b *Bridge) ListProviders(ctx context.Context) ([]string, error) {
	providers, err := b.Section(ctx, SectionProviders)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Provider returns one provider's settings, redacted.
func (b *Bridge) Provider(ctx context.Context, name string) (map[string]any, bool, error) {
	v, ok, err := b.Value(ctx, SectionProviders+"."+name)
	if err != nil || !ok {
		return nil, false, err
	}
	m, _ := v.(map[string]any)
	return m, true, nil
}

// SetProvider replaces one provider's settings.
func (b *Bridge) SetProvider(ctx context.Context, name string, settings map[string]any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name is required")
	}
	return b.Set(ctx, SectionProviders+"."+name, settings)
}

// AddAllowedPath appends to tools.file_operations.allowed_paths.
func (b *Bridge) AddAllowedPath(ctx context.Context, p string) error {
	const path = "tools.file_operations.allowed_paths"
	b.m.mu.RLock()
	cur, _ := dotpath.Get(b.m.tree, path)
	b.m.mu.RUnlock()
	list, _ := cur.([]any)
	next := append(append([]any(nil), list...), p)
	return b.Set(ctx, path, next)
}

// SetSecurity replaces the security section. Boot-locked flags must keep
// their boot values.
func (b *Bridge) SetSecurity(ctx context.Context, security map[string]any) error {
	return b.Set(ctx, SectionSecurity, security)
}

// FileAccessAllowed reports security.allow_file_access.
func (b *Bridge) FileAccessAllowed(ctx context.Context) (bool, error) {
	return b.flag(ctx, "security.allow_file_access")
}

// NetworkAccessAllowed reports security.allow_network_access.
func (b *Bridge) NetworkAccessAllowed(ctx context.Context) (bool, error) {
	return b.flag(ctx, "security.allow_network_access")
}

func (b *Bridge) flag(ctx context.Context, path string) (bool, error) {
	v, _, err := b.Value(ctx, path)
	if err != nil {
		return false, err
	}
	on, _ := v.(bool)
	return on, nil
}
