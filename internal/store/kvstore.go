package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/pkg/schema"
)

// StateStore is a state.Store backed by the state_kv table. Values are
// stored as JSON text, so numbers come back as float64.
type StateStore struct {
	db     *DB
	tenant string
}

// NewStateStore scopes a state store to tenant.
func NewStateStore(db *DB, tenant string) *StateStore {
	return &StateStore{db: db, tenant: tenant}
}

func (s *StateStore) Get(ctx context.Context, key string) (any, error) {
	var raw string
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT value FROM state_kv WHERE tenant_id = ? AND key = ?`, s.tenant, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, state.NotFound(key)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "read state").WithCause(err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return v, nil
}

func (s *StateStore) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "state key is empty")
	}
	raw, err := json.Marshal(dotpath.Normalize(value))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "state %q is not JSON-encodable", key).WithCause(err)
	}
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO state_kv (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.tenant, key, string(raw), time.Now().UTC().Unix())
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "write state").WithCause(err)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM state_kv WHERE tenant_id = ? AND key = ?`, s.tenant, key); err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete state").WithCause(err)
	}
	return nil
}

func (s *StateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT key FROM state_kv WHERE tenant_id = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		s.tenant, len(prefix), prefix)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list state keys").WithCause(err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

var _ state.Store = (*StateStore)(nil)
