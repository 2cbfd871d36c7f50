package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/pkg/schema"
)

// HookHistory is the libSQL HistoryStore for one tenant. Writes for the
// tenant are serialized; reads run concurrently.
type HookHistory struct {
	db     *DB
	tenant string
	mu     sync.Mutex
}

// NewHookHistory scopes a history store to tenant.
func NewHookHistory(db *DB, tenant string) (*HookHistory, error) {
	if tenant == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	return &HookHistory{db: db, tenant: tenant}, nil
}

// Tenant returns the tenant the store is scoped to.
func (h *HookHistory) Tenant() string { return h.tenant }

const historyColumns = `execution_id, hook_id, hook_type, correlation_id, hook_context, result_data,
	timestamp, duration_ms, triggering_component, component_id, modified_operation, tags,
	retention_priority, context_size, contains_sensitive_data, metadata`

// StoreExecution compresses the hook context and appends the record. The
// record's ContextSize is set to the uncompressed length and its Timestamp
// is truncated to the stored second precision. Storing an execution id
// twice for the same tenant is a CONFLICT.
func (h *HookHistory) StoreExecution(ctx context.Context, exec *SerializedHookExecution) error {
	if exec == nil || exec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "hook execution needs an execution id")
	}
	if exec.HookID == "" || exec.HookType == "" {
		return schema.NewError(schema.ErrCodeValidation, "hook execution needs a hook id and type")
	}

	blob, err := compressContext(exec.HookContext)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "compress hook context").WithCause(err)
	}
	// nil collections store NULL, empty ones "[]" and "{}", so both load back as given.
	var tags, meta any
	if exec.Tags != nil {
		if tags, err = marshalOrNull(exec.Tags); err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
	}
	if exec.Metadata != nil {
		if meta, err = marshalOrNull(exec.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	var result any
	if len(exec.ResultData) > 0 {
		result = string(exec.ResultData)
	}

	ts := timeOrNow(exec.Timestamp).Unix()
	exec.Timestamp = time.Unix(ts, 0).UTC()
	exec.ContextSize = int32(len(exec.HookContext))

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.db.SQL().ExecContext(ctx,
		`INSERT INTO hook_history (id, tenant_id, `+historyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.tenant,
		exec.ExecutionID, exec.HookID, exec.HookType, nullStr(exec.CorrelationID), blob, result,
		ts, exec.DurationMS, nullStr(exec.TriggeringComponent), nullStr(exec.ComponentID),
		boolInt(exec.ModifiedOperation), tags,
		exec.RetentionPriority, exec.ContextSize, boolInt(exec.ContainsSensitiveData), meta,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return schema.NewErrorf(schema.ErrCodeConflict, "hook execution %q already stored", exec.ExecutionID).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeStore, "insert hook execution").WithCause(err)
	}
	return nil
}

// LoadExecution returns the record with executionID, decompressed.
func (h *HookHistory) LoadExecution(ctx context.Context, executionID string) (*SerializedHookExecution, error) {
	row := h.db.SQL().QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM hook_history WHERE tenant_id = ? AND execution_id = ?`,
		h.tenant, executionID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("hook execution", executionID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load hook execution").WithCause(err)
	}
	return exec, nil
}

// ByCorrelationID returns the executions sharing a correlation id, newest
// first.
func (h *HookHistory) ByCorrelationID(ctx context.Context, correlationID string, limit int) ([]*SerializedHookExecution, error) {
	return h.query(ctx,
		`SELECT `+historyColumns+` FROM hook_history
		 WHERE tenant_id = ? AND correlation_id = ?
		 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		h.tenant, correlationID, limitOrDefault(limit))
}

// ByHookID returns executions of one hook inside r, newest first.
func (h *HookHistory) ByHookID(ctx context.Context, hookID string, r Range) ([]*SerializedHookExecution, error) {
	return h.ranged(ctx, "hook_id", hookID, r)
}

// ByType returns executions at one hook point inside r, newest first.
func (h *HookHistory) ByType(ctx context.Context, hookType string, r Range) ([]*SerializedHookExecution, error) {
	return h.ranged(ctx, "hook_type", hookType, r)
}

func (h *HookHistory) ranged(ctx context.Context, column, value string, r Range) ([]*SerializedHookExecution, error) {
	q := `SELECT ` + historyColumns + ` FROM hook_history WHERE tenant_id = ? AND ` + column + ` = ?`
	args := []any{h.tenant, value}
	if !r.From.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, r.From.Unix())
	}
	if !r.To.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, r.To.Unix())
	}
	q += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limitOrDefault(r.Limit))
	return h.query(ctx, q, args...)
}

// ArchiveExecutions deletes records older than before whose retention
// priority is at most maxRetentionPriority and returns how many went.
func (h *HookHistory) ArchiveExecutions(ctx context.Context, before time.Time, maxRetentionPriority int32) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.db.SQL().ExecContext(ctx,
		`DELETE FROM hook_history WHERE tenant_id = ? AND timestamp < ? AND retention_priority <= ?`,
		h.tenant, before.Unix(), maxRetentionPriority)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "archive hook executions").WithCause(err)
	}
	return res.RowsAffected()
}

// Statistics summarizes the tenant's history.
func (h *HookHistory) Statistics(ctx context.Context) (*HistoryStats, error) {
	stats := &HistoryStats{
		ExecutionsPerHook: map[string]int64{},
		ExecutionsPerType: map[string]int64{},
	}
	var oldest, newest sql.NullInt64
	var avg sql.NullFloat64
	err := h.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(hook_context)), 0), MIN(timestamp), MAX(timestamp), AVG(duration_ms)
		 FROM hook_history WHERE tenant_id = ?`, h.tenant,
	).Scan(&stats.TotalExecutions, &stats.TotalSizeBytes, &oldest, &newest, &avg)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "read history totals").WithCause(err)
	}
	if oldest.Valid {
		t := time.Unix(oldest.Int64, 0).UTC()
		stats.OldestTimestamp = &t
	}
	if newest.Valid {
		t := time.Unix(newest.Int64, 0).UTC()
		stats.NewestTimestamp = &t
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := h.countBy(ctx, "hook_id", stats.ExecutionsPerHook); err != nil {
		return nil, err
	}
	if err := h.countBy(ctx, "hook_type", stats.ExecutionsPerType); err != nil {
		return nil, err
	}
	return stats, nil
}

func (h *HookHistory) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := h.db.SQL().QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM hook_history WHERE tenant_id = ? GROUP BY `+column, h.tenant)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "count by %s", column).WithCause(err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func (h *HookHistory) query(ctx context.Context, q string, args ...any) ([]*SerializedHookExecution, error) {
	rows, err := h.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query hook history").WithCause(err)
	}
	defer rows.Close()

	var out []*SerializedHookExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan hook execution").WithCause(err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*SerializedHookExecution, error) {
	var (
		exec                        SerializedHookExecution
		correlation, trigger, compo sql.NullString
		result, tags, meta          sql.NullString
		blob                        []byte
		ts                          int64
		modified, sensitive         int
	)
	err := s.Scan(
		&exec.ExecutionID, &exec.HookID, &exec.HookType, &correlation, &blob, &result,
		&ts, &exec.DurationMS, &trigger, &compo, &modified, &tags,
		&exec.RetentionPriority, &exec.ContextSize, &sensitive, &meta,
	)
	if err != nil {
		return nil, err
	}
	raw, err := decompressContext(blob)
	if err != nil {
		return nil, err
	}
	exec.HookContext = raw
	exec.CorrelationID = correlation.String
	exec.TriggeringComponent = trigger.String
	exec.ComponentID = compo.String
	exec.Timestamp = time.Unix(ts, 0).UTC()
	exec.ModifiedOperation = modified != 0
	exec.ContainsSensitiveData = sensitive != 0
	if result.Valid {
		exec.ResultData = json.RawMessage(result.String)
	}
	if err := unmarshalNullable(tags, &exec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalNullable(meta, &exec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &exec, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

var _ HistoryStore = (*HookHistory)(nil)
