package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/pkg/schema"
)

func newTestHistory(t *testing.T, db *DB, tenant string) *HookHistory {
	t.Helper()
	h, err := NewHookHistory(db, tenant)
	require.NoError(t, err)
	return h
}

func sampleExecution(hookID, hookType string, ts time.Time) *SerializedHookExecution {
	return &SerializedHookExecution{
		ExecutionID: uuid.NewString(),
		HookID:      hookID,
		HookType:    hookType,
		HookContext: json.RawMessage(`{"point":"` + hookType + `","data":{"step":"fetch"}}`),
		Timestamp:   ts,
		DurationMS:  12,
	}
}

func TestNewHookHistory_RequiresTenant(t *testing.T) {
	_, err := NewHookHistory(newTestDB(t), "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestStoreExecution_RoundTrip(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	exec := &SerializedHookExecution{
		ExecutionID:           uuid.NewString(),
		HookID:                "audit",
		HookType:              string(schema.HookStepComplete),
		CorrelationID:         "corr-1",
		HookContext:           json.RawMessage(`{"point":"step_complete","data":{"output":"hello"}}`),
		ResultData:            json.RawMessage(`{"kind":"modify","payload":{"x":1}}`),
		Timestamp:             time.Date(2026, 3, 4, 10, 0, 0, 500, time.UTC),
		DurationMS:            42,
		TriggeringComponent:   "fetch",
		ComponentID:           uuid.NewString(),
		ModifiedOperation:     true,
		Tags:                  []string{"modify"},
		RetentionPriority:     3,
		ContainsSensitiveData: true,
		Metadata:              map[string]string{"workflow": "ingest"},
	}
	require.NoError(t, h.StoreExecution(ctx, exec))
	assert.Equal(t, int32(len(exec.HookContext)), exec.ContextSize)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), exec.Timestamp)

	got, err := h.LoadExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec, got)
}

func TestStoreExecution_OptionalFieldsStayEmpty(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	exec := sampleExecution("h", "workflow_start", time.Now())
	exec.HookContext = nil
	require.NoError(t, h.StoreExecution(ctx, exec))

	got, err := h.LoadExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, got.HookContext)
	assert.Nil(t, got.ResultData)
	assert.Nil(t, got.Tags)
	assert.Nil(t, got.Metadata)
	assert.Empty(t, got.CorrelationID)
	assert.Equal(t, int32(0), got.ContextSize)
}

func TestStoreExecution_EmptyCollectionsRoundTrip(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	exec := sampleExecution("h", "step_complete", time.Now())
	exec.Tags = []string{}
	exec.Metadata = map[string]string{}
	require.NoError(t, h.StoreExecution(ctx, exec))

	got, err := h.LoadExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, got.Tags)
	require.NotNil(t, got.Metadata)
	assert.Empty(t, got.Tags)
	assert.Empty(t, got.Metadata)
	assert.Equal(t, exec, got)
}

func TestStoreExecution_DuplicateIsConflict(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	exec := sampleExecution("h", "step_start", time.Now())
	require.NoError(t, h.StoreExecution(ctx, exec))
	err := h.StoreExecution(ctx, exec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestStoreExecution_Validation(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	assert.True(t, schema.IsCode(h.StoreExecution(ctx, nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(h.StoreExecution(ctx, &SerializedHookExecution{ExecutionID: "x"}), schema.ErrCodeValidation))
}

func TestLoadExecution_NotFound(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	_, err := h.LoadExecution(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestHistory_TenantIsolation(t *testing.T) {
	db := newTestDB(t)
	acme := newTestHistory(t, db, "acme")
	globex := newTestHistory(t, db, "globex")
	ctx := context.Background()

	exec := sampleExecution("audit", "step_start", time.Now())
	exec.CorrelationID = "shared"
	require.NoError(t, acme.StoreExecution(ctx, exec))

	_, err := globex.LoadExecution(ctx, exec.ExecutionID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	other, err := globex.ByCorrelationID(ctx, "shared", 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	// Same execution id is allowed under another tenant.
	dup := *exec
	require.NoError(t, globex.StoreExecution(ctx, &dup))

	stats, err := globex.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalExecutions)
}

func TestByCorrelationID_NewestFirstWithLimit(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	var ids []string
	for i := 0; i < 5; i++ {
		exec := sampleExecution("audit", "step_start", base.Add(time.Duration(i)*time.Minute))
		exec.CorrelationID = "run-1"
		require.NoError(t, h.StoreExecution(ctx, exec))
		ids = append(ids, exec.ExecutionID)
	}
	noise := sampleExecution("audit", "step_start", base)
	noise.CorrelationID = "run-2"
	require.NoError(t, h.StoreExecution(ctx, noise))

	got, err := h.ByCorrelationID(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[4], got[0].ExecutionID)
	assert.Equal(t, ids[3], got[1].ExecutionID)
	assert.Equal(t, ids[2], got[2].ExecutionID)
}

func TestByHookIDAndType_TimeRange(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.StoreExecution(ctx, sampleExecution("audit", "step_start", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, h.StoreExecution(ctx, sampleExecution("metrics", "step_complete", base)))

	all, err := h.ByHookID(ctx, "audit", Range{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	window, err := h.ByHookID(ctx, "audit", Range{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, base.Add(2*time.Hour), window[0].Timestamp)

	byType, err := h.ByType(ctx, "step_complete", Range{Limit: 10})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "metrics", byType[0].HookID)
}

func TestArchiveExecutions_HonoursAgeAndPriority(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()
	now := time.Now()

	oldLow := sampleExecution("a", "step_start", now.Add(-48*time.Hour))
	oldHigh := sampleExecution("a", "step_start", now.Add(-48*time.Hour))
	oldHigh.RetentionPriority = 9
	recent := sampleExecution("a", "step_start", now)
	for _, e := range []*SerializedHookExecution{oldLow, oldHigh, recent} {
		require.NoError(t, h.StoreExecution(ctx, e))
	}

	n, err := h.ArchiveExecutions(ctx, now.Add(-24*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.LoadExecution(ctx, oldLow.ExecutionID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = h.LoadExecution(ctx, oldHigh.ExecutionID)
	assert.NoError(t, err)
	_, err = h.LoadExecution(ctx, recent.ExecutionID)
	assert.NoError(t, err)
}

func TestStatistics(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	empty, err := h.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalExecutions)
	assert.Nil(t, empty.OldestTimestamp)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, spec := range []struct{ hook, typ string }{
		{"audit", "step_start"},
		{"audit", "step_complete"},
		{"trace", "step_start"},
	} {
		e := sampleExecution(spec.hook, spec.typ, base.Add(time.Duration(i)*time.Minute))
		e.DurationMS = int64(10 * (i + 1))
		require.NoError(t, h.StoreExecution(ctx, e))
	}

	stats, err := h.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalExecutions)
	assert.Positive(t, stats.TotalSizeBytes)
	assert.Equal(t, base, *stats.OldestTimestamp)
	assert.Equal(t, base.Add(2*time.Minute), *stats.NewestTimestamp)
	assert.Equal(t, map[string]int64{"audit": 2, "trace": 1}, stats.ExecutionsPerHook)
	assert.Equal(t, map[string]int64{"step_start": 2, "step_complete": 1}, stats.ExecutionsPerType)
	assert.InDelta(t, 20.0, stats.AvgDurationMS, 0.001)
}

func TestStoreExecution_ConcurrentWriters(t *testing.T) {
	h := newTestHistory(t, newTestDB(t), "acme")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, h.StoreExecution(ctx, sampleExecution(fmt.Sprintf("hook-%d", i), "step_start", time.Now())))
			}
		}(i)
	}
	wg.Wait()

	stats, err := h.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), stats.TotalExecutions)
	assert.Len(t, stats.ExecutionsPerHook, 8)
}
