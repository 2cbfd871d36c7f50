package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

func newTestEventLog(t *testing.T) *EventLog {
	t.Helper()
	return NewEventLog(newTestDB(t), "acme", nil)
}

func TestEventLog_Append_MonotonicSequence(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := el.Append(ctx, streaming.Event{ExecutionID: "exec-1", Type: schema.EventStepStarted, Source: "a"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}
	seq, err := el.Append(ctx, streaming.Event{ExecutionID: "exec-2", Type: schema.EventWorkflowStarted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequences are per execution")
}

func TestEventLog_Append_RequiresExecutionID(t *testing.T) {
	el := newTestEventLog(t)
	_, err := el.Append(context.Background(), streaming.Event{Type: schema.EventConfigChanged})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEventLog_Append_ConcurrentWritersStayContiguous(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := el.Append(ctx, streaming.Event{ExecutionID: "exec-1", Type: schema.EventScriptEvent})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := el.Events(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_Events_SinceAndPayload(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 9, 30, 0, 123_000_000, time.UTC)

	_, err := el.Append(ctx, streaming.Event{ExecutionID: "e", Type: schema.EventStepStarted, Source: "fetch", Timestamp: ts})
	require.NoError(t, err)
	_, err = el.Append(ctx, streaming.Event{ExecutionID: "e", Type: schema.EventStepCompleted, Source: "fetch",
		Payload: map[string]any{"output": "ok"}, Timestamp: ts.Add(time.Second)})
	require.NoError(t, err)

	events, err := el.Events(ctx, "e", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, "fetch", got.Source)
	assert.Equal(t, ts.Add(time.Second), got.Timestamp)
	assert.JSONEq(t, `{"output":"ok"}`, string(got.Payload))

	first, err := el.Events(ctx, "e", 0)
	require.NoError(t, err)
	assert.Nil(t, first[0].Payload)
}

func TestEventLog_TenantIsolation(t *testing.T) {
	db := newTestDB(t)
	acme := NewEventLog(db, "acme", nil)
	globex := NewEventLog(db, "globex", nil)
	ctx := context.Background()

	_, err := acme.Append(ctx, streaming.Event{ExecutionID: "e", Type: schema.EventStepStarted})
	require.NoError(t, err)
	seq, err := globex.Append(ctx, streaming.Event{ExecutionID: "e", Type: schema.EventStepStarted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	events, err := globex.Events(ctx, "e", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_ReplaySteps(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	appendAll := []streaming.Event{
		{Type: schema.EventWorkflowStarted, Source: "ingest"},
		{Type: schema.EventStepStarted, Source: "fetch"},
		{Type: schema.EventStepRetrying, Source: "fetch"},
		{Type: schema.EventStepStarted, Source: "fetch"},
		{Type: schema.EventStepCompleted, Source: "fetch", Payload: map[string]any{"output": 1}},
		{Type: schema.EventStepStarted, Source: "store"},
		{Type: schema.EventStepFailed, Source: "store", Payload: map[string]any{"error": "disk full"}},
		{Type: schema.EventStepStarted, Source: "notify"},
	}
	for _, e := range appendAll {
		e.ExecutionID = "exec"
		_, err := el.Append(ctx, e)
		require.NoError(t, err)
	}

	steps, err := el.ReplaySteps(ctx, "exec")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "completed", steps["fetch"].Status)
	assert.Equal(t, 2, steps["fetch"].Attempts)
	assert.NotNil(t, steps["fetch"].FinishedAt)
	assert.JSONEq(t, `{"output":1}`, string(steps["fetch"].Last))

	assert.Equal(t, "failed", steps["store"].Status)
	var failure map[string]any
	require.NoError(t, json.Unmarshal(steps["store"].Last, &failure))
	assert.Equal(t, "disk full", failure["error"])

	assert.Equal(t, "running", steps["notify"].Status)
	assert.Nil(t, steps["notify"].FinishedAt)
}

func TestEventLog_ReplaySteps_DetectsGap(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := el.Append(ctx, streaming.Event{ExecutionID: "exec", Type: schema.EventStepStarted, Source: "a"})
		require.NoError(t, err)
	}
	_, err := el.db.SQL().ExecContext(ctx, `DELETE FROM runtime_events WHERE sequence = 2`)
	require.NoError(t, err)

	_, err = el.ReplaySteps(ctx, "exec")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_Run_PersistsHubEvents(t *testing.T) {
	el := newTestEventLog(t)
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- el.Run(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.Event{Type: schema.EventConfigChanged}))
	require.NoError(t, hub.Publish(ctx, streaming.Event{ExecutionID: "exec", Type: schema.EventStepStarted, Source: "a"}))
	require.NoError(t, hub.Publish(ctx, streaming.Event{ExecutionID: "exec", Type: schema.EventStepCompleted, Source: "a"}))

	require.Eventually(t, func() bool {
		events, err := el.Events(context.Background(), "exec", 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event log sink did not stop")
	}
}
