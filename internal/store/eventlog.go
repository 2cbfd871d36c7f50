package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

// EventLog persists runtime events with a contiguous per-execution
// sequence, for post-mortem inspection of finished runs.
type EventLog struct {
	db     *DB
	tenant string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewEventLog scopes an event log to tenant.
func NewEventLog(db *DB, tenant string, logger *slog.Logger) *EventLog {
	return &EventLog{db: db, tenant: tenant, logger: logging.OrDefault(logger)}
}

// Append stores e and returns the sequence it was assigned. Events without
// an execution id are not stored.
func (el *EventLog) Append(ctx context.Context, e streaming.Event) (int64, error) {
	if e.ExecutionID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	payload, err := marshalOrNull(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	ts := timeOrNow(e.Timestamp)

	el.mu.Lock()
	defer el.mu.Unlock()

	tx, err := el.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM runtime_events WHERE tenant_id = ? AND execution_id = ?`,
		el.tenant, e.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runtime_events (tenant_id, execution_id, sequence, event_type, source, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		el.tenant, e.ExecutionID, seq, e.Type, nullStr(e.Source), payload, ts.UnixMilli(),
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "insert event").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// Events returns the events of one execution with sequence > since, in
// sequence order.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*StoredEvent, error) {
	rows, err := el.db.SQL().QueryContext(ctx,
		`SELECT execution_id, sequence, event_type, COALESCE(source, ''), payload, timestamp
		 FROM runtime_events WHERE tenant_id = ? AND execution_id = ? AND sequence > ?
		 ORDER BY sequence ASC`,
		el.tenant, executionID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query events").WithCause(err)
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			payload []byte
			ms      int64
		)
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &e.Type, &e.Source, &payload, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// StepReplay is a step's state reconstructed from its events.
type StepReplay struct {
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Last       json.RawMessage `json:"last,omitempty"`
}

// ReplaySteps folds the step events of an execution into per-step state,
// keyed by step name. A gap in the sequence is a STORE error.
func (el *EventLog) ReplaySteps(ctx context.Context, executionID string) (map[string]*StepReplay, error) {
	events, err := el.Events(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	steps := make(map[string]*StepReplay)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, want, e.Sequence)
		}
		if e.Source == "" {
			continue
		}

		var st *StepReplay
		switch e.Type {
		case schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed, schema.EventStepRetrying:
			st = steps[e.Source]
			if st == nil {
				st = &StepReplay{Name: e.Source}
				steps[e.Source] = st
			}
		default:
			continue
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			st.Status = "running"
			st.Attempts++
			if st.StartedAt == nil {
				st.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			st.Status = "retrying"
		case schema.EventStepCompleted:
			st.Status = string(schema.StepStatusCompleted)
			st.FinishedAt = &ts
			st.Last = e.Payload
		case schema.EventStepFailed:
			st.Status = string(schema.StepStatusFailed)
			st.FinishedAt = &ts
			st.Last = e.Payload
		}
	}
	return steps, nil
}

// Run subscribes to hub and appends every execution-scoped event until
// ctx is done. Append failures are logged and do not stop the sink.
func (el *EventLog) Run(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe event log: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.ExecutionID == "" {
				continue
			}
			if _, err := el.Append(context.WithoutCancel(ctx), e); err != nil {
				el.logger.Warn("event log append failed",
					slog.String("type", e.Type),
					slog.String(logging.ErrorKey, err.Error()))
			}
		}
	}
}
