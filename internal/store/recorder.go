package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBuffer sets how many records may wait for the writer.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithRecorderMetrics counts writes and drops.
func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithRecorderLogger sets the logger for write failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRetentionPriority sets the priority stamped on records at a hook point.
func WithRetentionPriority(point string, priority int32) RecorderOption {
	return func(r *Recorder) { r.priorities[point] = priority }
}

// WithSensitiveKeys marks records whose hook data carries any of keys.
func WithSensitiveKeys(keys ...string) RecorderOption {
	return func(r *Recorder) { r.sensitive = append(r.sensitive, keys...) }
}

// Recorder is a hooks.Recorder that writes execution records to a
// HistoryStore from a background goroutine. Record never blocks: when the
// buffer is full the record is dropped and counted.
type Recorder struct {
	store      HistoryStore
	buffer     int
	priorities map[string]int32
	sensitive  []string
	metrics    *metrics.Metrics
	logger     *slog.Logger

	ch     chan hooks.ExecutionRecord
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the writer goroutine.
func NewRecorder(store HistoryStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		buffer:     1024,
		priorities: map[string]int32{},
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.OrDefault(r.logger)
	r.ch = make(chan hooks.ExecutionRecord, r.buffer)
	r.done = make(chan struct{})
	go r.loop()
	return r
}

// Record queues rec for storage.
func (r *Recorder) Record(rec hooks.ExecutionRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.HistoryDropped()
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.metrics.HistoryDropped()
	}
}

// Close stops accepting records and waits until the queued ones are
// written or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for rec := range r.ch {
		exec, err := r.serialize(rec)
		if err == nil {
			err = r.store.StoreExecution(context.Background(), exec)
		}
		r.metrics.HistoryWrite(err)
		if err != nil {
			r.logger.Warn("hook history write failed",
				slog.String(logging.HookIDKey, rec.HookID),
				slog.String(logging.ErrorKey, err.Error()))
		}
	}
}

func (r *Recorder) serialize(rec hooks.ExecutionRecord) (*SerializedHookExecution, error) {
	exec := &SerializedHookExecution{
		ExecutionID:       rec.ExecutionID,
		HookID:            rec.HookID,
		Timestamp:         rec.Timestamp,
		DurationMS:        rec.Duration.Milliseconds(),
		ModifiedOperation: rec.Result.IsModify(),
		Tags:              []string{string(rec.Result.Kind)},
		Metadata:          map[string]string{},
	}
	if rec.Panicked {
		exec.Tags = append(exec.Tags, "panicked")
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = time.Now().UTC()
	}

	if hc := rec.Context; hc != nil {
		exec.HookType = string(hc.Point)
		exec.CorrelationID = hc.CorrelationID
		exec.TriggeringComponent = hc.Component
		if !hc.ComponentID.IsZero() {
			exec.ComponentID = hc.ComponentID.String()
		}
		if hc.ExecutionID != "" {
			exec.Metadata["workflow_execution_id"] = hc.ExecutionID
		}
		if hc.WorkflowName != "" {
			exec.Metadata["workflow"] = hc.WorkflowName
		}
		exec.RetentionPriority = r.priorities[exec.HookType]
		for _, k := range r.sensitive {
			if _, ok := hc.Data[k]; ok {
				exec.ContainsSensitiveData = true
				break
			}
		}
		raw, err := json.Marshal(hc)
		if err != nil {
			return nil, err
		}
		exec.HookContext = raw
	}

	if rec.Result.Payload != nil || rec.Result.Reason != "" {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return nil, err
		}
		exec.ResultData = raw
	}
	return exec, nil
}

var _ hooks.Recorder = (*Recorder)(nil)
