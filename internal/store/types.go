package store

import (
	"encoding/json"
	"time"
)

// SerializedHookExecution is one stored hook invocation. HookContext holds
// the uncompressed context; it is compressed on write.
type SerializedHookExecution struct {
	ExecutionID           string            `json:"execution_id"`
	HookID                string            `json:"hook_id"`
	HookType              string            `json:"hook_type"`
	CorrelationID         string            `json:"correlation_id,omitempty"`
	HookContext           json.RawMessage   `json:"hook_context"`
	ResultData            json.RawMessage   `json:"result_data,omitempty"`
	Timestamp             time.Time         `json:"timestamp"` // second precision once stored
	DurationMS            int64             `json:"duration_ms"`
	TriggeringComponent   string            `json:"triggering_component,omitempty"`
	ComponentID           string            `json:"component_id,omitempty"`
	ModifiedOperation     bool              `json:"modified_operation"`
	Tags                  []string          `json:"tags,omitempty"`
	RetentionPriority     int32             `json:"retention_priority"`
	ContextSize           int32             `json:"context_size"` // uncompressed bytes, set on write
	ContainsSensitiveData bool              `json:"contains_sensitive_data"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Range bounds a history query. Zero times are open ends; a zero Limit
// uses DefaultLimit.
type Range struct {
	From  time.Time
	To    time.Time
	Limit int
}

// DefaultLimit caps queries that do not set one.
const DefaultLimit = 100

// HistoryStats summarizes a tenant's stored hook executions.
type HistoryStats struct {
	TotalExecutions   int64            `json:"total_executions"`
	TotalSizeBytes    int64            `json:"total_size_bytes"` // compressed
	OldestTimestamp   *time.Time       `json:"oldest_timestamp,omitempty"`
	NewestTimestamp   *time.Time       `json:"newest_timestamp,omitempty"`
	ExecutionsPerHook map[string]int64 `json:"executions_per_hook"`
	ExecutionsPerType map[string]int64 `json:"executions_per_type"`
	AvgDurationMS     float64          `json:"avg_duration_ms"`
}

// StoredEvent is a runtime event persisted by the EventLog.
type StoredEvent struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	Source      string          `json:"source,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
