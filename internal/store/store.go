// Package store persists runtime data in an embedded libSQL database: the
// tenant-scoped hook history, key-value storage for workflow state and the
// per-execution runtime event log.
package store

import (
	"context"
	"time"
)

// HistoryStore is the hook history contract. Every call is scoped to the
// tenant the store was created for. Implementations must be safe for
// concurrent use.
type HistoryStore interface {
	StoreExecution(ctx context.Context, exec *SerializedHookExecution) error
	LoadExecution(ctx context.Context, executionID string) (*SerializedHookExecution, error)
	ByCorrelationID(ctx context.Context, correlationID string, limit int) ([]*SerializedHookExecution, error)
	ByHookID(ctx context.Context, hookID string, r Range) ([]*SerializedHookExecution, error)
	ByType(ctx context.Context, hookType string, r Range) ([]*SerializedHookExecution, error)
	ArchiveExecutions(ctx context.Context, before time.Time, maxRetentionPriority int32) (int64, error)
	Statistics(ctx context.Context) (*HistoryStats, error)
}
