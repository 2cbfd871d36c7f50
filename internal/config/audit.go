package config

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChangeType classifies an audited operation.
type ChangeType string

const (
	ChangeRead         ChangeType = "Read"
	ChangeCreate       ChangeType = "Create"
	ChangeUpdate       ChangeType = "Update"
	ChangeDelete       ChangeType = "Delete"
	ChangeSecretAccess ChangeType = "SecretAccess"
)

// Audit paths for operations that are not about a single key.
const (
	PathFullConfig      = "<full_config>"
	PathSnapshot        = "<snapshot>"
	PathSnapshotRestore = "<snapshot_restore>"
)

// DefaultAuditCap bounds the audit trail.
const DefaultAuditCap = 1000

// AuditEntry records one access to the tree, allowed or not.
type AuditEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	ChangeType ChangeType `json:"change_type"`
	Path       string     `json:"path"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value,omitempty"`
	Allowed    bool       `json:"allowed"`
	DenyReason string     `json:"deny_reason,omitempty"`
}

// auditTrail keeps the newest entries up to cap. Log lines for entries are
// rate limited; the trail itself never drops an entry below cap.
type auditTrail struct {
	mu         sync.Mutex
	entries    []AuditEntry
	cap        int
	limiter    *rate.Limiter
	suppressed int
	logger     *slog.Logger
}

func newAuditTrail(capacity int, limiter *rate.Limiter, logger *slog.Logger) *auditTrail {
	if capacity <= 0 {
		capacity = DefaultAuditCap
	}
	return &auditTrail{cap: capacity, limiter: limiter, logger: logger}
}

func (t *auditTrail) add(e AuditEntry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	if over := len(t.entries) - t.cap; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
	logIt := t.limiter == nil || t.limiter.Allow()
	suppressed := 0
	if logIt {
		suppressed, t.suppressed = t.suppressed, 0
	} else {
		t.suppressed++
	}
	t.mu.Unlock()

	if !logIt {
		return
	}
	attrs := []any{
		slog.String("source", e.Source),
		slog.String("change_type", string(e.ChangeType)),
		slog.String("path", e.Path),
		slog.Bool("allowed", e.Allowed),
	}
	if suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", suppressed))
	}
	if !e.Allowed {
		t.logger.Warn("config access denied", append(attrs, slog.String("reason", e.DenyReason))...)
		return
	}
	t.logger.Debug("config access", attrs...)
}

func (t *auditTrail) list() []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AuditEntry(nil), t.entries...)
}
