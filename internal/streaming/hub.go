package streaming

import (
	"context"
	"strings"
	"time"
)

// Event is a runtime notification: step and workflow lifecycle, script
// events emitted through the bindings, debugger stops and config changes.
type Event struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	Source      string    `json:"source,omitempty"` // step, workflow or event name
	Type        string    `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter selects the events a subscriber receives. Zero fields match everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
	TypePrefix  string   `json:"type_prefix,omitempty"`
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.TypePrefix != "" && !strings.HasPrefix(e.Type, f.TypePrefix) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Hub is a pub/sub fan-out for runtime events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
