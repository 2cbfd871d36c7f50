package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

// EventHookComponent is the component name of hook contexts raised by
// Event.emit.
const EventHookComponent = "script_event"

// EventStats counts the traffic of the Event global.
type EventStats struct {
	Emitted       int64            `json:"emitted"`
	Cancelled     int64            `json:"cancelled"`
	ByName        map[string]int64 `json:"by_name"`
	Subscriptions int              `json:"subscriptions"`
}

type eventSub struct {
	pattern string
	ch      <-chan streaming.Event
	cancel  func()
}

// EventNamespace is the Event global. Emitted events run the hooks
// registered at custom:{name} and are then published on the hub as
// script_event.
type EventNamespace struct {
	b *Bindings

	mu        sync.Mutex
	subs      map[string]*eventSub
	emitted   int64
	cancelled int64
	byName    map[string]int64
}

func newEventNamespace(b *Bindings) *EventNamespace {
	return &EventNamespace{b: b, subs: make(map[string]*eventSub), byName: make(map[string]int64)}
}

// Emit raises a script event. A Cancel verdict from a hook stops the event
// and is returned as a CANCELLED error; a Modify verdict carrying an object
// replaces the data.
func (e *EventNamespace) Emit(ctx context.Context, name string, data map[string]any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	data = dotpath.CloneMap(data)

	if hx := e.b.hooks; hx != nil {
		agg := hx.ExecuteHooks(ctx, &hooks.Context{
			Point:       schema.CustomHookPoint(name),
			Component:   EventHookComponent,
			ComponentID: schema.NewComponentID(EventHookComponent + ":" + name),
			ExecutionID: logging.ExecutionID(ctx),
			Data:        map[string]any{"event": name, "data": data},
		})
		if agg.Cancelled() {
			e.count(name, true)
			return schema.NewErrorf(schema.ErrCodeCancelled, "event %q cancelled: %s", name, agg.Verdict.Reason)
		}
		if agg.Verdict.IsModify() {
			if m, ok := agg.Verdict.Payload.(map[string]any); ok {
				data = m
			}
		}
	}
	e.count(name, false)

	if e.b.hub == nil {
		return nil
	}
	if err := e.b.hub.Publish(ctx, streaming.Event{
		ExecutionID: logging.ExecutionID(ctx),
		Source:      name,
		Type:        schema.EventScriptEvent,
		Payload:     data,
		Timestamp:   time.Now(),
	}); err != nil {
		return fmt.Errorf("publish event %s: %w", name, err)
	}
	return nil
}

func (e *EventNamespace) count(name string, cancelled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancelled {
		e.cancelled++
		return
	}
	e.emitted++
	e.byName[name]++
}

// Subscribe receives script events whose name matches pattern, a glob such
// as "user.*". The returned id is passed to Receive and Unsubscribe.
func (e *EventNamespace) Subscribe(pattern string) (string, error) {
	if e.b.hub == nil {
		return "", schema.NewError(schema.ErrCodeConfig, "event hub is not configured")
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "bad event pattern %q", pattern).WithCause(err)
	}
	ch, cancel, err := e.b.hub.Subscribe(context.Background(), streaming.Filter{Types: []string{schema.EventScriptEvent}})
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.subs[id] = &eventSub{pattern: pattern, ch: ch, cancel: cancel}
	e.mu.Unlock()
	e.b.logger.Debug("event subscription added", slog.String("id", id), slog.String("pattern", pattern))
	return id, nil
}

// Receive waits up to timeout for the next matching event. It returns nil
// when the timeout elapses first.
func (e *EventNamespace) Receive(ctx context.Context, id string, timeout time.Duration) (*streaming.Event, error) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", id)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q closed", id)
			}
			if matched, _ := path.Match(sub.pattern, ev.Source); matched {
				return &ev, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Unsubscribe closes a subscription.
func (e *EventNamespace) Unsubscribe(id string) bool {
	e.mu.Lock()
	sub, ok := e.subs[id]
	delete(e.subs, id)
	e.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return ok
}

// Stats returns emission counters.
func (e *EventNamespace) Stats() EventStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	by := make(map[string]int64, len(e.byName))
	for k, v := range e.byName {
		by[k] = v
	}
	return EventStats{Emitted: e.emitted, Cancelled: e.cancelled, ByName: by, Subscriptions: len(e.subs)}
}

func (e *EventNamespace) close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[string]*eventSub)
	e.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}
