package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 64

type subscription struct {
	ch     chan Event
	filter Filter
	once   sync.Once
}

// MemoryHub is an in-process Hub. Publishing never blocks: events for a
// subscriber whose buffer is full are dropped and counted.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Int64
	buffer  int
	now     func() time.Time
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer events
// (64 when buffer <= 0).
func NewMemoryHub(buffer ...int) *MemoryHub {
	size := defaultBuffer
	if len(buffer) > 0 && buffer[0] > 0 {
		size = buffer[0]
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscription),
		buffer: size,
		now:    time.Now,
	}
}

// Publish delivers event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; it is also called when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscription{ch: make(chan Event, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

var _ Hub = (*MemoryHub)(nil)
