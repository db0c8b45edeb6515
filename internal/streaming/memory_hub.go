package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/relay/pkg/schema"
)

// MemoryHub is the in-process EventHub. Publishing never blocks: a
// subscriber that cannot keep up loses events, which is fine because
// every event is already committed to the durable log before it reaches
// the hub — the events endpoint replays what the live tail missed.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// HubStats is a point-in-time snapshot of hub counters.
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewMemoryHub creates a MemoryHub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		buffer: 64,
		subs:   make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish fans an event out to every matching subscriber. Full
// subscriber buffers drop the event and bump the dropped counter.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return schema.NewError(schema.ErrCodeConflict, "event hub is closed")
	}

	h.published.Add(1)
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

// Subscribe registers a filtered subscriber. The returned channel is
// closed when the cancel function runs or the hub shuts down, so
// consumers can range over it. Cancel is idempotent.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "event hub is closed")
	}
	h.nextID++
	id := h.nextID
	sub := &subscription{
		ch:     make(chan StreamEvent, h.buffer),
		filter: filter,
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() { h.unsubscribe(id) }
	return sub.ch, cancel, nil
}

// unsubscribe removes and closes one subscription. Closing under the
// write lock is safe: Publish sends only under the read lock, so no
// send can be in flight here.
func (h *MemoryHub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// Close ends every subscription and rejects further publishes and
// subscribes. Live consumers see their channel close.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Stats returns a snapshot of the hub counters.
func (h *MemoryHub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
