package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// StreamEvent is the live mirror of one execution event-log entry. The
// durable copy is already committed when a StreamEvent is published, so
// dropping one loses nothing.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	EventType   string          `json:"event_type"`
	Level       schema.LogLevel `json:"level,omitempty"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Match reports whether an event passes the filter. An empty filter
// matches everything.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for live execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// FromStoreEvent converts a committed event-log entry to its live form.
func FromStoreEvent(ev *store.Event) StreamEvent {
	return StreamEvent{
		ExecutionID: ev.ExecutionID,
		NodeID:      ev.NodeID,
		EventType:   ev.Type,
		Level:       ev.Level,
		Message:     ev.Message,
		Payload:     ev.Payload,
		Sequence:    ev.Sequence,
		Timestamp:   ev.Timestamp,
	}
}

// HubPublisher forwards committed event-log entries into an EventHub.
// It satisfies the engine's fire-and-forget publish hook.
type HubPublisher struct {
	hub EventHub
}

// NewHubPublisher creates a HubPublisher backed by the given hub.
func NewHubPublisher(hub EventHub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish converts and forwards one entry. Errors are ignored: the entry
// is already durable and the hub only serves live tails.
func (p *HubPublisher) Publish(ev *store.Event) {
	if p == nil || p.hub == nil || ev == nil {
		return
	}
	_ = p.hub.Publish(context.Background(), FromStoreEvent(ev))
}
