package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/pkg/schema"
)

// ExecutionNotifier pushes execution lifecycle updates to connected clients.
type ExecutionNotifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements ExecutionNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the execution.
// Best-effort: returns nil if nobody is watching.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil // nobody watching, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// WatchHub subscribes to the event hub and pushes lifecycle updates to
// whichever session triggered each execution. Blocks until ctx is done
// or the hub closes the subscription.
func (s *RelayServer) WatchHub(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}

	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventExecutionCompleted,
			schema.EventExecutionFailed,
			schema.EventExecutionCancelled,
			schema.EventExecutionSuspended,
		},
	})
	if err != nil {
		return err
	}
	defer cancel()

	notifier := NewMCPNotifier(s.mcpServer, s.sessions)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.pushEvent(ctx, notifier, event)
		}
	}
}

// pushEvent forwards one lifecycle event and retires the session
// mapping once the execution is terminal. Suspensions keep the mapping
// alive: the watcher will likely signal the execution next.
func (s *RelayServer) pushEvent(ctx context.Context, notifier ExecutionNotifier, event streaming.StreamEvent) {
	payload := map[string]any{
		"execution_id": event.ExecutionID,
		"event_type":   event.EventType,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if event.Message != "" {
		payload["message"] = event.Message
	}

	if err := notifier.Notify(ctx, event.ExecutionID, payload); err != nil {
		s.logger.Warn("failed to push execution event",
			"execution_id", event.ExecutionID,
			"event_type", event.EventType,
			"error", err)
	}

	if event.EventType != schema.EventExecutionSuspended {
		s.sessions.Forget(event.ExecutionID)
	}
}
