package engine

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// Replay creates a fresh pending execution of a failed one, pinned to
// the same definition version and seeded with the checkpoint state the
// source had accumulated when the target node first started. The source
// execution is never mutated; the new execution records its lineage in
// replay_of.
//
// fromNodeID selects where the replay resumes; empty means the node the
// source failed on.
func (e *Engine) Replay(ctx context.Context, executionID, fromNodeID string) (*store.Execution, error) {
	src, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if src.Status != schema.ExecutionFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s; only failed executions can be replayed", executionID, src.Status)
	}

	def, err := e.Definition(ctx, src.WorkflowID, src.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	target := fromNodeID
	if target == "" {
		target = src.CurrentNodeID
	}
	if target == "" {
		target = def.Graph.EntryNodeID()
	}
	if def.Graph.Node(target) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %q not present in workflow %s v%d", target, src.WorkflowID, src.WorkflowVersion)
	}

	checkpoint, err := e.checkpointBefore(ctx, src, target)
	if err != nil {
		return nil, err
	}

	replay := &store.Execution{
		WorkflowID:      src.WorkflowID,
		WorkflowVersion: src.WorkflowVersion,
		Status:          schema.ExecutionPending,
		CurrentNodeID:   target,
		State:           checkpoint,
		TriggerPayload:  src.TriggerPayload,
		ReplayOf:        src.ID,
		ParentID:        src.ParentID,
	}
	if err := e.store.CreateExecution(ctx, replay); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"replay_of": src.ID,
		"from_node": target,
	})
	event := &store.Event{
		ExecutionID: replay.ID,
		NodeID:      target,
		Type:        schema.EventExecutionReplayed,
		Level:       schema.LogInfo,
		Message:     fmt.Sprintf("replay of %s from node %s", src.ID, target),
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	e.publish([]*store.Event{event})

	e.logger.Info("execution replayed",
		"execution_id", replay.ID,
		"replay_of", src.ID,
		"from_node", target)
	return replay, nil
}

// checkpointBefore reconstructs the accumulated state as of the moment
// the target node first started in the source execution: the fold of
// every node_completed payload recorded before that point, in sequence
// order. The fold is the same merge the live engine applies, so a
// replayed execution resumes from a state the original actually had.
func (e *Engine) checkpointBefore(ctx context.Context, src *store.Execution, target string) (json.RawMessage, error) {
	events, err := e.store.ListEvents(ctx, store.EventFilter{ExecutionID: src.ID})
	if err != nil {
		return nil, err
	}

	var state json.RawMessage
	reached := false
	for _, ev := range events {
		if ev.NodeID == target && ev.Type == schema.EventNodeStarted {
			reached = true
			break
		}
		if ev.Type == schema.EventNodeCompleted && len(ev.Payload) > 0 {
			state, err = MergeState(state, ev.Payload)
			if err != nil {
				return nil, err
			}
		}
	}
	if !reached {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %q was never reached by execution %s", target, src.ID)
	}
	return state, nil
}
