package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

// runStoreTests runs the behavioral suite against a backend. factory must
// return a store with empty tables.
func runStoreTests(t *testing.T, factory func(t *testing.T) Store) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"PublishDefinition", testPublishDefinition},
		{"ExecutionLifecycle", testExecutionLifecycle},
		{"ClaimLease", testClaimLease},
		{"ClaimEligibility", testClaimEligibility},
		{"ClaimAtMostOnce", testClaimAtMostOnce},
		{"LeaseExpiry", testLeaseExpiry},
		{"PersistStepEvents", testPersistStepEvents},
		{"RequestCancel", testRequestCancel},
		{"PauseResume", testPauseResume},
		{"Signals", testSignals},
		{"RouteSignal", testRouteSignal},
		{"Schedules", testSchedules},
		{"EventLog", testEventLog},
		{"PurgeHistory", testPurgeHistory},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			sc.fn(t, factory(t))
		})
	}
}

func seedDefinition(t *testing.T, s Store, workflowID string) *Definition {
	t.Helper()
	def, err := s.PublishDefinition(context.Background(), &Definition{
		Document: schema.WorkflowDefinition{
			WorkflowID: workflowID,
			Name:       "test workflow",
			Graph: schema.Graph{
				Nodes: []schema.Node{
					{ID: "a", Type: "log"},
					{ID: "b", Type: "log"},
				},
				Edges: []schema.Edge{{From: "a", To: "b"}},
			},
		},
	})
	require.NoError(t, err)
	return def
}

func seedExecution(t *testing.T, s Store, def *Definition) *Execution {
	t.Helper()
	exec := &Execution{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		TriggerPayload:  json.RawMessage(`{"source":"test"}`),
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var relayErr *schema.RelayError
	require.ErrorAs(t, err, &relayErr)
	return relayErr.Code
}

func intPtr(n int) *int { return &n }

func testPublishDefinition(t *testing.T, s Store) {
	ctx := context.Background()

	def := seedDefinition(t, s, "wf-pub")
	assert.Equal(t, 1, def.Version)
	assert.NotEmpty(t, def.Checksum)
	assert.True(t, def.Active)

	// Republishing an unchanged document is a no-op.
	again, err := s.PublishDefinition(ctx, &Definition{Document: def.Document})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version)

	// Changing the graph bumps the version.
	changed := def.Document
	changed.Graph.Nodes = append(changed.Graph.Nodes, schema.Node{ID: "c", Type: "log"})
	changed.Graph.Edges = append(changed.Graph.Edges, schema.Edge{From: "b", To: "c"})
	v2, err := s.PublishDefinition(ctx, &Definition{Document: changed})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, def.Checksum, v2.Checksum)

	got, err := s.GetDefinition(ctx, "wf-pub", 1)
	require.NoError(t, err)
	assert.Len(t, got.Document.Graph.Nodes, 2)

	latest, err := s.LatestDefinition(ctx, "wf-pub")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	_, err = s.GetDefinition(ctx, "wf-pub", 99)
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))

	seedDefinition(t, s, "wf-pub-other")
	all, err := s.ListDefinitions(ctx, DefinitionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latestOnly, err := s.ListDefinitions(ctx, DefinitionFilter{LatestOnly: true})
	require.NoError(t, err)
	assert.Len(t, latestOnly, 2)

	require.NoError(t, s.SetWorkflowActive(ctx, "wf-pub", false))
	got, err = s.GetDefinition(ctx, "wf-pub", 2)
	require.NoError(t, err)
	assert.False(t, got.Active)

	err = s.SetWorkflowActive(ctx, "wf-missing", true)
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))
}

func testExecutionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-exec")
	exec := seedExecution(t, s, def)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, schema.ExecutionPending, exec.Status)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, def.WorkflowID, got.WorkflowID)
	assert.JSONEq(t, `{"source":"test"}`, string(got.TriggerPayload))
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Zero(t, got.RetryCount)

	_, err = s.GetExecution(ctx, "no-such-exec")
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))

	// Creation is recorded in the event log.
	events, err := s.ListEvents(ctx, EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionCreated, events[0].Type)
	assert.EqualValues(t, 1, events[0].Sequence)

	status := schema.ExecutionPending
	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: def.WorkflowID, Status: &status})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testClaimLease(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-claim")
	exec := seedExecution(t, s, def)

	claimed, err := s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, exec.ID, claimed.ID)
	assert.Equal(t, schema.ExecutionRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.LeaseOwner)
	require.NotNil(t, claimed.LeaseExpiresAt)
	require.NotNil(t, claimed.StartedAt)

	// Nothing else is eligible while the lease is live.
	second, err := s.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.RenewLease(ctx, exec.ID, "worker-1", 2*time.Minute))
	err = s.RenewLease(ctx, exec.ID, "worker-2", time.Minute)
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))

	// A running persist keeps the lease.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "a",
		State:         json.RawMessage(`{"a":"done"}`),
	})
	require.NoError(t, err)
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.LeaseOwner)
	assert.Equal(t, "a", got.CurrentNodeID)
	assert.JSONEq(t, `{"a":"done"}`, string(got.State))

	// A terminal persist releases the lease and stamps completion.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:        schema.ExecutionCompleted,
		CurrentNodeID: "b",
	})
	require.NoError(t, err)
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.CompletedAt)

	// Terminal rows are never claimed.
	none, err := s.Claim(ctx, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Writes without the lease are rejected.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{Status: schema.ExecutionRunning})
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))
}

func testClaimEligibility(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-elig")

	// Retry backoff in the future: not claimable until due.
	backoff := seedExecution(t, s, def)
	claimed, err := s.Claim(ctx, "setup", time.Minute)
	require.NoError(t, err)
	require.Equal(t, backoff.ID, claimed.ID)
	future := time.Now().UTC().Add(time.Hour)
	err = s.PersistStep(ctx, backoff.ID, "setup", StepUpdate{
		Status:      schema.ExecutionPaused,
		NextRetryAt: &future,
		RetryCount:  intPtr(1),
	})
	require.NoError(t, err)

	none, err := s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Waiting on a signal with nothing pending: not claimable.
	waiting := seedExecution(t, s, def)
	claimed, err = s.Claim(ctx, "setup", time.Minute)
	require.NoError(t, err)
	require.Equal(t, waiting.ID, claimed.ID)
	err = s.PersistStep(ctx, waiting.ID, "setup", StepUpdate{
		Status:         schema.ExecutionWaitingSignal,
		CurrentNodeID:  "a",
		WaitSignalType: schema.SignalApproval,
	})
	require.NoError(t, err)

	none, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// A pending signal of the wrong type does not wake it.
	err = s.SubmitSignal(ctx, &Signal{ExecutionID: waiting.ID, Type: "webhook"})
	require.NoError(t, err)
	none, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// The matching signal makes it claimable.
	err = s.SubmitSignal(ctx, &Signal{
		ExecutionID: waiting.ID,
		Type:        schema.SignalApproval,
		Payload:     json.RawMessage(`{"approved":true}`),
	})
	require.NoError(t, err)
	claimed, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, waiting.ID, claimed.ID)
	assert.Equal(t, schema.ExecutionRunning, claimed.Status)
	assert.Equal(t, schema.SignalApproval, claimed.WaitSignalType)

	// The holder pulls the payload atomically.
	sig, err := s.ConsumeSignal(ctx, waiting.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, schema.SignalApproval, sig.Type)
	got, err := s.GetExecution(ctx, waiting.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true}`, string(got.ResumePayload))
	assert.Empty(t, got.WaitSignalType)

	require.NoError(t, s.Release(ctx, waiting.ID, "worker-1"))

	// A due retry becomes claimable.
	past := time.Now().UTC().Add(-time.Second)
	reclaimed, err := s.Claim(ctx, "setup", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed) // the released running row
	require.Equal(t, waiting.ID, reclaimed.ID)
	err = s.PersistStep(ctx, waiting.ID, "setup", StepUpdate{
		Status:      schema.ExecutionPaused,
		NextRetryAt: &past,
		RetryCount:  intPtr(1),
	})
	require.NoError(t, err)

	due, err := s.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, waiting.ID, due.ID)
	assert.Nil(t, due.NextRetryAt)
	assert.Equal(t, schema.ExecutionRunning, due.Status)
}

func testClaimAtMostOnce(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-once")
	seedExecution(t, s, def)

	const workers = 8
	var wg sync.WaitGroup
	owners := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := s.Claim(ctx, fmt.Sprintf("worker-%d", n), time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if got != nil {
				owners <- got.LeaseOwner
			}
		}(i)
	}
	wg.Wait()
	close(owners)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var winners []string
	for owner := range owners {
		winners = append(winners, owner)
	}
	require.Len(t, winners, 1)
}

func testLeaseExpiry(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-expiry")
	exec := seedExecution(t, s, def)

	claimed, err := s.Claim(ctx, "worker-1", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(40 * time.Millisecond)

	// Crash recovery: the expired row is claimable by someone else.
	stolen, err := s.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stolen)
	assert.Equal(t, exec.ID, stolen.ID)
	assert.Equal(t, "worker-2", stolen.LeaseOwner)

	// The zombie's writes bounce off the lease fence.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{Status: schema.ExecutionCompleted})
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))
	err = s.RenewLease(ctx, exec.ID, "worker-1", time.Minute)
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))
	err = s.Release(ctx, exec.ID, "worker-1")
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))

	// The new holder is unaffected.
	err = s.PersistStep(ctx, exec.ID, "worker-2", StepUpdate{
		Status:        schema.ExecutionCompleted,
		CurrentNodeID: "b",
	})
	require.NoError(t, err)
}

func testPersistStepEvents(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-persist")
	exec := seedExecution(t, s, def)

	_, err := s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "a",
		State:         json.RawMessage(`{"a":1}`),
		Events: []*Event{
			{Type: schema.EventNodeStarted, NodeID: "a", Message: "node a started"},
			{Type: schema.EventNodeCompleted, NodeID: "a", Payload: json.RawMessage(`{"a":1}`)},
		},
	})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventExecutionCreated, events[0].Type)
	assert.Equal(t, schema.EventNodeStarted, events[1].Type)
	assert.Equal(t, schema.EventNodeCompleted, events[2].Type)
	for i, ev := range events {
		assert.EqualValues(t, i+1, ev.Sequence)
		assert.Equal(t, exec.ID, ev.ExecutionID)
	}

	// Omitting State and RetryCount leaves them untouched.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "b",
	})
	require.NoError(t, err)
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.State))
	assert.Zero(t, got.RetryCount)

	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:        schema.ExecutionRunning,
		CurrentNodeID: "b",
		RetryCount:    intPtr(2),
	})
	require.NoError(t, err)
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func testRequestCancel(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-cancel")

	// Unleased pending row: cancelled immediately.
	pending := seedExecution(t, s, def)
	got, err := s.RequestCancel(ctx, pending.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "operator request", got.CancelReason)
	require.NotNil(t, got.CompletedAt)

	events, err := s.ListEvents(ctx, EventFilter{
		ExecutionID: pending.ID,
		EventType:   schema.EventExecutionCancelled,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Cancelling again is a no-op.
	again, err := s.RequestCancel(ctx, pending.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, again.Status)
	assert.Equal(t, "operator request", again.CancelReason)

	_, err = s.RequestCancel(ctx, "no-such-exec", "")
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))

	// Leased row: only the flag latches; the holder finalizes.
	leased := seedExecution(t, s, def)
	_, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	got, err = s.RequestCancel(ctx, leased.ID, "")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, "worker-1", got.LeaseOwner)

	err = s.PersistStep(ctx, leased.ID, "worker-1", StepUpdate{
		Status: schema.ExecutionCancelled,
		Events: []*Event{{Type: schema.EventExecutionCancelled, Message: "execution cancelled"}},
	})
	require.NoError(t, err)
}

func testPauseResume(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-pause")

	exec := seedExecution(t, s, def)
	paused, err := s.RequestPause(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPaused, paused.Status)
	assert.True(t, paused.ManualPause)

	// Paused rows are invisible to claimers.
	none, err := s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	resumed, err := s.ResumePaused(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, resumed.ManualPause)

	claimed, err := s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, exec.ID, claimed.ID)

	// Pausing a running row latches the flag without touching status.
	got, err := s.RequestPause(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualPause)
	assert.Equal(t, schema.ExecutionRunning, got.Status)

	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{Status: schema.ExecutionCompleted})
	require.NoError(t, err)

	_, err = s.RequestPause(ctx, exec.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errCode(t, err))

	other := seedExecution(t, s, def)
	_, err = s.ResumePaused(ctx, other.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errCode(t, err))
}

func testSignals(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-sig")
	exec := seedExecution(t, s, def)

	err := s.SubmitSignal(ctx, &Signal{ExecutionID: "no-such-exec", Type: "approval"})
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))

	// Signals queue up even before the execution waits (mailbox semantics).
	err = s.SubmitSignal(ctx, &Signal{
		ExecutionID: exec.ID,
		Type:        schema.SignalApproval,
		Payload:     json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	err = s.SubmitSignal(ctx, &Signal{
		ExecutionID: exec.ID,
		Type:        schema.SignalApproval,
		Payload:     json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)
	// A payload-less signal is stored as an empty object, never NULL.
	err = s.SubmitSignal(ctx, &Signal{ExecutionID: exec.ID, Type: schema.SignalApproval})
	require.NoError(t, err)

	sigs, err := s.ListSignals(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.False(t, sigs[0].Processed)

	// The holder consumes the oldest matching signal first.
	_, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	sig, err := s.ConsumeSignal(ctx, exec.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.JSONEq(t, `{"n":1}`, string(sig.Payload))
	assert.True(t, sig.Processed)

	sig, err = s.ConsumeSignal(ctx, exec.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.JSONEq(t, `{"n":2}`, string(sig.Payload))

	sig, err = s.ConsumeSignal(ctx, exec.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.JSONEq(t, `{}`, string(sig.Payload))

	// Nothing left.
	sig, err = s.ConsumeSignal(ctx, exec.ID, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, sig)

	// Consuming without the lease is rejected.
	_, err = s.ConsumeSignal(ctx, exec.ID, "worker-2")
	assert.Equal(t, schema.ErrCodeLeaseLost, errCode(t, err))

	// Terminal executions refuse new signals.
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{Status: schema.ExecutionCompleted})
	require.NoError(t, err)
	err = s.SubmitSignal(ctx, &Signal{ExecutionID: exec.ID, Type: "approval"})
	assert.Equal(t, schema.ErrCodeConflict, errCode(t, err))
}

func testRouteSignal(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-route")
	exec := seedExecution(t, s, def)

	// Not waiting: router does nothing, the signal stays pending.
	err := s.SubmitSignal(ctx, &Signal{ExecutionID: exec.ID, Type: schema.SignalApproval})
	require.NoError(t, err)
	sig, err := s.RouteSignal(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, sig)

	// Park the execution waiting for approval.
	_, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	consumed, err := s.ConsumeSignal(ctx, exec.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, consumed) // drain the early signal
	err = s.PersistStep(ctx, exec.ID, "worker-1", StepUpdate{
		Status:         schema.ExecutionWaitingSignal,
		CurrentNodeID:  "a",
		WaitSignalType: schema.SignalApproval,
	})
	require.NoError(t, err)

	// Now the router resumes it atomically.
	err = s.SubmitSignal(ctx, &Signal{
		ExecutionID: exec.ID,
		Type:        schema.SignalApproval,
		Payload:     json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
	sig, err = s.RouteSignal(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Processed)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.ResumePayload))
	assert.Empty(t, got.WaitSignalType)
	assert.Empty(t, got.LeaseOwner)

	events, err := s.ListEvents(ctx, EventFilter{
		ExecutionID: exec.ID,
		EventType:   schema.EventExecutionResumed,
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Nothing pending anymore.
	sig, err = s.RouteSignal(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func testSchedules(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-sched")

	firstRun := time.Now().UTC().Add(-time.Minute)
	sched, err := s.SyncSchedule(ctx, &Schedule{
		WorkflowID:     def.WorkflowID,
		CronExpression: "*/5 * * * *",
		Active:         true,
		NextRunAt:      &firstRun,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID)
	require.NotNil(t, sched.NextRunAt)

	// Re-syncing the same schedule keeps its timing.
	later := time.Now().UTC().Add(time.Hour)
	synced, err := s.SyncSchedule(ctx, &Schedule{
		WorkflowID:     def.WorkflowID,
		CronExpression: "*/5 * * * *",
		Active:         true,
		NextRunAt:      &later,
	})
	require.NoError(t, err)
	assert.Equal(t, sched.ID, synced.ID)
	assert.WithinDuration(t, firstRun, *synced.NextRunAt, time.Second)

	due, err := s.DueSchedules(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Fire: advance and create in one transaction.
	nextRun := time.Now().UTC().Add(5 * time.Minute)
	exec := &Execution{WorkflowID: def.WorkflowID, WorkflowVersion: def.Version}
	err = s.FireSchedule(ctx, due[0].ID, *due[0].NextRunAt, nextRun, exec)
	require.NoError(t, err)

	fired, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, fired.Status)

	events, err := s.ListEvents(ctx, EventFilter{
		ExecutionID: exec.ID,
		EventType:   schema.EventScheduleFired,
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	after, err := s.GetSchedule(ctx, due[0].ID)
	require.NoError(t, err)
	assert.WithinDuration(t, nextRun, *after.NextRunAt, time.Second)
	require.NotNil(t, after.LastRunAt)

	// A second fire against the stale next_run_at loses the race: the
	// advance-before-create handshake means at most one execution per slot.
	err = s.FireSchedule(ctx, due[0].ID, *due[0].NextRunAt, nextRun, &Execution{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
	})
	assert.Equal(t, schema.ErrCodeConflict, errCode(t, err))

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: def.WorkflowID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEventLog(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-events")
	first := seedExecution(t, s, def)
	second := seedExecution(t, s, def)

	for i := 0; i < 3; i++ {
		err := s.AppendEvent(ctx, &Event{
			ExecutionID: first.ID,
			NodeID:      "a",
			Type:        schema.EventNodeStarted,
			Level:       schema.LogDebug,
			Message:     fmt.Sprintf("attempt %d", i+1),
		})
		require.NoError(t, err)
	}

	// Sequences are per execution.
	events, err := s.ListEvents(ctx, EventFilter{ExecutionID: first.ID})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.EqualValues(t, i+1, ev.Sequence)
	}

	others, err := s.ListEvents(ctx, EventFilter{ExecutionID: second.ID})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.EqualValues(t, 1, others[0].Sequence)

	byType, err := s.ListEvents(ctx, EventFilter{
		ExecutionID: first.ID,
		EventType:   schema.EventNodeStarted,
	})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	since, err := s.ListEvents(ctx, EventFilter{ExecutionID: first.ID, SinceSeq: 2})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.ListEvents(ctx, EventFilter{ExecutionID: first.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testPurgeHistory(t *testing.T, s Store) {
	ctx := context.Background()
	def := seedDefinition(t, s, "wf-purge")

	old := seedExecution(t, s, def)
	err := s.SubmitSignal(ctx, &Signal{ExecutionID: old.ID, Type: "approval"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	completedAt := time.Now().UTC().Add(-48 * time.Hour)
	err = s.PersistStep(ctx, old.ID, "worker-1", StepUpdate{
		Status:      schema.ExecutionCompleted,
		CompletedAt: &completedAt,
	})
	require.NoError(t, err)

	fresh := seedExecution(t, s, def)

	purged, err := s.PurgeHistory(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.GetExecution(ctx, old.ID)
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))

	// Events and signals follow the execution out.
	events, err := s.ListEvents(ctx, EventFilter{ExecutionID: old.ID})
	require.NoError(t, err)
	assert.Empty(t, events)
	sigs, err := s.ListSignals(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// Live rows are untouched.
	_, err = s.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)

	again, err := s.PurgeHistory(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, again)
}
