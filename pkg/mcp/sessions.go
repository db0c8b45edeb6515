package mcp

import "sync"

// SessionRegistry tracks which MCP session is watching each execution.
// Entries appear when a client triggers, replays or signals an execution
// and leave once the terminal notification went out or the session
// disconnects. Indexed both ways so a disconnect never scans every
// tracked execution.
type SessionRegistry struct {
	mu          sync.RWMutex
	byExecution map[string]string
	bySession   map[string]map[string]struct{}
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byExecution: make(map[string]string),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Register points an execution at a session, replacing any previous
// mapping (a reconnecting client resubmitting a signal).
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detach(executionID)
	r.byExecution[executionID] = sessionID
	execs, ok := r.bySession[sessionID]
	if !ok {
		execs = make(map[string]struct{})
		r.bySession[sessionID] = execs
	}
	execs[executionID] = struct{}{}
}

// SessionFor returns the session watching the given execution, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byExecution[executionID]
	return sid, ok
}

// Forget drops one execution once it reached a terminal state and the
// notification went out.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detach(executionID)
}

// Remove drops every execution the given session was watching. Called
// when the session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for executionID := range r.bySession[sessionID] {
		delete(r.byExecution, executionID)
	}
	delete(r.bySession, sessionID)
}

// detach unlinks one execution from both indexes. Callers hold mu.
func (r *SessionRegistry) detach(executionID string) {
	sid, ok := r.byExecution[executionID]
	if !ok {
		return
	}
	delete(r.byExecution, executionID)
	if execs := r.bySession[sid]; execs != nil {
		delete(execs, executionID)
		if len(execs) == 0 {
			delete(r.bySession, sid)
		}
	}
}
