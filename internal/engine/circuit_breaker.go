package engine

import (
	"sync"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// CircuitState is the state of a single circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit open.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects requests before
	// admitting half-open probes.
	Cooldown time.Duration
	// HalfOpenMax caps concurrent probes while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state        CircuitState
	failures     int
	openedAt     time.Time
	halfOpenBusy int
}

// BreakerStatus is a point-in-time view of one circuit.
type BreakerStatus struct {
	State    string     `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// BreakerRegistry tracks one circuit per key. The engine keys circuits
// by node type, so a flapping HTTP endpoint trips "http" without
// affecting transform or script nodes.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewBreakerRegistry creates a registry with the given config. Zero
// fields fall back to defaults.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) get(key string) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[key] = b
	}
	return b
}

// Allow reports whether a request for the key may proceed. An open
// circuit whose cooldown has elapsed moves to half-open and admits up to
// HalfOpenMax probes; otherwise a CIRCUIT_OPEN error is returned.
func (r *BreakerRegistry) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key)
	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if r.now().Sub(b.openedAt) < r.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit for %q is open", key).
				WithDetails(map[string]any{
					"key":         key,
					"retry_after": (r.cfg.Cooldown - r.now().Sub(b.openedAt)).String(),
				})
		}
		b.state = CircuitHalfOpen
		b.halfOpenBusy = 0
		fallthrough
	case CircuitHalfOpen:
		if b.halfOpenBusy >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit for %q is half-open and probing", key).
				WithDetails(map[string]any{"key": key})
		}
		b.halfOpenBusy++
		return nil
	default:
		return nil
	}
}

// RecordSuccess registers a successful request. A half-open probe
// success closes the circuit; a success while closed resets the failure
// count. Returns the resulting state.
func (r *BreakerRegistry) RecordSuccess(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key)
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitClosed
		b.failures = 0
		b.halfOpenBusy = 0
	case CircuitClosed:
		b.failures = 0
	}
	return b.state
}

// RecordFailure registers a failed request. Reaching the failure
// threshold while closed trips the circuit; a half-open probe failure
// re-opens it. The second return reports whether the circuit opened on
// this call.
func (r *BreakerRegistry) RecordFailure(key string) (CircuitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key)
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= r.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = r.now()
			return b.state, true
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = r.now()
		b.halfOpenBusy = 0
		return b.state, true
	}
	return b.state, false
}

// State returns the current state for a key without mutating it.
func (r *BreakerRegistry) State(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b.state
	}
	return CircuitClosed
}

// Snapshot returns a copy of every tracked circuit, keyed as registered.
func (r *BreakerRegistry) Snapshot() map[string]BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerStatus, len(r.breakers))
	for key, b := range r.breakers {
		st := BreakerStatus{State: b.state.String(), Failures: b.failures}
		if b.state == CircuitOpen {
			opened := b.openedAt
			st.OpenedAt = &opened
		}
		out[key] = st
	}
	return out
}
