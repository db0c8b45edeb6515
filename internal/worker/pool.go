// Package worker runs the stateless claim loops that feed executions to
// the engine. Workers hold no state of their own: everything durable
// lives in the store, so any worker can pick up any eligible execution,
// and a crashed worker's executions are reclaimed when their lease
// expires.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/identity"
	"github.com/rendis/relay/internal/store"
)

// Config tunes the pool. Zero fields take defaults.
type Config struct {
	// PoolSize is the number of concurrent claim loops.
	PoolSize int
	// PollInterval is the idle sleep between empty claim attempts,
	// jittered per worker to avoid thundering herds.
	PollInterval time.Duration
	// LeaseDuration is how long each claim fences its execution.
	LeaseDuration time.Duration
	// TokenPrefix namespaces the worker identity tokens.
	TokenPrefix string
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:      4,
		PollInterval:  500 * time.Millisecond,
		LeaseDuration: 30 * time.Second,
		TokenPrefix:   identity.DefaultPrefix,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.TokenPrefix == "" {
		c.TokenPrefix = def.TokenPrefix
	}
	return c
}

// Metrics is a point-in-time snapshot of pool counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool owns a fixed set of claim loops.
type Pool struct {
	store  store.Store
	engine *engine.Engine
	cfg    Config
	logger *slog.Logger

	active    atomic.Int64
	claimed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a Pool. Start must be called before it does anything.
func New(st store.Store, eng *engine.Engine, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		store:  st,
		engine: eng,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the claim loops. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := identity.NewWorkerToken(p.cfg.TokenPrefix)
		p.wg.Add(1)
		go p.runLoop(ctx, workerID)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	p.logger.Info("worker pool started",
		slog.Int("pool_size", p.cfg.PoolSize),
		slog.Duration("poll_interval", p.cfg.PollInterval))
}

// Stop cancels the loops and waits for them to drain, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	select {
	case <-p.done:
		p.logger.Info("worker pool stopped", slog.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    p.active.Load(),
		Claimed:   p.claimed.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With(slog.String("worker_id", workerID))
	log.Debug("claim loop started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("claim loop stopped")
			return
		default:
		}

		claimed, err := p.store.Claim(ctx, workerID, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", slog.Any("error", err))
			p.sleep(ctx, p.jitteredPoll())
			continue
		}
		if claimed == nil {
			p.sleep(ctx, p.jitteredPoll())
			continue
		}

		p.claimed.Add(1)
		p.runOne(ctx, claimed, workerID, log)
		// Something was claimable; poll again right away.
	}
}

// runOne executes a single claimed execution with panic containment.
// Panics are an engine bug, not a workflow failure: the lease is
// released so the execution is immediately reclaimable, and the loop
// keeps serving.
func (p *Pool) runOne(ctx context.Context, claimed *store.Execution, workerID string, log *slog.Logger) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error("panic while running execution",
				slog.String("execution_id", claimed.ID),
				slog.Any("panic", r))
			p.release(claimed.ID, workerID, log)
		}
	}()

	if err := p.engine.RunClaimed(ctx, claimed, workerID); err != nil {
		p.failed.Add(1)
		log.Error("execution tick failed",
			slog.String("execution_id", claimed.ID),
			slog.Any("error", err))
		p.release(claimed.ID, workerID, log)
		return
	}
	p.completed.Add(1)
}

// release frees the lease after a failed or panicked tick, off the
// possibly-cancelled loop context.
func (p *Pool) release(executionID, workerID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, executionID, workerID); err != nil && !engine.IsLeaseLost(err) {
		log.Warn("lease release failed",
			slog.String("execution_id", executionID),
			slog.Any("error", err))
	}
}

func (p *Pool) jitteredPoll() time.Duration {
	half := int64(p.cfg.PollInterval) / 2
	return time.Duration(half + rand.Int63n(half+1))
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
