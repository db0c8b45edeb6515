// Package scheduler turns cron triggers into executions and sweeps
// expired history. Firing is an advance-then-create compare-and-set in
// the store, so running several scheduler instances never duplicates an
// execution: whoever advances next_run_at first creates it, everyone
// else loses the CAS and moves on.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/robfig/cron/v3"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NextRun returns the first time the expression fires strictly after
// the given instant.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(after), nil
}

// ValidateCron checks a cron expression without computing anything.
func ValidateCron(expr string) error {
	_, err := NextRun(expr, time.Now())
	return err
}

// Config tunes the scheduler. Zero fields take defaults.
type Config struct {
	// PollInterval is how often due schedules are looked up.
	PollInterval time.Duration
	// BatchLimit caps schedules fired per poll.
	BatchLimit int
	// RetentionWindow is how long terminal executions are kept. Zero
	// disables history sweeps entirely.
	RetentionWindow time.Duration
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		BatchLimit:      50,
		CleanupInterval: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = def.BatchLimit
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

// Scheduler owns the poll loop.
type Scheduler struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler. Start must be called before it fires anything.
func New(st store.Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the poll loop, firing an immediate tick so due
// schedules do not wait a full interval after process start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)
		poll := time.NewTicker(s.cfg.PollInterval)
		defer poll.Stop()
		cleanup := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanup.Stop()

		s.tick(ctx)
		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				s.tick(ctx)
			case <-cleanup.C:
				s.sweep(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("retention_window", s.cfg.RetentionWindow))
}

// Stop halts the loop, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	select {
	case <-s.done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureSchedules upserts a schedule row for every latest definition
// that carries a cron trigger, preserving the next fire time of rows
// that already exist. Returns how many schedules were synced.
func (s *Scheduler) EnsureSchedules(ctx context.Context) (int, error) {
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{LatestOnly: true})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	synced := 0
	for _, def := range defs {
		trigger := def.Document.Trigger
		if trigger == nil || trigger.Cron == "" {
			continue
		}
		next, err := NextRun(trigger.Cron, now)
		if err != nil {
			s.logger.Warn("skipping schedule with invalid cron",
				slog.String("workflow_id", def.WorkflowID),
				slog.String("cron", trigger.Cron),
				slog.Any("error", err))
			continue
		}
		_, err = s.store.SyncSchedule(ctx, &store.Schedule{
			WorkflowID:     def.WorkflowID,
			CronExpression: trigger.Cron,
			Active:         def.Active,
			NextRunAt:      &next,
		})
		if err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// tick fires every due schedule once.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("due schedule lookup failed", slog.Any("error", err))
		}
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire advances one due schedule and creates its execution in a single
// store transaction. Misses are collapsed: the next fire time is always
// computed from now, so a schedule that was down for a day fires once,
// not once per missed slot.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	log := s.logger.With(
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID))

	if sched.NextRunAt == nil {
		return
	}
	def, err := s.store.LatestDefinition(ctx, sched.WorkflowID)
	if err != nil {
		log.Error("definition lookup failed, deactivating schedule", slog.Any("error", err))
		s.deactivate(ctx, sched)
		return
	}
	if !def.Active {
		log.Debug("workflow inactive, deactivating schedule")
		s.deactivate(ctx, sched)
		return
	}
	next, err := NextRun(sched.CronExpression, now)
	if err != nil {
		log.Error("schedule carries invalid cron, deactivating", slog.Any("error", err))
		s.deactivate(ctx, sched)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"trigger":     "schedule",
		"schedule_id": sched.ID,
		"cron":        sched.CronExpression,
		"fired_at":    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Error("trigger payload encoding failed", slog.Any("error", err))
		return
	}
	exec := &store.Execution{
		WorkflowID:      sched.WorkflowID,
		WorkflowVersion: def.Version,
		TriggerPayload:  payload,
	}
	err = s.store.FireSchedule(ctx, sched.ID, *sched.NextRunAt, next, exec)
	if err != nil {
		if isConflict(err) {
			log.Debug("schedule already fired by a peer")
			return
		}
		log.Error("schedule fire failed", slog.Any("error", err))
		return
	}
	log.Info("schedule fired",
		slog.String("execution_id", exec.ID),
		slog.Int("workflow_version", def.Version),
		slog.Time("next_run_at", next))
}

func (s *Scheduler) deactivate(ctx context.Context, sched *store.Schedule) {
	sched.Active = false
	if _, err := s.store.SyncSchedule(ctx, sched); err != nil {
		s.logger.Warn("schedule deactivation failed",
			slog.String("schedule_id", sched.ID),
			slog.Any("error", err))
	}
}

// sweep deletes terminal executions older than the retention window,
// cascading their events and signals.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.cfg.RetentionWindow <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionWindow)
	purged, err := s.store.PurgeHistory(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("history sweep failed", slog.Any("error", err))
		}
		return
	}
	if purged > 0 {
		s.logger.Info("history purged",
			slog.Int64("executions", purged),
			slog.Time("cutoff", cutoff))
	}
}

func isConflict(err error) bool {
	return schema.IsCode(err, schema.ErrCodeConflict)
}
