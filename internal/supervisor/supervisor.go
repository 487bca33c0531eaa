package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cyrange/internal/check"
	"cyrange/internal/discovery"
	"cyrange/internal/events"
	"cyrange/internal/metrics"
	"cyrange/internal/reconcile"
	"cyrange/internal/signal/hosts"
	"cyrange/internal/signal/ntp"
	"cyrange/internal/state"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrAlreadyRunning is returned when a pass of the same kind is in progress.
	ErrAlreadyRunning = errors.New("pass already running")
	// ErrCircuitOpen is returned while the breaker blocks sync passes.
	ErrCircuitOpen = errors.New("sync circuit breaker is open")
)

// Deps are the collaborators of a Supervisor. Store, Runtime and Discovery
// are required.
type Deps struct {
	Store     state.Store
	Runtime   Runtime
	Discovery discovery.Store
	Clock     state.Clock
	NTP       *ntp.Checker
	Metrics   *metrics.Collector
	Events    events.Publisher
	Tracer    trace.Tracer
}

// Supervisor schedules sync, discovery and housekeeping passes.
type Supervisor struct {
	cfg        Config
	store      state.Store
	runtime    Runtime
	syncer     *discovery.Syncer
	reconciler *reconcile.Reconciler
	hosts      *hosts.Tracker
	clock      state.Clock
	ntp        *ntp.Checker
	metrics    *metrics.Collector
	events     events.Publisher
	tracer     trace.Tracer
	log        *slog.Logger

	syncing     atomic.Bool
	discovering atomic.Bool
	cleaning    atomic.Bool
	resetting   atomic.Bool

	// background is the context manual passes run under; Run replaces it
	// so shutdown cancels them.
	background context.Context
	manual     sync.WaitGroup

	mu         sync.Mutex
	breaker    breaker
	lastSyncAt time.Time
	lastResult *PassResult
}

func New(deps Deps, cfg Config) *Supervisor {
	check.Assert(deps.Store != nil, "supervisor.New: Store must not be nil")
	check.Assert(deps.Runtime != nil, "supervisor.New: Runtime must not be nil")
	check.Assert(deps.Discovery != nil, "supervisor.New: Discovery must not be nil")

	clock := deps.Clock
	if clock == nil {
		clock = state.WallClock{}
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Noop{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	if cfg.HostConcurrency <= 0 {
		cfg.HostConcurrency = 1
	}

	s := &Supervisor{
		cfg:        cfg,
		store:      deps.Store,
		runtime:    deps.Runtime,
		syncer:     discovery.NewSyncer(deps.Discovery, clock),
		hosts:      hosts.NewTracker(cfg.HostMinInterval, clock),
		clock:      clock,
		ntp:        deps.NTP,
		metrics:    deps.Metrics,
		events:     pub,
		tracer:     tracer,
		log:        slog.With("component", "supervisor"),
		background: context.Background(),
		breaker:    newBreaker(cfg.MaxConsecutiveFailures),
	}
	s.reconciler = &reconcile.Reconciler{
		Store:       deps.Store,
		Runtime:     deps.Runtime,
		Clock:       clock,
		CallTimeout: cfg.CallTimeout,
		Tracer:      tracer,
		OnResult:    s.onResult,
	}
	return s
}

// Run starts the NTP checker and the cron schedules and blocks until ctx
// is cancelled. Running jobs and manual passes are waited for.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.background = ctx
	s.mu.Unlock()

	if s.ntp != nil {
		go s.ntp.Run(ctx)
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sync", s.cfg.SyncSchedule, func(ctx context.Context) error { _, err := s.SyncNow(ctx); return err }},
		{"discovery", s.cfg.DiscoverySchedule, func(ctx context.Context) error { _, err := s.Discover(ctx); return err }},
		{"stats", s.cfg.StatsSchedule, func(ctx context.Context) error { _, err := s.Statistics(ctx); return err }},
		{"cleanup", s.cfg.CleanupSchedule, func(ctx context.Context) error { _, err := s.Cleanup(ctx, 0); return err }},
		{"reset", s.cfg.ResetSchedule, func(ctx context.Context) error { _, err := s.ResetFailed(ctx); return err }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			s.log.Info("pass disabled", "pass", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, s.job(ctx, j.name, j.run)); err != nil {
			return fmt.Errorf("schedule %s pass %q: %w", j.name, j.spec, err)
		}
	}

	c.Start()
	s.log.Info("supervisor started", "sync", s.cfg.SyncSchedule, "discovery", s.cfg.DiscoverySchedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.manual.Wait()
	s.log.Info("supervisor stopped")
	return ctx.Err()
}

func (s *Supervisor) job(ctx context.Context, name string, run func(context.Context) error) func() {
	return func() {
		err := run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrCircuitOpen):
			s.log.Debug("scheduled pass skipped", "pass", name, "reason", err)
		case ctx.Err() != nil:
		default:
			s.log.Error("scheduled pass failed", "pass", name, "err", err)
		}
	}
}

// TriggerManualSync starts a sync pass in the background. It reports false
// when a pass is already running.
func (s *Supervisor) TriggerManualSync() bool {
	if !s.syncing.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	ctx := s.background
	s.mu.Unlock()

	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		defer s.syncing.Store(false)
		if _, err := s.runSync(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
			s.log.Warn("manual sync failed", "err", err)
		}
	}()
	return true
}

// Wait blocks until manual passes started by TriggerManualSync finish.
func (s *Supervisor) Wait() { s.manual.Wait() }

// SyncNow runs a sync pass and waits for it.
func (s *Supervisor) SyncNow(ctx context.Context) (PassResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return PassResult{}, ErrAlreadyRunning
	}
	defer s.syncing.Store(false)
	return s.runSync(ctx)
}

// ResetFailureCount closes the breaker.
func (s *Supervisor) ResetFailureCount(ctx context.Context) {
	s.mu.Lock()
	prev := s.breaker.consecutive
	wasOpen := s.breaker.open()
	s.breaker.reset()
	s.mu.Unlock()

	s.metrics.SetBreaker(0, false)
	s.log.Info("consecutive failure count reset", "previous", prev, "breaker_was_open", wasOpen)
	s.publish(ctx, events.Event{
		Type:    events.TypeBreakerReset,
		Message: fmt.Sprintf("reset after %d consecutive failures", prev),
	})
}

// Status is a snapshot of the scheduler.
type Status struct {
	InProgress             bool
	LastSyncAt             time.Time
	LastResult             *PassResult
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	Breaker                BreakerPhase
	Healthy                bool
	Clock                  ntp.Status
	Hosts                  []hosts.Health
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		InProgress:             s.syncing.Load(),
		LastSyncAt:             s.lastSyncAt,
		ConsecutiveFailures:    s.breaker.consecutive,
		MaxConsecutiveFailures: s.breaker.max,
		Breaker:                s.breaker.phase,
	}
	if s.lastResult != nil {
		res := *s.lastResult
		st.LastResult = &res
	}
	s.mu.Unlock()

	st.Healthy = st.Breaker == BreakerClosed && st.ConsecutiveFailures < st.MaxConsecutiveFailures
	if s.ntp != nil {
		st.Clock = s.ntp.Status()
		if st.Clock.Degraded() {
			st.Healthy = false
		}
	}
	st.Hosts = s.hosts.Snapshot()
	return st
}

func (s *Supervisor) onResult(res reconcile.Result) {
	if res.Action != state.ActionNone {
		s.metrics.ObserveReconcile(res.Action.String(), res.Outcome.String())
	}
	if res.From == res.To {
		return
	}
	s.publish(context.Background(), events.Event{
		Type:     events.TypeRecordTransition,
		RecordID: res.RecordID,
		HostID:   res.HostID,
		AssetID:  res.AssetID,
		From:     res.From.String(),
		To:       res.To.String(),
		Attempt:  res.Attempt,
		Message:  res.Error,
	})
}

func (s *Supervisor) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Debug("publish event failed", "type", e.Type, "err", err)
	}
}
