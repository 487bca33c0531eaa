// Package daemon assembles cyranged from its configuration: the SQLite
// store, the Docker runtime, the supervisor and the control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cyrange/config"
	"cyrange/internal/adapter/docker"
	"cyrange/internal/adapter/sqlite"
	"cyrange/internal/controlapi"
	"cyrange/internal/declare"
	"cyrange/internal/discovery"
	"cyrange/internal/events"
	"cyrange/internal/metrics"
	"cyrange/internal/signal/ntp"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"
	"cyrange/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	serviceName      = "cyranged"
	readyTimeout     = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	natsClientSuffix = "-events"
)

// readier is implemented by runtimes that can wait for their hosts to
// answer before the first pass.
type readier interface {
	Hosts() []string
	WaitReady(ctx context.Context, hostID string) error
}

// App is a wired daemon.
type App struct {
	cfg     config.Config
	socket  string
	store   *sqlite.Store
	runtime supervisor.Runtime
	events  events.Publisher
	tracing *telemetry.Provider
	metrics *metrics.Collector
	sup     *supervisor.Supervisor
	api     *controlapi.Server
	closers []func() error
	log     *slog.Logger
}

// Run wires the daemon from cfg and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	hosts := make([]docker.Host, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts = append(hosts, docker.Host{ID: h.ID, DockerHost: h.DockerHost})
	}
	rt, err := docker.NewRuntime(hosts)
	if err != nil {
		return fmt.Errorf("create docker runtime: %w", err)
	}

	app, err := New(cfg, rt)
	if err != nil {
		_ = rt.Close()
		return err
	}
	app.closers = append(app.closers, rt.Close)
	defer app.Close()
	return app.Run(ctx)
}

// New wires every component around rt. The caller owns rt.
func New(cfg config.Config, rt supervisor.Runtime) (*App, error) {
	scfg := SupervisorConfig(cfg)
	if err := scfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate sync config: %w", err)
	}

	a := &App{
		cfg:     cfg,
		socket:  cfg.Socket,
		runtime: rt,
		metrics: metrics.New(),
		log:     slog.With("component", "daemon"),
	}
	if a.socket == "" {
		a.socket = controlapi.DefaultSocketPath()
	}

	store, err := sqlite.OpenDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.events = events.Noop{}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, serviceName+natsClientSuffix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		a.events = pub
	}
	a.closers = append(a.closers, a.events.Close)

	tracing, err := telemetry.Setup(cfg.Tracing.Enabled, serviceName, os.Stdout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tracing = tracing

	clock := state.WallClock{}
	var checker *ntp.Checker
	if cfg.NTP.Enabled {
		checker = ntp.NewChecker(clock, cfg.NTP.Pool)
	}

	a.sup = supervisor.New(supervisor.Deps{
		Store:     store,
		Runtime:   rt,
		Discovery: store.Discovery(),
		Clock:     clock,
		NTP:       checker,
		Metrics:   a.metrics,
		Events:    a.events,
		Tracer:    tracing.Tracer(telemetry.TracerName),
	}, scfg)

	decl := declare.New(store, store.Discovery(), scfg.Scopes, clock, a.events)
	decl.DefaultMaxAttempts = cfg.Sync.MaxSyncAttempts
	a.api = controlapi.NewServer(a.sup, store, decl, clock).WithTracerProvider(tracing.TracerProvider())
	return a, nil
}

// SupervisorConfig converts the file configuration to scheduler settings.
func SupervisorConfig(cfg config.Config) supervisor.Config {
	s := cfg.Sync
	out := supervisor.Config{
		SyncSchedule:           s.Schedule,
		StatsSchedule:          s.StatsSchedule,
		CleanupSchedule:        s.CleanupSchedule,
		ResetSchedule:          s.ResetSchedule,
		DiscoverySchedule:      s.DiscoverySchedule,
		CallTimeout:            s.CallTimeout,
		HostMinInterval:        s.HostMinInterval,
		RecordInterval:         s.RecordInterval,
		Retention:              s.Retention,
		StaleSyncAfter:         s.StaleSyncAfter,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		HostConcurrency:        s.HostConcurrency,
	}
	for _, sc := range cfg.Scopes {
		out.Scopes = append(out.Scopes, discovery.Scope{ID: sc.ID, HostID: sc.Host, Labels: sc.Labels})
	}
	return out
}

// Socket is the control API socket path the daemon listens on.
func (a *App) Socket() string { return a.socket }

// Supervisor exposes the scheduler, mainly for tests.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Run starts the supervisor, the control API and the metrics endpoint and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.waitHosts(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.sup.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.api.ListenAndServe(gctx, a.socket) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, a.cfg.MetricsAddr, a.metrics) })
	}

	a.log.Info("daemon started", "socket", a.socket, "hosts", len(a.cfg.Hosts), "scopes", len(a.cfg.Scopes))
	err := g.Wait()
	a.log.Info("daemon stopped")
	return err
}

// waitHosts gives each host a bounded chance to come up. Hosts that stay
// down are left to the per-host health tracking of the sync pass.
func (a *App) waitHosts(ctx context.Context) {
	r, ok := a.runtime.(readier)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var g errgroup.Group
	for _, id := range r.Hosts() {
		g.Go(func() error {
			if err := r.WaitReady(ctx, id); err != nil {
				a.log.Warn("docker host not ready", "host", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close releases everything New acquired, in reverse order.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.log.Warn("flush traces", "err", err)
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close daemon resources", "err", err)
	}
}
