// Package app assembles the lookout engine from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tripwire/lookout/internal/agent"
	"github.com/tripwire/lookout/internal/audit"
	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/collector"
	"github.com/tripwire/lookout/internal/config"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/metrics"
	"github.com/tripwire/lookout/internal/risk"
	"github.com/tripwire/lookout/internal/scan"
	"github.com/tripwire/lookout/internal/server/stream"
	"github.com/tripwire/lookout/internal/store/postgres"
	"github.com/tripwire/lookout/internal/store/sqlite"
	"github.com/tripwire/lookout/internal/sysexec"
	"github.com/tripwire/lookout/internal/trust"
	"github.com/tripwire/lookout/internal/watcher"
)

// Backend is everything the engine persists. Both store drivers satisfy it.
type Backend interface {
	agent.SnapshotStore
	baseline.Store
	containment.Store
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// App is a fully wired engine.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      Backend
	Collectors *collector.Registry
	Scanner    *scan.Orchestrator
	Monitor    *baseline.Monitor
	Controller *containment.Controller
	Audit      *audit.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Events     *stream.Broadcaster
	Agent      *agent.Agent
}

type options struct {
	runner     sysexec.Runner
	home       string
	collectors []collector.Collector
	watch      bool
	backend    Backend
	clock      func() time.Time
}

// Option customises Build.
type Option func(*options)

// WithRunner replaces the host command runner used by collectors, the
// signature verifier and containment.
func WithRunner(r sysexec.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithHome sets the home directory user-level collectors scan.
func WithHome(dir string) Option {
	return func(o *options) { o.home = dir }
}

// WithCollectors replaces the platform default collectors.
func WithCollectors(cs ...collector.Collector) Option {
	return func(o *options) { o.collectors = cs }
}

// WithWatcher attaches a filesystem watcher over the collectors' sources
// when the configuration enables watching.
func WithWatcher() Option {
	return func(o *options) { o.watch = true }
}

// WithBackend uses b instead of opening the configured store. Build takes
// ownership; Close closes it.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock sets the clock of every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Build opens the store and audit log and wires every component. The caller
// must Close the returned App.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{runner: sysexec.Exec{}, clock: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("app: resolve home directory: %w", err)
		}
		o.home = home
	}

	a := &App{Config: cfg, Logger: logger, Store: o.backend}
	if a.Store == nil {
		st, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.Store = st
	}

	if err := a.wire(o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(o options) error {
	cfg, logger := a.Config, a.Logger

	cs := o.collectors
	if cs == nil {
		cs = collector.Defaults(runtime.GOOS, o.home, o.runner, o.clock)
	}
	reg, err := collector.NewRegistry(cs...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.Collectors = reg

	verifier, err := trust.NewCachingVerifier(
		trust.VerifierFor(runtime.GOOS, o.runner, cfg.Trust.KnownVendorTeams),
		cfg.Trust.CacheSize,
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.Scanner = scan.New(reg, verifier, logger,
		scan.WithClassifier(trust.NewClassifier(nilIfEmpty(cfg.Trust.FirstPartyPrefixes), nilIfEmpty(cfg.Trust.FirstPartyRoots))),
		scan.WithScorer(risk.New(risk.WithClock(o.clock))),
		scan.WithConcurrency(cfg.Scan.Concurrency),
		scan.WithCollectorTimeout(cfg.Scan.CollectorTimeout),
		scan.WithVerifyTimeout(cfg.Scan.VerifyTimeout),
		scan.WithClock(o.clock),
	)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)
	a.Events = stream.NewBroadcaster(logger, 0)

	a.Monitor = baseline.NewMonitor(a.Store, logger, baseline.WithClock(o.clock))

	a.Audit, err = audit.Open(cfg.AuditLog, audit.WithClock(o.clock))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.Controller = containment.NewController(a.Store, logger,
		containment.WithDisabler(containment.NewFileDisabler(cfg.Containment.BackupDir, containment.DefaultServices(o.runner))),
		containment.WithBlocker(newBlocker(cfg.Containment, o.runner)),
		containment.WithAuditor(a.Audit),
		containment.WithObserver(func(act containment.Action) {
			a.Metrics.ObserveAction(act)
			a.Events.PublishAction(act)
		}),
		containment.WithTTL(cfg.Containment.TTL),
		containment.WithSweepInterval(cfg.Containment.SweepInterval),
		containment.WithClock(o.clock),
	)

	agentOpts := []agent.Option{
		agent.WithController(a.Controller),
		agent.WithMetrics(a.Metrics),
		agent.WithPublisher(a.Events),
		agent.WithClock(o.clock),
	}
	if o.watch && cfg.Watch.Enabled {
		w, err := watcher.New(watcher.Config{
			Paths:       reg.WatchPaths(),
			Debounce:    cfg.Watch.Debounce,
			MinInterval: cfg.Watch.MinInterval,
		}, logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithWatchers(w))
	}
	a.Agent = agent.New(cfg, logger, a.Scanner, a.Store, a.Monitor, agentOpts...)
	return nil
}

// OpenStore opens the backend selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.DSN, cfg.ConnectRetries)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return st, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("app: create data dir: %w", err)
		}
		st, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return st, nil
	}
}

func newBlocker(cfg config.ContainmentConfig, r sysexec.Runner) containment.NetworkBlocker {
	if cfg.Firewall == "iptables" {
		return containment.NewIptablesBlocker(r, cfg.IptablesChain, containment.FileOwner)
	}
	return containment.NewPFBlocker(r, cfg.PFAnchor, containment.FileOwner)
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// Close stops the agent, disconnects event subscribers and releases the
// audit log and store.
func (a *App) Close() error {
	if a.Agent != nil {
		a.Agent.Stop()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	var errs []error
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger constructs a *slog.Logger writing to w at the requested minimum
// level: JSON records for the daemon, text for interactive use.
func NewLogger(w io.Writer, level string, json bool) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
