// Package master wires sources, schedulers, slaves and history into a
// running build master.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/api"
	"github.com/narvanalabs/buildmaster/internal/api/health"
	"github.com/narvanalabs/buildmaster/internal/auth"
	"github.com/narvanalabs/buildmaster/internal/cleanup"
	slavegrpc "github.com/narvanalabs/buildmaster/internal/grpc"
	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/history/logfs"
	"github.com/narvanalabs/buildmaster/internal/history/memstore"
	"github.com/narvanalabs/buildmaster/internal/history/postgres"
	"github.com/narvanalabs/buildmaster/internal/logs"
	"github.com/narvanalabs/buildmaster/internal/scheduler"
	"github.com/narvanalabs/buildmaster/internal/secrets"
	"github.com/narvanalabs/buildmaster/internal/shutdown"
	"github.com/narvanalabs/buildmaster/internal/slave"
	"github.com/narvanalabs/buildmaster/internal/source"
	"github.com/narvanalabs/buildmaster/pkg/config"
)

// Master owns every component of a running build master.
type Master struct {
	config *config.Config
	file   *config.MasterFile
	logger *slog.Logger

	store      history.Store
	logs       history.LogStore
	tee        *logs.Tee
	history    *history.Manager
	cleanup    *cleanup.Service
	disk       *cleanup.DiskMonitor
	auth       *auth.Service
	opened     map[string]map[string]map[string]string // project -> step -> env
	registry   *slave.Registry
	sources    []*source.PollingManager
	schedulers []scheduler.Scheduler
	health     *health.Checker
	grpc       *slavegrpc.Server
	api        *api.Server

	stack   *shutdown.Coordinator
	errCh   chan error
	cancel  context.CancelFunc
	servers sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Master.
type Option func(*Master)

// WithHistoryStores replaces the history stores selected by configuration.
func WithHistoryStores(store history.Store, logs history.LogStore) Option {
	return func(m *Master) {
		m.store = store
		m.logs = logs
	}
}

// New builds a master from environment configuration and a master file.
// Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, mf *config.MasterFile, logger *slog.Logger, opts ...Option) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Master{
		config: cfg,
		file:   mf,
		logger: logger,
		errCh:  make(chan error, 2),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.setupHistory(ctx); err != nil {
		return nil, err
	}
	if err := m.setupCleanup(); err != nil {
		m.history.Close()
		return nil, err
	}
	if err := m.setupAuth(); err != nil {
		m.history.Close()
		return nil, err
	}
	if err := m.setupSecrets(); err != nil {
		m.history.Close()
		return nil, err
	}
	m.setupRegistry()
	if err := m.setupSources(); err != nil {
		m.history.Close()
		return nil, err
	}
	if err := m.setupSchedulers(); err != nil {
		m.history.Close()
		return nil, err
	}
	m.setupServers()

	return m, nil
}

func (m *Master) setupHistory(ctx context.Context) error {
	if m.store == nil {
		switch m.config.HistoryBackend {
		case config.HistoryBackendPostgres:
			store, err := postgres.New(ctx, postgres.DefaultConfig(m.config.DatabaseDSN), m.logger)
			if err != nil {
				return fmt.Errorf("opening history database: %w", err)
			}
			m.store = store
		default:
			m.store = memstore.New()
		}
	}

	if m.logs == nil {
		if m.config.LogDir == "" {
			m.logs = logfs.NewMemory()
		} else {
			logs, err := logfs.NewOS(m.config.LogDir, m.logger)
			if err != nil {
				m.store.Close()
				return err
			}
			m.logs = logs
		}
	}

	m.tee = logs.NewTee(m.logs, logs.NewBroker(m.logger.With("component", "logs")))
	m.history = history.NewManager(m.store, m.tee, history.WithLogger(m.logger))
	return nil
}

func (m *Master) setupCleanup() error {
	r := m.config.Retention
	interval := r.PruneInterval
	if interval <= 0 {
		interval = cleanup.DefaultInterval
	}
	svc, err := cleanup.NewService(m.history, &cleanup.Settings{
		BuildRetention: r.BuildRetention,
		MinBuildsKept:  r.MinBuildsKept,
		Interval:       interval,
	}, m.logger.With("component", "cleanup"))
	if err != nil {
		return err
	}
	m.cleanup = svc
	m.disk = cleanup.NewDiskMonitor(m.tee, int64(r.LogQuotaMB)<<20, svc, m.logger.With("component", "cleanup"))
	return nil
}

func (m *Master) setupAuth() error {
	if m.config.SlaveTokenSecret == "" {
		m.logger.Warn("no token secret configured, slaves and API are unauthenticated")
		return nil
	}
	svc, err := auth.NewService(&auth.Config{
		Secret:      []byte(m.config.SlaveTokenSecret),
		TokenExpiry: m.config.SlaveTokenExpiry,
	}, m.logger)
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}
	m.auth = svc
	return nil
}

// setupSecrets opens every sealed step secret up front so that a wrong key
// fails at startup instead of in the middle of a build.
func (m *Master) setupSecrets() error {
	if m.config.SecretsKey == "" {
		if m.file.HasSecrets() {
			return fmt.Errorf("master file has step secrets but SECRETS_AGE_KEY is not set")
		}
		return nil
	}
	svc, err := secrets.NewService(&secrets.Config{PrivateKey: m.config.SecretsKey}, m.logger.With("component", "secrets"))
	if err != nil {
		return fmt.Errorf("creating secrets service: %w", err)
	}

	m.opened = make(map[string]map[string]map[string]string)
	for _, p := range m.file.Projects {
		for _, step := range p.Steps {
			env, err := svc.OpenAll(step.Secrets)
			if err != nil {
				return fmt.Errorf("project %s: step %s: %w", p.Name, step.Name, err)
			}
			if env == nil {
				continue
			}
			if m.opened[p.Name] == nil {
				m.opened[p.Name] = make(map[string]map[string]string)
			}
			m.opened[p.Name][step.Name] = env
		}
	}
	return nil
}

func (m *Master) setupRegistry() {
	known := make([]string, 0, len(m.file.Slaves))
	for _, s := range m.file.Slaves {
		known = append(known, s.Name)
	}
	m.registry = slave.NewRegistry(m.logger.With("component", "registry"), &slave.RegistryConfig{
		HealthCheckInterval: m.config.Slave.HealthCheckInterval,
		DegradedThreshold:   m.config.Slave.DegradedThreshold,
		DownThreshold:       m.config.Slave.DownThreshold,
		Known:               known,
	})
}

func (m *Master) setupSources() error {
	for _, def := range m.file.Sources {
		backend, err := m.newBackend(def)
		if err != nil {
			return err
		}
		interval := def.PollInterval
		if interval <= 0 {
			interval = m.config.Source.PollInterval
		}
		m.sources = append(m.sources, source.NewPollingManager(def.Name, backend,
			source.WithPollInterval(interval),
			source.WithLogger(m.logger.With("component", "source")),
		))
	}
	return nil
}

func (m *Master) newBackend(def config.SourceDef) (source.Backend, error) {
	repository := def.Repository
	if repository == "" {
		repository = def.Name
	}

	switch def.Type {
	case config.SourceTypeCommand:
		return &source.CommandBackend{
			Repository: repository,
			Command:    def.Command,
			Dir:        def.Dir,
			Timeout:    m.config.Source.CommandTimeout,
		}, nil
	case config.SourceTypeDir:
		return &source.DirBackend{
			Root:       def.Dir,
			Repository: repository,
			Ignore:     []string{".git", ".hg", ".svn"},
			Logger:     m.logger,
		}, nil
	case config.SourceTypeManual:
		return source.NewManualBackend(repository, def.Version), nil
	default:
		return nil, fmt.Errorf("source %s: unknown type %q", def.Name, def.Type)
	}
}

func (m *Master) setupSchedulers() error {
	for _, p := range m.file.Projects {
		overlap, err := scheduler.ParseOverlap(p.Scheduler.Overlap)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}

		managers := make([]source.Manager, 0, len(p.Scheduler.Sources))
		for _, name := range p.Scheduler.Sources {
			mgr, ok := m.Source(name)
			if !ok {
				return fmt.Errorf("project %s: unknown source %q", p.Name, name)
			}
			managers = append(managers, mgr)
		}
		var first source.Manager
		if len(managers) > 0 {
			first = managers[0]
		}

		action := NewBuildAction(p, m.history, boundedAcquire{m.registry, m.config.Slave.AcquireTimeout}, m.logger,
			WithStepSecrets(m.opened[p.Name]))
		cfg := scheduler.Config{
			Name:    p.Name,
			Action:  action.Run,
			Context: p,
			Overlap: overlap,
			Logger:  m.logger,
		}

		var s scheduler.Scheduler
		switch p.Scheduler.Type {
		case config.SchedulerTypeChange:
			s = scheduler.NewChangeScheduler(cfg, managers, p.Scheduler.TreeStableTimer)
		case config.SchedulerTypePeriodic:
			s, err = scheduler.NewPeriodicScheduler(cfg, first, p.Scheduler.Interval, p.Scheduler.OnlyIfChanged)
			if err != nil {
				return fmt.Errorf("project %s: %w", p.Name, err)
			}
		case config.SchedulerTypeTriggerable:
			s = scheduler.NewTriggerable(cfg, first)
		default:
			return fmt.Errorf("project %s: unknown scheduler type %q", p.Name, p.Scheduler.Type)
		}
		m.schedulers = append(m.schedulers, s)
	}
	return nil
}

// boundedAcquire limits how long a build waits for its slave to attach.
type boundedAcquire struct {
	registry *slave.Registry
	timeout  time.Duration
}

func (b boundedAcquire) Acquire(ctx context.Context, name string) (slave.Slave, error) {
	if b.timeout <= 0 {
		return b.registry.Acquire(ctx, name)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.registry.Acquire(ctx, name)
}

func (m *Master) setupServers() {
	m.health = health.NewChecker(api.Version)
	m.health.Register("history", m.historyPinger(), true)
	m.health.Register("slaves", health.PingFunc(m.pingSlaves), false)
	if m.config.Retention.LogQuotaMB > 0 {
		m.health.Register("logs", m.disk, false)
	}

	// A nil *auth.Service must not become a non-nil interface.
	var grpcAuth slavegrpc.AuthService
	if m.auth != nil {
		grpcAuth = m.auth
	}
	grpcCfg := slavegrpc.DefaultConfig()
	grpcCfg.Port = m.config.GRPCPort
	if m.config.Slave.HeartbeatInterval > 0 {
		grpcCfg.HeartbeatInterval = m.config.Slave.HeartbeatInterval
	}
	m.grpc = slavegrpc.NewServer(grpcCfg, m.registry, grpcAuth, m.logger.With("component", "grpc"))
	if m.config.GRPCPort > 0 {
		m.health.Register("grpc", health.PingFunc(func(ctx context.Context) error {
			if !m.grpc.IsServing() {
				return errors.New("not serving")
			}
			return nil
		}), false)
	}

	managers := make([]source.Manager, len(m.sources))
	for i, s := range m.sources {
		managers[i] = s
	}
	m.api = api.NewServer(&api.Config{
		Host:            m.config.HTTPHost,
		Port:            m.config.HTTPPort,
		ShutdownTimeout: m.config.ShutdownTimeout,
	}, api.Deps{
		History:    m.history,
		Sources:    managers,
		Slaves:     m.registry,
		Schedulers: m.schedulers,
		Auth:       m.auth,
		Health:     m.health,
		Logs:       m.tee,
	}, m.logger.With("component", "api"))
}

func (m *Master) historyPinger() health.Pinger {
	if p, ok := m.store.(health.Pinger); ok {
		return p
	}
	return health.PingFunc(func(ctx context.Context) error {
		_, err := m.history.ProjectNames(ctx)
		return err
	})
}

// pingSlaves fails while a remote slave used by the master is not attached.
func (m *Master) pingSlaves(ctx context.Context) error {
	missing := 0
	for _, def := range m.file.Slaves {
		if m.registry.Status(def.Name) == slave.StatusDetached {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d slaves not attached", missing, len(m.file.Slaves))
	}
	return nil
}

// Start attaches local slaves and starts sources, schedulers and servers.
// A zero HTTP or gRPC port leaves that listener off.
func (m *Master) Start(ctx context.Context) error {
	err := errors.New("master already started")
	m.startOnce.Do(func() { err = m.start(ctx) })
	return err
}

func (m *Master) start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.stack = shutdown.NewCoordinator(
		shutdown.WithTimeout(m.config.ShutdownTimeout),
		shutdown.WithLogger(m.logger.With("component", "shutdown")),
	)

	m.stack.Register(shutdown.NewCloserComponent("history", m.history))

	m.cleanup.Start(ctx)
	m.stack.Register(shutdown.NewStopperComponent("cleanup", m.cleanup))
	if m.config.Retention.LogQuotaMB > 0 {
		interval := m.config.Retention.CheckInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		m.servers.Add(1)
		go func() {
			defer m.servers.Done()
			m.disk.Run(ctx, interval)
		}()
	}

	m.registry.StartHealthChecker(ctx)
	m.stack.Register(shutdown.NewStopperComponent("registry", m.registry))
	if err := m.attachLocalSlaves(ctx); err != nil {
		m.Shutdown(context.Background())
		return err
	}

	for _, s := range m.sources {
		s.Start(ctx)
		m.stack.Register(shutdown.NewFuncComponent("source "+s.Name(), func(context.Context) error {
			s.Close()
			return nil
		}))
	}

	for _, s := range m.schedulers {
		if err := s.Start(ctx); err != nil {
			m.Shutdown(context.Background())
			return fmt.Errorf("starting scheduler %s: %w", s.Name(), err)
		}
		m.stack.Register(shutdown.NewStopperComponent("scheduler "+s.Name(), s))
	}

	if m.config.GRPCPort > 0 {
		m.serve("grpc", func() error { return m.grpc.Start(ctx) })
	}
	if m.config.HTTPPort > 0 {
		m.serve("api", func() error { return m.api.Start(ctx) })
	}
	m.stack.Register(shutdown.NewFuncComponent("servers", m.stopServers))

	m.logger.Info("build master started",
		"sources", len(m.sources),
		"schedulers", len(m.schedulers),
		"slaves", len(m.file.Slaves),
	)
	return nil
}

func (m *Master) serve(name string, run func() error) {
	m.servers.Add(1)
	go func() {
		defer m.servers.Done()
		if err := run(); err != nil {
			m.logger.Error("server failed", "server", name, "error", err)
			select {
			case m.errCh <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

// stopServers cancels the run context, which stops the listeners, and waits
// for them to return.
func (m *Master) stopServers(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for servers: %w", ctx.Err())
	}
}

// attachLocalSlaves attaches slaves that run commands in this process and
// keeps their heartbeats fresh.
func (m *Master) attachLocalSlaves(ctx context.Context) error {
	var local []string
	for _, def := range m.file.Slaves {
		if !def.Local {
			continue
		}
		dir := def.WorkDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "buildmaster", def.Name)
		}
		agent := slave.NewLocalAgent(dir, slave.BaseEnv(os.Environ()), m.logger.With("slave", def.Name))
		if _, err := m.registry.Attach(def.Name, agent, map[string]string{"local": "true"}); err != nil {
			return fmt.Errorf("attaching local slave %s: %w", def.Name, err)
		}
		local = append(local, def.Name)
	}
	if len(local) == 0 {
		return nil
	}

	interval := m.config.Slave.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.servers.Add(1)
	go func() {
		defer m.servers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, name := range local {
					m.registry.Heartbeat(name)
				}
			}
		}
	}()
	return nil
}

// Errors reports listener failures after Start.
func (m *Master) Errors() <-chan error {
	return m.errCh
}

// Shutdown stops servers, schedulers, sources and slaves, then closes the
// history, newest component first. Errors are combined.
func (m *Master) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.logger.Info("build master shutting down")
		if m.cancel == nil {
			m.shutdownErr = m.history.Close()
			return
		}
		m.stack.ShutdownContext(ctx)
		m.cancel()
		m.shutdownErr = m.stack.Err()
	})
	return m.shutdownErr
}

// History returns the history manager.
func (m *Master) History() *history.Manager { return m.history }

// Registry returns the slave registry.
func (m *Master) Registry() *slave.Registry { return m.registry }

// Cleanup returns the history retention service.
func (m *Master) Cleanup() *cleanup.Service { return m.cleanup }

// API returns the HTTP API server.
func (m *Master) API() *api.Server { return m.api }

// GRPC returns the slave transport server.
func (m *Master) GRPC() *slavegrpc.Server { return m.grpc }

// Auth returns the token service, nil when authentication is off.
func (m *Master) Auth() *auth.Service { return m.auth }

// Source returns the named source manager.
func (m *Master) Source(name string) (*source.PollingManager, bool) {
	for _, s := range m.sources {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Scheduler returns the scheduler of the named project.
func (m *Master) Scheduler(name string) (scheduler.Scheduler, bool) {
	for _, s := range m.schedulers {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}
