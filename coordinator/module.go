// Package coordinator assembles an eventflow server from its configuration
// as a modular application module.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/eventflow/api"
	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/config"
	"github.com/GoCodeAlone/eventflow/crossserver"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/metrics"
	"github.com/GoCodeAlone/eventflow/observability/tracing"
	"github.com/GoCodeAlone/eventflow/registry"
	"github.com/GoCodeAlone/eventflow/scheduler"
	"github.com/GoCodeAlone/eventflow/store"
	"github.com/GoCodeAlone/eventflow/workflow"
	"github.com/GoCodeAlone/eventflow/workflow/actions"
)

// ModuleName is the name the module registers under.
const ModuleName = "eventflow"

// Service names registered with the application.
const (
	ServiceBus        = "eventflow.bus"
	ServiceRoles      = "eventflow.roles"
	ServiceRegistry   = "eventflow.registry"
	ServicePublisher  = "eventflow.publisher"
	ServiceSubscriber = "eventflow.subscriber"
	ServiceHandlers   = "eventflow.handlers"
	ServiceEngine     = "eventflow.engine"
	ServiceExecutions = "eventflow.executions"
	ServiceRecords    = "eventflow.records"
	ServiceMetrics    = "eventflow.metrics"
)

// Module owns every eventflow component of one server. Init builds them
// without touching the network; Start connects, registers peers, binds
// triggers and serves HTTP; Stop tears down in reverse order.
type Module struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	metrics    *metrics.Collector
	tracing    *tracing.Provider
	bus        *eventbus.Bus
	roles      *rbac.RoleManager
	registry   *registry.Registry
	relay      *crossserver.NATSRelay
	publisher  *crossserver.Publisher
	subscriber *crossserver.Subscriber
	redis      *redis.Client
	executions store.ExecutionStore
	seen       store.SeenStore
	records    actions.RecordStore
	sqlite     *actions.SQLiteRecordStore
	handlers   *workflow.HandlerRegistry
	executor   *workflow.Executor
	scheduler  *scheduler.CronScheduler
	engine     *workflow.Engine
	source     *config.WorkflowSource
	watcher    *config.WorkflowWatcher
	handler    http.Handler
	server     *http.Server

	mu       sync.Mutex
	listener net.Listener
	started  time.Time
}

// NewModule creates the module for cfg.
func NewModule(cfg *config.ServerConfig, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{cfg: cfg, logger: logger}
}

// Name returns the module name.
func (m *Module) Name() string { return ModuleName }

// Init builds the components and registers them as services.
func (m *Module) Init(app modular.Application) error {
	if err := m.build(context.Background()); err != nil {
		return err
	}
	services := map[string]any{
		ServiceBus:        m.bus,
		ServiceRoles:      m.roles,
		ServiceRegistry:   m.registry,
		ServicePublisher:  m.publisher,
		ServiceSubscriber: m.subscriber,
		ServiceHandlers:   m.handlers,
		ServiceEngine:     m.engine,
		ServiceExecutions: m.executions,
		ServiceRecords:    m.records,
		ServiceMetrics:    m.metrics,
	}
	for name, svc := range services {
		if err := app.RegisterService(name, svc); err != nil {
			return fmt.Errorf("failed to register service %s: %w", name, err)
		}
	}
	m.logger.Info("Eventflow module configured", "server", m.cfg.ServerID, "address", m.cfg.ListenAddr)
	return nil
}

func (m *Module) build(ctx context.Context) error {
	cfg := m.cfg
	logger := m.logger

	m.metrics = metrics.NewCollector(cfg.Metrics)

	tcfg := cfg.Tracing
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = cfg.Version
	}
	tp, err := tracing.NewProvider(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	m.tracing = tp

	m.bus = eventbus.New(eventbus.WithLogger(logger))

	m.roles = rbac.NewRoleManager(rbac.WithLogger(logger))
	if cfg.RolesPath != "" {
		assignments, err := config.LoadRoleAssignments(cfg.RolesPath)
		if err != nil {
			return err
		}
		if err := m.roles.Load(assignments); err != nil {
			return fmt.Errorf("failed to load role assignments: %w", err)
		}
		logger.Info("Role assignments loaded", "path", cfg.RolesPath, "count", len(assignments))
	}

	m.registry = registry.New(
		registry.WithCheckTimeout(cfg.Registry.HealthCheckTimeout),
		registry.WithDefaultInterval(cfg.Registry.HealthCheckInterval),
		registry.WithStatusRecorder(m.metrics),
		registry.WithLogger(logger),
	)

	pubOpts := []crossserver.PublisherOption{
		crossserver.WithDeliveryRecorder(m.metrics),
		crossserver.WithPublisherLogger(logger),
	}
	if cfg.Delivery.Timeout > 0 {
		pubOpts = append(pubOpts, crossserver.WithDeliveryTimeout(cfg.Delivery.Timeout))
	}
	if cfg.Delivery.RateLimit > 0 {
		pubOpts = append(pubOpts, crossserver.WithRateLimit(rate.Limit(cfg.Delivery.RateLimit), cfg.Delivery.RateBurst))
	}
	if cfg.NATS.URL != "" {
		m.relay = crossserver.NewNATSRelay(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.ServerID, m.bus, logger)
		pubOpts = append(pubOpts, crossserver.WithRelay(m.relay))
	}
	m.publisher = crossserver.NewPublisher(cfg.ServerID, m.bus, m.registry, pubOpts...)
	m.subscriber = crossserver.NewSubscriber(cfg.ServerID, m.bus, crossserver.WithSubscriberLogger(logger))
	m.subscriber.SubscribeAll(func(_ context.Context, ev eventbus.EventPayload) error {
		logger.Debug("Cross-server event", "eventType", ev.EventType, "source", ev.SourceServer)
		return nil
	}, crossserver.SubscribeOptions{})

	if cfg.Redis.Address != "" {
		m.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		m.executions = store.NewRedisStore(m.redis,
			store.WithKeyPrefix(cfg.Redis.Prefix),
			store.WithTTL(cfg.Redis.TTL),
			store.WithMaxPerWorkflow(cfg.Redis.MaxPerWorkflow),
		)
		m.seen = store.NewRedisSeenStore(m.redis, cfg.Redis.Prefix, store.DefaultSeenTTL)
	} else {
		m.executions = store.NewMemoryStore(cfg.Redis.MaxPerWorkflow)
		m.seen = store.NewMemorySeenStore(store.DefaultSeenTTL)
	}

	if cfg.Records.SQLitePath != "" {
		m.sqlite, err = actions.NewSQLiteRecordStore(cfg.Records.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		m.records = m.sqlite
	} else {
		m.records = actions.NewMemoryRecordStore()
	}

	var notifier workflow.Notifier = actions.NewBusNotifier(m.bus, cfg.ServerID)
	if cfg.Notifications.WebhookURL != "" {
		notifier = actions.NewWebhookNotifier(cfg.Notifications.WebhookURL, nil)
	}

	m.handlers = workflow.NewHandlerRegistry()
	actions.RegisterBuiltins(m.handlers, actions.Dependencies{
		Notifier:  notifier,
		Records:   m.records,
		Publisher: m.publisher,
	})

	m.executor = workflow.NewExecutor(m.handlers,
		workflow.WithAuthorizer(m.roles),
		workflow.WithRecorder(m.executions),
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(m.metrics),
		workflow.WithEmitter(workflow.NewBusEmitter(m.bus, cfg.ServerID)),
		workflow.WithTracerProvider(m.tracing.TracerProvider()),
		workflow.WithExecutorLogger(logger),
		workflow.WithMaxTransitions(cfg.Executor.MaxTransitions),
		workflow.WithRetention(cfg.Executor.Retention),
	)
	m.scheduler = scheduler.NewCronScheduler(scheduler.WithLogger(logger))
	m.engine = workflow.NewEngine(m.executor, m.bus,
		workflow.WithScheduler(m.scheduler),
		workflow.WithApprovalChecker(m.roles),
		workflow.WithEngineLogger(logger),
	)

	if cfg.WorkflowsPath != "" {
		m.source = config.NewWorkflowSource(cfg.WorkflowsPath)
		defs, err := m.source.Load(ctx)
		if err != nil {
			return err
		}
		if err := m.engine.Replace(defs); err != nil {
			return fmt.Errorf("failed to register workflows: %w", err)
		}
		logger.Info("Workflows loaded", "path", cfg.WorkflowsPath, "count", len(defs))
		if cfg.WatchWorkflows {
			m.watcher = config.NewWorkflowWatcher(m.source, m.reloadWorkflows, config.WithWatchLogger(logger))
		}
	}

	m.started = time.Now()
	m.handler = api.NewRouter(api.Services{
		Bus:        m.bus,
		Publisher:  m.publisher,
		Engine:     m.engine,
		Executions: m.executions,
		Registry:   m.registry,
		Roles:      m.roles,
		Scheduler:  m.scheduler,
		Metrics:    m.metrics,
		Seen:       m.seen,
	}, api.Config{
		ServerID:   cfg.ServerID,
		Version:    cfg.Version,
		StartedAt:  m.started,
		UserHeader: cfg.UserHeader,
		Checks:     m.healthChecks(),
		SaveRoles:  m.saveRoles(),
		Logger:     logger,
	})
	m.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           m.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (m *Module) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if rs, ok := m.executions.(*store.RedisStore); ok {
		checks["redis"] = rs.Ping
	}
	if m.sqlite != nil {
		checks["records"] = m.sqlite.Ping
	}
	if m.relay != nil {
		checks["nats"] = m.relay.Ping
	}
	return checks
}

func (m *Module) saveRoles() func([]rbac.UserRoles) error {
	if m.cfg.RolesPath == "" {
		return nil
	}
	path := m.cfg.RolesPath
	return func(a []rbac.UserRoles) error { return config.SaveRoleAssignments(path, a) }
}

// reloadWorkflows swaps in a reloaded definition set. A set the engine
// rejects leaves the previous one in place.
func (m *Module) reloadWorkflows(ev config.WorkflowChangeEvent) {
	if err := m.engine.Replace(ev.Workflows); err != nil {
		m.logger.Error("Failed to apply reloaded workflows", "source", ev.Source, "error", err)
		return
	}
	m.logger.Info("Workflows reloaded", "source", ev.Source, "count", len(ev.Workflows))
}

// Start connects the relay, registers peers from the environment, binds
// workflow triggers and starts serving HTTP.
func (m *Module) Start(ctx context.Context) error {
	if m.relay != nil {
		if err := m.relay.Connect(ctx); err != nil {
			return err
		}
	}

	registered, err := m.registry.RegisterFromEnv(ctx, m.cfg.PeerSpecs(), m.cfg.Registry.HealthCheckInterval)
	if err != nil {
		return fmt.Errorf("failed to register peers: %w", err)
	}
	m.logger.Info("Peers registered", "servers", registered)

	m.scheduler.Start()
	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	if m.watcher != nil {
		if err := m.watcher.Start(); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTP server error", "error", err)
		}
	}()
	m.logger.Info("HTTP server started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down and releases every component.
func (m *Module) Stop(ctx context.Context) error {
	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down HTTP server: %w", err))
		}
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.engine != nil {
		if err := m.engine.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.scheduler != nil {
		if err := m.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.registry != nil {
		m.registry.Close()
	}
	if m.subscriber != nil {
		m.subscriber.ClearAll()
	}
	if m.relay != nil {
		if err := m.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.sqlite != nil {
		if err := m.sqlite.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.tracing != nil {
		if err := m.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("Eventflow module stopped", "server", m.cfg.ServerID)
	return errors.Join(errs...)
}

// Addr returns the bound listen address once Start has run.
func (m *Module) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Handler returns the HTTP handler built by Init.
func (m *Module) Handler() http.Handler { return m.handler }

// Engine returns the workflow engine built by Init.
func (m *Module) Engine() *workflow.Engine { return m.engine }

// Bus returns the event bus built by Init.
func (m *Module) Bus() *eventbus.Bus { return m.bus }

// Registry returns the service registry built by Init.
func (m *Module) Registry() *registry.Registry { return m.registry }

// Roles returns the role manager built by Init.
func (m *Module) Roles() *rbac.RoleManager { return m.roles }
