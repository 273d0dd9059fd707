// Package daemon assembles the webhook engine, worker, subagent scheduler
// and their HTTP surfaces into one long-running service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/config"
	"github.com/harun/agentrelay/internal/logger"
	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/api"
	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/commandqueue"
	"github.com/harun/agentrelay/pkg/completion"
	"github.com/harun/agentrelay/pkg/engine"
	"github.com/harun/agentrelay/pkg/events"
	"github.com/harun/agentrelay/pkg/executor"
	"github.com/harun/agentrelay/pkg/notify"
	"github.com/harun/agentrelay/pkg/platform"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/reconcile"
	"github.com/harun/agentrelay/pkg/store"
	"github.com/harun/agentrelay/pkg/subagent"
	"github.com/harun/agentrelay/pkg/task"
	"github.com/harun/agentrelay/pkg/webhook"
	"github.com/harun/agentrelay/pkg/worker"
)

// Version is the service version reported by the CLI and traces
const Version = "0.1.0"

// Daemon represents the agentrelay service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store       *store.SQLite
	queue       *commandqueue.CommandQueue
	tasks       *commandqueue.TaskQueue
	matcher     *command.Matcher
	factory     *task.Factory
	engine      *engine.Engine
	completions *completion.Registry
	notifier    *notify.Service
	scheduler   *subagent.Scheduler
	worker      *worker.Worker
	clients     platformClients

	// Services
	webhookServer *webhook.Server
	apiHandler    *api.Handler
	hub           *events.Hub
	reconciler    *reconcile.Reconciler
	watcher       *config.Watcher

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running        bool                              `json:"running"`
	Uptime         time.Duration                     `json:"uptime"`
	ActiveSubagent int                               `json:"active_subagents"`
	RunningTasks   int                               `json:"running_tasks"`
	EventClients   int                               `json:"event_clients"`
	Lanes          map[string]commandqueue.LaneStats `json:"lanes"`
}

var newExecutor = func(cfg executor.Config, logger zerolog.Logger) (executor.Executor, error) {
	return executor.New(cfg, logger)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeCore()
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules wires persistence, the queue, the engine and the
// scheduler in dependency order
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Tracing.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.Tracing.AuditLog); err != nil {
			d.logger.Error().Err(err).Msg("Failed to initialize audit logger, using stderr")
		}
	}

	st, err := store.OpenSQLite(cfg.Store.Path, d.logger.Component("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	exec, err := newExecutor(cfg.Worker.Executor, d.logger.Component("executor"))
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	d.queue = commandqueue.New(commandqueue.Config{
		Lanes: map[string]int{
			commandqueue.LaneTasks:     cfg.Worker.Concurrency,
			commandqueue.LaneSubagents: cfg.Subagents.MaxParallel,
		},
		Logger: d.logger.Component("commandqueue"),
	})

	if cfg.Events.Enabled {
		d.hub = events.NewHub(events.Config{
			Token:        cfg.Events.Token,
			TickInterval: cfg.Events.TickInterval,
			Logger:       d.logger.Component("events"),
		})
	}

	clients := newPlatformClients(cfg)
	d.clients = clients
	if clients.slack != nil {
		d.notifier = notify.NewService(cfg.Notifications, clients.slack, d.logger.Component("notify"),
			notify.WithChannelNotFound(platform.IsChannelNotFound))
	} else {
		notifications := cfg.Notifications
		notifications.Enabled = false
		d.notifier = notify.NewService(notifications, nil, d.logger.Component("notify"))
	}

	d.completions = completion.NewRegistry(d.logger.Component("completion"))
	if err := completion.RegisterDefaults(d.completions, clients.deps(d.notifier, d.logger.Component("completion"))); err != nil {
		return err
	}

	var broadcaster worker.Broadcaster
	if d.hub != nil {
		broadcaster = d.hub
	}
	d.worker, err = worker.New(worker.Config{
		Store:       st,
		Executor:    exec,
		Completions: d.completions,
		Events:      broadcaster,
		Timeout:     cfg.Worker.TaskTimeout,
		Logger:      d.logger.Component("worker"),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	d.tasks = commandqueue.NewTaskQueue(d.queue, commandqueue.LaneTasks, d.worker.Process)

	tables, err := cfg.CommandTables()
	if err != nil {
		return err
	}
	d.matcher, err = command.NewMatcher(tables...)
	if err != nil {
		return fmt.Errorf("failed to create command matcher: %w", err)
	}

	d.factory, err = task.NewFactory(task.FactoryConfig{
		Store:  st,
		Queue:  d.tasks,
		Logger: d.logger.Component("task"),
	})
	if err != nil {
		return fmt.Errorf("failed to create task factory: %w", err)
	}

	engineCfg := engine.Config{
		Matcher: d.matcher,
		Tasks:   d.factory,
		Events:  st,
		Logger:  d.logger.Component("engine"),
	}
	if clients.github != nil {
		engineCfg.Acknowledger = webhook.NewGitHubAcknowledger(clients.github, d.logger.Component("webhook"))
	}
	d.engine, err = engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	d.scheduler, err = subagent.NewScheduler(subagent.Config{
		Coordinator: st,
		Executions:  st.Executions(),
		MaxParallel: cfg.Subagents.MaxParallel,
		Logger:      d.logger.Component("subagent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create subagent scheduler: %w", err)
	}
	d.scheduler.SetLauncher(worker.NewLauncher(worker.LauncherConfig{
		Queue:     d.queue,
		Scheduler: d.scheduler,
		Executor:  exec,
		Timeout:   cfg.Subagents.Timeout,
		Logger:    d.logger.Component("launcher"),
	}))
	if d.hub != nil {
		for _, ev := range []string{subagent.EventSpawned, subagent.EventStopped, subagent.EventCompleted, subagent.EventFailed} {
			d.scheduler.On(ev, d.hub.BroadcastSubagent(ev))
		}
	}

	d.logger.Info().
		Int("tables", len(tables)).
		Int("max_parallel", d.scheduler.MaxParallel()).
		Str("executor", exec.Kind()).
		Msg("Core modules initialized")

	return nil
}

// initializeServices builds the HTTP surfaces and the background jobs
func (d *Daemon) initializeServices() error {
	cfg := d.config

	providers := make(map[provider.Provider]webhook.ProviderOptions)
	for _, p := range provider.All {
		pc := cfg.Providers.Get(p)
		providers[p] = webhook.ProviderOptions{Enabled: pc.Enabled, Secret: pc.Secret}
	}

	server, err := webhook.NewServer(webhook.ServerOptions{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Timeout:            cfg.Server.Timeout,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		DedupTTL:           cfg.Server.DedupTTL,
		DedupSize:          cfg.Server.DedupSize,
		Providers:          providers,
	}, d.engine, d.logger.Component("webhook"))
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	d.webhookServer = server

	if cfg.Providers.Slack.Enabled {
		server.EnableInteractivity(d.clients.interactions())
	}

	if cfg.API.Enabled {
		d.apiHandler, err = api.NewHandler(api.Config{
			Scheduler: d.scheduler,
			Tasks:     d.worker,
			Token:     cfg.API.Token,
			Logger:    d.logger.Component("api"),
		})
		if err != nil {
			return fmt.Errorf("failed to create api handler: %w", err)
		}
		server.Mount("/api/", d.apiHandler)
	}

	if d.hub != nil {
		server.Mount("GET /ws", d.hub)
	}

	if cfg.Reconcile.Enabled {
		d.reconciler, err = reconcile.New(reconcile.Config{
			Store:      d.store,
			Queue:      d.tasks,
			Schedule:   cfg.Reconcile.Schedule,
			StaleAfter: cfg.Reconcile.StaleAfter,
			BatchSize:  cfg.Reconcile.BatchSize,
			Logger:     d.logger.Component("reconcile"),
		})
		if err != nil {
			return fmt.Errorf("failed to create reconciler: %w", err)
		}
	}

	d.watcher, err = config.NewWatcher(cfg, d.matcher, d.logger.Component("config"))
	if err != nil {
		return fmt.Errorf("failed to create command table watcher: %w", err)
	}

	return nil
}

// Start starts the daemon services
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentrelay daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.watcher.Files() > 0 {
		if err := d.watcher.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to watch command tables, hot reload disabled")
		} else {
			logger.Info().Int("files", d.watcher.Files()).Msg("Command table watcher started")
		}
	}

	if d.reconciler != nil {
		if err := d.reconciler.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start reconciler: %w", err)
		}
		logger.Info().Str("schedule", d.config.Reconcile.Schedule).Msg("Reconciler started")
	}

	go func() {
		if err := d.webhookServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Webhook server exited")
			d.cancel()
		}
	}()

	logger.Info().
		Str("host", d.config.Server.Host).
		Int("port", d.config.Server.Port).
		Interface("providers", d.config.EnabledProviders()).
		Msg("Daemon started successfully")

	return nil
}

// Stop stops all services in reverse order of Start
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentrelay daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
	defer cancel()

	if err := d.webhookServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop webhook server")
	}

	if d.reconciler != nil {
		d.reconciler.Stop()
	}

	// Queued tasks stay queued in the store and are re-enqueued by the
	// reconciler after a restart. Running tasks and launched subagents get
	// the rest of the shutdown timeout to finish.
	if drained := d.queue.Drain(commandqueue.LaneTasks); drained > 0 {
		logger.Info().Int("tasks", drained).Msg("Left queued tasks for the next start")
	}
	if err := d.queue.WaitIdle(shutdownCtx); err != nil {
		logger.Warn().Interface("lanes", d.queue.Stats()).Msg("Cancelling jobs still running at shutdown")
	}

	if err := d.watcher.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop command table watcher")
	}

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCore()

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// closeCore releases the core modules. Queued tasks left behind are picked
// up by the reconciler on the next start.
func (d *Daemon) closeCore() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.Uptime = time.Since(d.startTime)
	}
	if d.worker != nil {
		st.RunningTasks = d.worker.Running()
	}
	if d.hub != nil {
		st.EventClients = d.hub.Count()
	}
	if d.queue != nil {
		st.Lanes = d.queue.Stats()
	}
	if d.scheduler != nil {
		if active, err := d.scheduler.Active(d.ctx); err == nil {
			st.ActiveSubagent = len(active)
		}
	}
	return st
}

// Done is closed when the daemon stops or its webhook server fails
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// GetConfig returns the daemon config
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the webhook command engine
func (d *Daemon) GetEngine() *engine.Engine {
	return d.engine
}

// GetScheduler returns the subagent scheduler
func (d *Daemon) GetScheduler() *subagent.Scheduler {
	return d.scheduler
}

// GetStore returns the task and execution store
func (d *Daemon) GetStore() *store.SQLite {
	return d.store
}

// GetWebhookServer returns the webhook server
func (d *Daemon) GetWebhookServer() *webhook.Server {
	return d.webhookServer
}
