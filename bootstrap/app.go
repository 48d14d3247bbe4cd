package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/SentinelIQ/SentinelCore/api"
	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/config"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/notify"
	"github.com/SentinelIQ/SentinelCore/pipeline"
	"github.com/SentinelIQ/SentinelCore/registry"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds every long-lived component of the service.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Sugar      *zap.SugaredLogger
	SQLite     *storage.SQLite
	Redis      redis.UniversalClient
	Recorder   *audit.SQLRecorder
	Gate       *authz.Gate
	Registry   *registry.Registry
	Queues     *pipeline.StageQueues
	Locks      *pipeline.ModuleLocks
	Engine     *pipeline.Engine
	Dispatcher *pipeline.Dispatcher
	Scheduler  *pipeline.Scheduler
	Reconciler *pipeline.Reconciler
	API        *api.API

	cancel context.CancelFunc
}

// NewApp builds the full dependency graph in order: config, logging,
// storage, audit, authorization, registry, pipeline, API. Nothing is
// started yet.
func NewApp(ctx context.Context) (*App, error) {
	// Bootstrap logger until the config says otherwise.
	_, bootSugar, err := InitLogger("info", "console")
	if err != nil {
		return nil, err
	}

	cfg, err := InitConfig(bootSugar)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithCancel(ctx)
	app := &App{Config: cfg, Logger: logger, Sugar: sugar, cancel: cancel}

	app.SQLite, err = InitSQLite(cfg, sugar)
	if err != nil {
		cancel()
		return nil, err
	}

	app.Redis, err = InitRedis(appCtx, cfg, sugar)
	if err != nil {
		cancel()
		_ = app.SQLite.Close()
		return nil, err
	}

	moduleStore := storage.NewSQLiteModuleStorage(app.SQLite)
	executionStore := storage.NewSQLiteExecutionStorage(app.SQLite)
	auditStore := storage.NewSQLiteAuditStorage(app.SQLite)

	app.Recorder = audit.NewRecorder(auditStore, cfg.Audit.SensitiveKeys, sugar)
	app.Gate = authz.NewGate(authz.DefaultMatrix(), app.Recorder, sugar)

	app.Registry, err = registry.New(moduleStore, app.Gate, app.Recorder, sugar)
	if err != nil {
		cancel()
		_ = app.SQLite.Close()
		return nil, err
	}
	if err := app.Registry.RegisterRunner(notify.NewRunner(cfg.Notifications.WebhookTimeout, sugar)); err != nil {
		cancel()
		_ = app.SQLite.Close()
		return nil, err
	}

	perStage := make(map[core.Stage]pipeline.QueueSettings, len(cfg.Pipeline.Queues))
	for name, q := range cfg.Pipeline.Queues {
		perStage[core.Stage(name)] = pipeline.QueueSettings{
			Workers:           q.Workers,
			QueueSize:         q.QueueSize,
			MaxTasksPerWorker: q.MaxTasksPerWorker,
			SoftLimit:         q.SoftLimit,
			HardLimit:         q.HardLimit,
		}
	}
	app.Queues = pipeline.NewStageQueues(appCtx, perStage, sugar)
	app.Locks = pipeline.NewModuleLocks(app.Redis, executionStore, cfg.Pipeline.LockTTL, sugar)

	retry := pipeline.RetryPolicy{
		MaxAttempts: cfg.Pipeline.Retry.MaxAttempts,
		Backoff:     cfg.Pipeline.Retry.Backoff,
	}
	app.Engine = pipeline.NewEngine(appCtx, app.Registry, moduleStore, executionStore, app.Queues, app.Locks, retry, sugar)
	app.Dispatcher = pipeline.NewDispatcher(app.Registry, moduleStore, executionStore, app.Gate, app.Recorder, app.Queues, app.Locks, app.Engine, sugar)
	app.Scheduler = pipeline.NewScheduler(moduleStore, app.Dispatcher, cfg.Scheduler.RefreshInterval, sugar)
	app.Reconciler = pipeline.NewReconciler(executionStore, app.Locks, app.Queues, cfg.Reconciler.Interval, sugar)

	app.API = api.NewAPI(app.Registry, app.Dispatcher, app.Gate, app.Recorder, app.Queues, api.Options{
		Addr:              cfg.APIAddr(),
		RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
		Burst:             cfg.API.RateLimit.Burst,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
	}, sugar)

	return app, nil
}

// Start launches queues, scheduler, reconciler, and the API server, and
// registers module manifests from disk.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queues.Start(); err != nil {
		return err
	}

	if n, err := a.Registry.LoadManifestDir(ctx, a.Config.DataPaths.ModulesDir); err != nil {
		a.Sugar.Errorw("Module manifest load finished with errors", "error", err)
	} else if n > 0 {
		a.Sugar.Infow("Module manifests registered", "count", n)
	}

	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if a.Config.Reconciler.Enabled {
		a.Reconciler.Start(ctx)
	}

	go func() {
		if err := a.API.Start(); err != nil {
			a.Sugar.Errorw("API server exited", "error", err)
		}
	}()

	a.Sugar.Infow("SentinelCore started", "api_addr", a.Config.APIAddr())
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
}

// Shutdown stops components in reverse dependency order: stop accepting
// work, drain the queues, then close storage.
func (a *App) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.API.ShutdownTimeout)
	defer cancel()

	if err := a.API.Shutdown(shutdownCtx); err != nil {
		a.Sugar.Warnw("API shutdown incomplete", "error", err)
	}
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Stop()
	}
	a.cancel() // stops reconciler and releases engine contexts
	a.Queues.Stop()

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Warnw("Redis close failed", "error", err)
		}
	}
	if err := a.SQLite.Close(); err != nil {
		a.Sugar.Warnw("SQLite close failed", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
