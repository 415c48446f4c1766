// Package app assembles the payroll engine's services from configuration.
// The HTTP server and payrollctl share it so both run the same pipeline.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/builtin"
	"github.com/ekaya-inc/payroll-engine/pkg/config"
	"github.com/ekaya-inc/payroll-engine/pkg/database"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
	"github.com/ekaya-inc/payroll-engine/pkg/retry"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// connectRetry waits for a database that is still starting, as in a fresh
// compose stack.
var connectRetry = &retry.Config{
	MaxRetries:   5,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
	JitterFactor: 0.1,
}

// Options adjusts how the pipeline runs.
type Options struct {
	// Strategy replaces the dispatcher's keyed concurrency strategy.
	Strategy workqueue.ConcurrencyStrategy
}

// App holds the connections and services of one process.
type App struct {
	DB       *database.DB
	Redis    *redis.Client
	Scopes   *database.ClientScopeProvider
	Registry *erp.Registry
	Progress *services.ProgressReporter
	Audit    services.AuditService

	Closures       services.ClosureService
	Files          services.SourceFileService
	Classification services.ClassificationService
	Mapping        services.MappingService
	Ingestion      services.IngestionService
	Reconciliation services.ReconciliationService
	Anomalies      services.AnomalyService
	Dispatcher     *services.Dispatcher
	Sweeper        services.SweepService

	cfg    *config.Config
	logger *zap.Logger
}

// New connects to PostgreSQL and, when configured, Redis, and builds every
// service. Close releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	db, err := retry.DoWithResult(ctx, connectRetry, func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.URL(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	rdb, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	registry, err := builtin.NewRegistry()
	if err != nil {
		db.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("build ERP registry: %w", err)
	}

	a := &App{
		DB:       db,
		Redis:    rdb,
		Scopes:   database.NewClientScopeProvider(db),
		Registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	a.wire(opts)
	return a, nil
}

func (a *App) wire(opts Options) {
	cfg, logger := a.cfg, a.logger

	var (
		store  services.ProgressStore
		locker services.RunLocker
	)
	if a.Redis != nil {
		store = services.NewRedisProgressStore(a.Redis, cfg.Pipeline.ProgressTTL)
		locker = services.NewRedisRunLocker(a.Redis)
	} else {
		logger.Info("Redis not configured, progress is kept in memory and runs are not guarded across processes")
		store = services.NewMemoryProgressStore(cfg.Pipeline.ProgressTTL)
	}
	a.Progress = services.NewProgressReporter(store, logger)

	closureRepo := repositories.NewClosureRepository()
	fileRepo := repositories.NewSourceFileRepository()
	classificationRepo := repositories.NewClassificationRepository()
	mappingRepo := repositories.NewMappingRepository()
	payrollRepo := repositories.NewPayrollRepository()
	discrepancyRepo := repositories.NewDiscrepancyRepository()
	incidenciaRepo := repositories.NewIncidenciaRepository()
	consolidationRepo := repositories.NewConsolidationRepository()
	clientConfigRepo := repositories.NewClientConfigRepository()

	audit := services.NewAuditService(repositories.NewAuditRepository(), logger)
	a.Audit = audit

	a.Closures = services.NewClosureService(services.ClosureServiceDeps{
		Closures:       closureRepo,
		Classification: classificationRepo,
		Mappings:       mappingRepo,
		Payroll:        payrollRepo,
		Consolidation:  consolidationRepo,
		ClientConfigs:  clientConfigRepo,
		Audit:          audit,
	}, logger)
	a.Classification = services.NewClassificationService(classificationRepo, clientConfigRepo, audit, logger)
	a.Mapping = services.NewMappingService(mappingRepo, classificationRepo, clientConfigRepo, audit, logger)
	a.Files = services.NewSourceFileService(fileRepo, a.Closures, clientConfigRepo, a.Registry, audit, logger)
	a.Ingestion = services.NewIngestionService(services.IngestionServiceDeps{
		Files:          fileRepo,
		Closures:       a.Closures,
		ClientConfigs:  clientConfigRepo,
		Classification: classificationRepo,
		Mappings:       mappingRepo,
		Payroll:        payrollRepo,
		Registry:       a.Registry,
		Progress:       a.Progress,
	}, services.IngestionConfig{
		BatchSize:  cfg.Pipeline.BatchSize,
		StorageDir: cfg.Storage.BaseDir,
	}, logger)
	a.Reconciliation = services.NewReconciliationService(services.ReconciliationServiceDeps{
		Closures:       a.Closures,
		Files:          fileRepo,
		Classification: classificationRepo,
		Mappings:       mappingRepo,
		Payroll:        payrollRepo,
		Discrepancies:  discrepancyRepo,
		ClientConfigs:  clientConfigRepo,
		Audit:          audit,
		Progress:       a.Progress,
	}, cfg.Pipeline.BatchSize, logger)
	a.Anomalies = services.NewAnomalyService(services.AnomalyServiceDeps{
		Closures:      a.Closures,
		ClosureRepo:   closureRepo,
		Consolidation: consolidationRepo,
		Incidencias:   incidenciaRepo,
		ClientConfigs: clientConfigRepo,
		Audit:         audit,
		Progress:      a.Progress,
	}, logger)

	taskRetry := workqueue.DefaultRetryConfig()
	taskRetry.MaxRetries = cfg.Pipeline.MaxRetries
	a.Dispatcher = services.NewDispatcher(services.DispatcherDeps{
		Ingestion:      a.Ingestion,
		Reconciliation: a.Reconciliation,
		Anomalies:      a.Anomalies,
		Closures:       a.Closures,
		Files:          fileRepo,
		ClientContext:  services.NewClientContextFunc(a.DB),
		Locker:         locker,
		Progress:       a.Progress,
	}, services.DispatcherConfig{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Retry:         taskRetry,
		SoftTimeout:   cfg.Pipeline.SoftTimeout,
		HardTimeout:   cfg.Pipeline.HardTimeout,
		Strategy:      opts.Strategy,
	}, logger)

	a.Sweeper = services.NewSweepService(fileRepo, closureRepo, a.Closures,
		a.Scopes.WithUnscoped, a.Progress, cfg.Pipeline.HardTimeout, logger)
}

// Migrate applies pending schema migrations.
func (a *App) Migrate() error {
	sqlDB := stdlib.OpenDBFromPool(a.DB.Pool)
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, a.logger)
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	a.DB.Close()
}
