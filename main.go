package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/app"
	"github.com/ekaya-inc/payroll-engine/pkg/config"
	"github.com/ekaya-inc/payroll-engine/pkg/database"
	"github.com/ekaya-inc/payroll-engine/pkg/handlers"
	"github.com/ekaya-inc/payroll-engine/pkg/logging"
	"github.com/ekaya-inc/payroll-engine/pkg/middleware"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		// Logger depends on Env, which is not known yet.
		_, _ = os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "local" || env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("redis_host", cfg.Redis.Host),
		zap.String("storage_dir", cfg.Storage.BaseDir),
		zap.Int("max_concurrent", cfg.Pipeline.MaxConcurrent))

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	a, err := app.New(sigCtx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Migrate(); err != nil {
		return err
	}

	if err := a.Sweeper.Start(cfg.Pipeline.SweepSchedule); err != nil {
		return err
	}
	defer a.Sweeper.Stop()

	mux := http.NewServeMux()
	tenant := database.WithClientContext(a.DB, logger)

	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return a.DB.Ping(ctx) },
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	handlers.NewHealthHandler(cfg, checks, a.Dispatcher, logger).RegisterRoutes(mux)
	handlers.NewClosureHandler(a.Closures, a.Reconciliation, a.Anomalies, a.Dispatcher, a.Progress, logger).RegisterRoutes(mux, tenant)
	handlers.NewFileHandler(a.Files, a.Dispatcher, a.Progress, cfg.Storage.BaseDir, logger).RegisterRoutes(mux, tenant)
	handlers.NewConceptHandler(a.Classification, a.Mapping, a.Closures, a.Dispatcher, logger).RegisterRoutes(mux, tenant)
	handlers.NewDiscrepancyHandler(a.Reconciliation, logger).RegisterRoutes(mux, tenant)
	handlers.NewIncidenciaHandler(a.Anomalies, logger).RegisterRoutes(mux, tenant)
	handlers.NewAuditHandler(a.Audit, logger).RegisterRoutes(mux, tenant)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(middleware.Provenance()(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting payroll-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		if cfg.TLSCertPath != "" {
			serverErr <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-sigCtx.Done():
		logger.Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := a.Dispatcher.Shutdown(ctx); err != nil {
		logger.Error("Dispatcher shutdown failed", zap.Error(err))
	}
	return nil
}
