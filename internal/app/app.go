package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cstcloud/vtscan/internal/config"
	"github.com/cstcloud/vtscan/internal/httpserver"
	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/internal/telemetry"
	"github.com/cstcloud/vtscan/pkg/autoscaler"
	"github.com/cstcloud/vtscan/pkg/clustermetrics"
	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/engine/hostscan"
	"github.com/cstcloud/vtscan/pkg/engine/webscan"
	"github.com/cstcloud/vtscan/pkg/opsalert"
	"github.com/cstcloud/vtscan/pkg/scalercatalog"
	"github.com/cstcloud/vtscan/pkg/scannerregistry"
	"github.com/cstcloud/vtscan/pkg/scheduler"
	"github.com/cstcloud/vtscan/pkg/subscan"
	"github.com/cstcloud/vtscan/pkg/task"
	"github.com/cstcloud/vtscan/pkg/taskclient"
	"github.com/cstcloud/vtscan/pkg/webscanrun"
)

// tickLockTTL comfortably exceeds the longest reconciler interval (the 60s
// scanner registry / task scheduler ticks) so a crashed holder's lock still
// expires before the next tick would otherwise be skipped forever.
const tickLockTTL = 5 * time.Minute

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts whichever mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting vtscan", "mode", cfg.Mode)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(metricsReg)
	lock := platform.NewTickLock(rdb, tickLockTTL)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, db, lock, metrics)
	case "registry":
		return runRegistry(ctx, cfg, logger, db, lock, metrics)
	case "autoscaler":
		return runAutoscaler(ctx, cfg, logger, db, lock, metrics)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// newEngineRegistry builds the engine.Registry shared by every reconciler
// that dispatches or scales tasks: one adapter per engine kind.
func newEngineRegistry(logger *slog.Logger, db *pgxpool.Pool) *engine.Registry {
	registry := engine.NewRegistry()
	registry.Register("host-scan", hostscan.New(subscan.NewStore(db), nil, logger))
	registry.Register("web-scan", webscan.New(webscanrun.NewStore(db), 0, logger))
	return registry
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(httpserver.Config{
		MetricsPath: cfg.MetricsPath,
	}, logger, db, rdb, metricsReg)

	taskHandler := task.NewHandler(db, logger)
	srv.Router.Mount("/", taskHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, lock *platform.TickLock, metrics *telemetry.Metrics) error {
	registry := newEngineRegistry(logger, db)
	sched := scheduler.New(db, registry, lock, metrics, logger)
	return sched.Run(ctx)
}

func runRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, lock *platform.TickLock, metrics *telemetry.Metrics) error {
	k8sClient, _, err := platform.NewKubeClients(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("building kubernetes clients: %w", err)
	}

	quiesce, err := time.ParseDuration(cfg.DeleteWaitTime)
	if err != nil {
		return fmt.Errorf("parsing DELETE_WAIT_TIME %q: %w", cfg.DeleteWaitTime, err)
	}

	taskClient := taskclient.New(cfg.TaskManagerURL())
	alerts := opsalert.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	reg := scannerregistry.New(db, k8sClient, cfg.ScannerNamespace, taskClient, alerts, quiesce, lock, metrics, logger)
	return reg.Run(ctx)
}

func runAutoscaler(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, lock *platform.TickLock, metrics *telemetry.Metrics) error {
	k8sClient, dynamicClient, err := platform.NewKubeClients(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("building kubernetes clients: %w", err)
	}

	catalog := scalercatalog.New(dynamicClient, logger)

	metricsSrc, err := clustermetrics.New(cfg.PrometheusURL(), cfg.ScannerNamespace, logger)
	if err != nil {
		return fmt.Errorf("building prometheus client: %w", err)
	}

	taskClient := taskclient.New(cfg.TaskManagerURL())
	registry := newEngineRegistry(logger, db)

	watermarks := autoscaler.Watermarks{
		CPUHigh:      cfg.CPUHighWatermark,
		CPULow:       cfg.CPULowWatermark,
		MemoryHigh:   cfg.MemoryHighWatermark,
		MemoryLow:    cfg.MemoryLowWatermark,
		CPUWeight:    cfg.CPUWeight,
		MemoryWeight: cfg.MemoryWeight,
	}

	scaler := autoscaler.New(db, k8sClient, catalog, metricsSrc, taskClient, registry, watermarks, lock, metrics, logger)
	return scaler.Run(ctx)
}
