package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/api"
	"github.com/Guizzs26/go-change-pipeline/internal/broker"
	"github.com/Guizzs26/go-change-pipeline/internal/config"
	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/history"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/internal/processor"
	"github.com/Guizzs26/go-change-pipeline/internal/retry"
	"github.com/Guizzs26/go-change-pipeline/internal/service"
	"github.com/Guizzs26/go-change-pipeline/internal/txscope"
	"github.com/Guizzs26/go-change-pipeline/pkg/infra"
	"github.com/Guizzs26/go-change-pipeline/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Change pipeline initializing", "pid", os.Getpid(), "retry_scheduler", cfg.RetryScheduler)

	if !cfg.SkipMigrations {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	auditStore := db.NewAuditStore(pool)
	jobStore := db.NewJobStore(pool)

	mq := broker.New(
		broker.AMQPDialer(cfg.RabbitMQURL, cfg.PublishTimeout(), logger),
		jobStore,
		broker.Options{
			TaskQueue:          cfg.TaskQueue,
			EventQueue:         cfg.EventQueue,
			RetryQueue:         cfg.RetryQueue,
			DeadLetterExchange: cfg.DeadLetterExchange,
			MaxRetries:         cfg.MaxRetries,
			Prefetch:           cfg.ConsumerPrefetch,
			Concurrency:        cfg.ConsumerConcurrency,
			PublishTimeout:     cfg.PublishTimeout(),
		},
		logger,
	)
	defer mq.Close()

	g, gctx := errgroup.WithContext(ctx)

	var scheduler retry.Scheduler
	if cfg.RetryScheduler == config.SchedulerRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()

		rs := retry.NewRedisScheduler(rdb, mq, cfg.RetryPollInterval(), logger)
		g.Go(func() error { return rs.Run(gctx) })
		scheduler = rs
	} else {
		ts := retry.NewTimerScheduler(mq, logger)
		defer ts.Stop()
		scheduler = ts
	}

	coordinator := retry.NewCoordinator(
		retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay(), RetryQueue: cfg.RetryQueue},
		scheduler,
		mq,
		jobStore,
		logger,
	)
	mq.SetFailureHandler(coordinator)

	events := processor.NewEventLogger(logger)
	mq.Consume(cfg.TaskQueue, events.Handle)
	mq.Consume(cfg.EventQueue, events.Handle)
	mq.Consume(cfg.RetryQueue, processor.NewRetryRouter(mq, cfg.TaskQueue, logger).Handle)

	// the API serves history and writes even while the broker is down
	if err := mq.Connect(ctx); err != nil {
		logger.Warn("Broker unavailable at startup, supervisor will keep retrying", "error", err)
	}

	provider := db.NewPoolProvider(pool)
	tasks := service.NewTaskService(
		func() *txscope.Scope { return txscope.New(provider, auditStore, logger) },
		db.NewTaskRepository(),
		mq,
		cfg.TaskQueue,
		logger,
	)

	calendar := service.NewEventService(
		func() *txscope.Scope { return txscope.New(provider, auditStore, logger) },
		db.NewEventRepository(),
		pool,
		mq,
		cfg.EventQueue,
		logger,
	)

	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(history.NewService(auditStore), tasks, calendar, mq, logger),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g.Go(func() error { return mq.Supervise(gctx) })
	g.Go(func() error {
		runMaintenance(gctx, jobStore, cfg.MaintenanceEvery(), cfg.StaleJobAfter(), logger)
		return nil
	})
	g.Go(func() error { return serve(gctx, apiServer, logger) })
	g.Go(func() error { return serve(gctx, observabilityServer(cfg.MetricsPort, mq), logger) })

	logger.Info("Change pipeline started", "http_addr", cfg.HTTPAddr, "metrics_port", cfg.MetricsPort)

	err = g.Wait()
	logger.Info("Shutting down")

	// in-flight handlers may still schedule retries, so the broker drains
	// before the deferred scheduler and redis teardown
	mq.Close()
	return err
}

// serve runs srv until ctx is cancelled, then drains it
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server online", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "addr", srv.Addr, "error", err)
	}
	return nil
}

func observabilityServer(port string, b api.BrokerStatus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !b.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("BROKER UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("PIPELINE ALIVE"))
	})

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// runMaintenance hands stuck attempts back to pending and refreshes the job
// backlog gauges until ctx is cancelled
func runMaintenance(ctx context.Context, jobs *db.JobStore, interval, staleAfter time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		rescued, err := jobs.ResetStale(ctx, staleAfter)
		if err != nil {
			logger.Error("Janitor: failed to reset stale jobs", "error", err)
		} else if rescued > 0 {
			logger.Warn("Janitor: Rescued stuck messages", "count", rescued)
		}

		counts, err := jobs.CountByStatus(ctx)
		if err != nil {
			logger.Error("Janitor: failed to count job records", "error", err)
			return
		}

		for _, s := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
			metrics.JobBacklog.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
		if stuck := counts[models.JobProcessing]; stuck > 0 {
			logger.Debug("Janitor: jobs in processing", "count", stuck)
		}
	}

	refresh()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			logger.Info("Janitor: stopping maintenance loop")
			return
		}
	}
}
