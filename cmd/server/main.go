// Package main is the entrypoint for the simcore worker service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/venturelab/simcore/internal/ai"
	"github.com/venturelab/simcore/internal/api"
	"github.com/venturelab/simcore/internal/api/handler"
	"github.com/venturelab/simcore/internal/cache"
	"github.com/venturelab/simcore/internal/config"
	"github.com/venturelab/simcore/internal/ledger"
	"github.com/venturelab/simcore/internal/queue"
	"github.com/venturelab/simcore/internal/scheduler"
	"github.com/venturelab/simcore/internal/simulation"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"env", cfg.Server.Env,
		"scheduler_owner", cfg.Scheduler.Owner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis: status cache and task queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	taskQueue, err := queue.NewQueue(cfg.Redis.URL, cfg.Queue.KeyPrefix, queue.RetryPolicy{
		Attempts:    cfg.Queue.Attempts,
		BackoffBase: cfg.Queue.BackoffBase,
	}, cfg.Queue.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer taskQueue.Close()
	slog.Info("redis connected")

	// 5. AI provider
	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name(), "model", provider.Model())

	// 6. Domain services
	pgStore := store.NewPostgresStore(pool)
	ledgerSvc := ledger.NewService(pgStore, logger)

	streamLeaseTTL := time.Duration(0)
	if cfg.Scheduler.StreamLeaseEnabled {
		streamLeaseTTL = cfg.Queue.VisibilityTimeout
	}
	worker := simulation.NewWorker(pgStore, redisCache, provider, ledgerSvc, cfg.Scheduler.Owner, streamLeaseTTL, logger)
	simSvc := simulation.NewService(pgStore, redisCache, taskQueue, worker, ledgerSvc, logger)
	batches := simulation.NewBatchManager(pgStore, provider, worker, cfg.Queue.BatchMaxPolls, logger)

	// 7. Queue consumers, one per category
	var wg sync.WaitGroup
	consumers := []*queue.Consumer{
		queue.NewConsumer(taskQueue, queue.CategorySimulation, cfg.Queue.SimulationConcurrency,
			simSvc.Handler(), cfg.Queue.PollInterval, cfg.Queue.StalledInterval, logger),
		queue.NewConsumer(taskQueue, queue.CategoryPDF, cfg.Queue.PDFConcurrency,
			noopHandler(logger, queue.CategoryPDF), cfg.Queue.PollInterval, cfg.Queue.StalledInterval, logger),
		queue.NewConsumer(taskQueue, queue.CategoryEmail, cfg.Queue.EmailConcurrency,
			noopHandler(logger, queue.CategoryEmail), cfg.Queue.PollInterval, cfg.Queue.StalledInterval, logger),
		queue.NewConsumer(taskQueue, queue.CategorySMS, cfg.Queue.SMSConcurrency,
			noopHandler(logger, queue.CategorySMS), cfg.Queue.PollInterval, cfg.Queue.StalledInterval, logger),
		queue.NewConsumer(taskQueue, queue.CategoryPush, cfg.Queue.PushConcurrency,
			noopHandler(logger, queue.CategoryPush), cfg.Queue.PollInterval, cfg.Queue.StalledInterval, logger),
	}
	for _, c := range consumers {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	slog.Info("queue consumers started", "categories", len(consumers))

	// 8. Scheduler with recurring tasks
	sched := scheduler.New(pgStore, scheduler.NewRegistry(), cfg.Scheduler.Owner,
		cfg.Scheduler.LeaseTTL, cfg.Scheduler.TickInterval, logger)

	if err := sched.RegisterTask(ctx, &models.RecurringTask{
		JobName:    "batch-poller",
		WorkerType: "batch-poller",
		Schedule:   "* * * * *",
		Timezone:   "UTC",
		Enabled:    true,
	}, func(ctx context.Context) error {
		return batches.PollOpenBatches(ctx)
	}); err != nil {
		return fmt.Errorf("register batch poller: %w", err)
	}

	if err := sched.RegisterTask(ctx, &models.RecurringTask{
		JobName:    "pending-job-sweeper",
		WorkerType: "pending-job-sweeper",
		Schedule:   "*/10 * * * *",
		Timezone:   "UTC",
		Enabled:    true,
	}, func(ctx context.Context) error {
		count, err := simSvc.ProcessPendingJobs(ctx, 100)
		if count > 0 {
			logger.Info("swept pending jobs back onto queue", "count", count)
		}
		return err
	}); err != nil {
		return fmt.Errorf("register pending job sweeper: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// 9. HTTP control surface
	jobsHandler := handler.NewJobs(simSvc, batches, logger)
	router := api.NewRouter(api.Dependencies{
		Jobs: jobsHandler,
		Health: handler.Health(map[string]handler.Pinger{
			"database": pgStore,
			"cache":    redisCache,
			"queue":    taskQueue,
		}),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Consumers and scheduler stop via ctx; wait for in-flight work.
	wg.Wait()
	slog.Info("service stopped gracefully")
	return nil
}

// noopHandler stands in for the delivery-channel adapters (PDF, email,
// SMS, push) that live outside this service. It acks each item after
// logging it so the shared queue never backs up while running standalone.
func noopHandler(logger *slog.Logger, category string) queue.Handler {
	return func(_ context.Context, d queue.Delivery) error {
		logger.Info("delivery-channel item acknowledged",
			"category", category,
			"item_id", d.Envelope.ID,
			"attempt", d.Attempt)
		return nil
	}
}
