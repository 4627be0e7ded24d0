package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaxinv/vaxinv/internal/app"
	jobmetrics "github.com/vaxinv/vaxinv/internal/jobs"
	"github.com/vaxinv/vaxinv/internal/observability"
	"github.com/vaxinv/vaxinv/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	if err := godotenv.Load(); err != nil {
		slog.Default().Debug("no .env file, using process environment", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	if cfg.StoreDriver != app.StorePostgres {
		// the sqlite and memory stores belong to the API process
		logger.Error("worker requires the postgres store", slog.String("driver", string(cfg.StoreDriver)))
		os.Exit(1)
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("close stores", slog.Any("error", err))
		}
	}()

	services := app.NewServices(stores, cfg, logger, observability.NewInventoryMetrics(prometheus.DefaultRegisterer))
	metrics := jobmetrics.NewMetrics(nil)
	bulkExpire := jobs.NewBulkExpireJob(services.Inventory, logger, metrics)
	vialDiscard := jobs.NewVialDiscardJob(services.Inventory, logger, metrics)
	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskInventoryBulkExpire, Handler: bulkExpire.Handle},
		{Type: jobs.TaskInventoryVialDiscard, Handler: vialDiscard.Handle},
	}

	bulkExpireTask, err := jobs.NewBulkExpireTask(jobs.BulkExpirePayload{})
	if err != nil {
		logger.Error("build bulk expire task", slog.Any("error", err))
		os.Exit(1)
	}
	vialDiscardTask, err := jobs.NewVialDiscardTask(time.Time{})
	if err != nil {
		logger.Error("build vial discard task", slog.Any("error", err))
		os.Exit(1)
	}

	cron := []jobs.CronRegistration{
		{Spec: cfg.BulkExpireCron, Task: bulkExpireTask},
		{Spec: cfg.VialDiscardCron, Task: vialDiscardTask},
	}
	if keys, ok := stores.Idempotency.(jobs.KeyPurger); ok {
		purge := jobs.NewIdempotencyPurgeJob(keys, cfg.IdempotencyTTL, logger, metrics)
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskIdempotencyPurge, Handler: purge.Handle})
		cron = append(cron, jobs.CronRegistration{Spec: "@daily", Task: jobs.NewIdempotencyPurgeTask()})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
		Location:  cfg.Location(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started",
		slog.String("bulk_expire_cron", cfg.BulkExpireCron),
		slog.String("vial_discard_cron", cfg.VialDiscardCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
