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
	"golang.org/x/sync/errgroup"

	"github.com/caixahub/caixahub/internal/app"
	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/dispute"
	"github.com/caixahub/caixahub/internal/loan"
	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/observability"
	"github.com/caixahub/caixahub/internal/platform/cache"
	"github.com/caixahub/caixahub/internal/platform/db"
	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	records := store.NewPostgres(pool, 5*time.Second)
	metrics := observability.NewMetrics()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewAsynqDispatcher(asynqClient, logger)

	permCache := rbac.NewPermissionCache(redisClient, cfg.PermissionCacheTTL, logger)
	rbacService := rbac.NewService(rbac.NewRepository(records, cfg.StoreAttempts), permCache, logger, nil)

	caixinhaService := caixinha.NewService(caixinha.NewRepository(records, cfg.StoreAttempts), rbacService)

	loanService := loan.NewService(loan.NewRepository(records, cfg.StoreAttempts), rbacService, caixinhaService, notifier, logger)
	disputeService := dispute.NewService(dispute.NewRepository(records, cfg.StoreAttempts), rbacService, caixinhaService, notifier, logger)
	loanService.SetDisputeOpener(disputeService)
	disputeService.SetLoanApprover(loanService)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskTypeDispatch, Handler: jobs.NewNotifyDispatchHandler(logger, metrics)},
			{Type: jobs.TaskDisputesExpire, Handler: jobs.NewDisputesExpireHandler(disputeService, logger, metrics)},
			{Type: jobs.TaskDisputesRedrive, Handler: jobs.NewDisputesRedriveHandler(disputeService, logger, metrics)},
			{Type: jobs.TaskLoansRemindDue, Handler: jobs.NewLoansRemindDueHandler(loanService, cfg.LoanReminderWindow, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: jobs.NewDisputesExpireTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/15 * * * *", Task: jobs.NewDisputesRedriveTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 9 * * *", Task: jobs.NewLoansRemindDueTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
