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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/caixahub/caixahub/internal/app"
	"github.com/caixahub/caixahub/internal/auth"
	"github.com/caixahub/caixahub/internal/bankval"
	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/dispute"
	"github.com/caixahub/caixahub/internal/loan"
	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/observability"
	"github.com/caixahub/caixahub/internal/platform/cache"
	"github.com/caixahub/caixahub/internal/platform/db"
	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/internal/shared"
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

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewAsynqDispatcher(asynqClient, logger)

	permCache := rbac.NewPermissionCache(redisClient, cfg.PermissionCacheTTL, logger)
	rbacService := rbac.NewService(rbac.NewRepository(records, cfg.StoreAttempts), permCache, logger, []string{
		loan.PermissionApproveLoans,
		"caixinha:disburse_funds",
	})
	rbacService.SetAuditRecorder(shared.NewAuditLogger(pool))
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	caixinhaService := caixinha.NewService(caixinha.NewRepository(records, cfg.StoreAttempts), rbacService)

	loanService := loan.NewService(loan.NewRepository(records, cfg.StoreAttempts), rbacService, caixinhaService, notifier, logger)
	disputeService := dispute.NewService(dispute.NewRepository(records, cfg.StoreAttempts), rbacService, caixinhaService, notifier, logger)
	loanService.SetDisputeOpener(disputeService)
	disputeService.SetLoanApprover(loanService)

	bankvalService := bankval.NewService(records, rbacService, notifier, cfg.BankCodeTTL, logger)

	tokenIssuer := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTTTL)
	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		TokenIssuer:     tokenIssuer,
		RBACHandler:     rbac.NewHandler(logger, rbacService),
		RBACMiddleware:  rbacMiddleware,
		BankValHandler:  bankval.NewHandler(logger, bankvalService),
		CaixinhaHandler: caixinha.NewHandler(logger, caixinhaService),
		DisputeHandler:  dispute.NewHandler(logger, disputeService),
		LoanHandler:     loan.NewHandler(logger, loanService),
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
