package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/config"
	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/handler"
	"github.com/imobia/cobranca-engine/internal/infra/bank"
	"github.com/imobia/cobranca-engine/internal/infra/cache"
	"github.com/imobia/cobranca-engine/internal/infra/notify"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/infra/postgres"
	"github.com/imobia/cobranca-engine/internal/infra/resilience"
	"github.com/imobia/cobranca-engine/internal/jobs"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("bank_http_timeout", cfg.BankHTTPTimeout),
		zap.Duration("token_margin", cfg.TokenMargin),
		zap.Int("register_attempt_ceiling", cfg.RegisterAttempts),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Bool("jobs_enabled", cfg.JobsEnabled),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "cobranca-engine")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Storage ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("bank-api")
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	// --- Bank gateway ---
	httpClient := &http.Client{Timeout: cfg.BankHTTPTimeout}
	gateway := bank.New(httpClient, store, cb, resilienceCfg, cfg.TokenMargin, metrics, logger)

	// --- Notifier ---
	var notifier port.Notifier
	if cfg.MailerURL != "" {
		notifier = notify.NewMailer(cfg.MailerURL, logger)
		logger.Info("mailer notifications enabled", zap.String("mailer_url", cfg.MailerURL))
	} else {
		notifier = notify.NewNoOp(logger)
		logger.Warn("no mailer configured, notifications disabled")
	}

	// --- Services ---
	boletoSvc := service.NewBoletoService(
		store, store, store, store, store,
		gateway, notifier,
		cfg.RegisterAttempts,
		metrics, logger,
	)
	ledgerSvc := service.NewLedgerService(store, metrics, logger)

	contractCache := cache.New[*domain.Contract](cfg.CacheTTL)
	cycleSvc := service.NewCycleService(
		store, store, boletoSvc, store, notifier,
		contractCache, metrics, logger,
	)

	// --- Batch jobs ---
	if cfg.JobsEnabled {
		scheduler := jobs.New(cycleSvc, boletoSvc, store, store, store, bulkhead, cfg, metrics, logger)
		go func() {
			if err := scheduler.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
		logger.Info("batch routines started",
			zap.Duration("generate_interval", cfg.GenerateInterval),
			zap.Duration("register_interval", cfg.RegisterInterval),
			zap.Duration("sync_interval", cfg.SyncInterval),
		)
	}

	// --- Router ---
	router := handler.NewRouter(cycleSvc, boletoSvc, ledgerSvc, store, store, cfg.APITokenSecret, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
