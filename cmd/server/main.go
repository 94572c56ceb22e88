package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"escrow-payments/internal/config"
	"escrow-payments/internal/database"
	"escrow-payments/internal/infrastructure/payment"
	"escrow-payments/internal/logging"
	"escrow-payments/internal/repo"
	"escrow-payments/internal/server"
	"escrow-payments/internal/service"
	"escrow-payments/internal/traces"
	"escrow-payments/internal/worker"
)

const mockWebhookSecret = "mock_webhook_secret"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var (
		db       *sql.DB
		payments repo.EscrowRepo
		orders   repo.OrderRepo
	)
	if cfg.DatabaseURL != "" || cfg.DBName != "" {
		db, err = database.NewPostgres(ctx, cfg.PostgresDSN())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		payments = repo.NewEscrowRepo(db)
		orders = repo.NewOrderRepo(db)
		logger.Info("using postgres storage")
	} else {
		payments = repo.NewMemoryEscrowRepo()
		orders = repo.NewMemoryOrderRepo()
		logger.Warn("no database configured, using in-memory storage")
	}

	var (
		gateway       payment.Gateway
		webhookSecret = cfg.PaystackSecretKey
	)
	switch cfg.Gateway {
	case "mock":
		if webhookSecret == "" {
			webhookSecret = mockWebhookSecret
		}
		gateway = payment.NewMockGateway(payment.MockOptions{Secret: webhookSecret})
		logger.Warn("using mock payment gateway")
	default:
		gateway = payment.NewPaystackClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.GatewayTimeout,
			payment.WithRateLimit(cfg.GatewayRPS, int(cfg.GatewayRPS)+1))
	}

	escrow := service.NewEscrowService(payments, orders, gateway, service.OptionsFromConfig(cfg), logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(escrow, server.Options{
		Port:           cfg.Port,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookSecret:  webhookSecret,
		DB:             db,
		Logger:         logger,
	})

	autoRelease := worker.NewAutoReleaseWorker(escrow, cfg.AutoReleaseInterval, logger)
	reconciler := worker.NewReconciliationWorker(payments, escrow, cfg.ReconcileInterval, cfg.ReconcileStaleAfter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		autoRelease.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	return g.Wait()
}
