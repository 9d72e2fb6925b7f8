package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/config"
	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
	"github.com/tucanopay/wallet-core-go/internal/platform/server"
)

// settlementd is the standalone settlement consumer. It shares the payments
// core with walletd but only ever runs the worker side, so several
// instances can drain the same queue; the per-account row lock keeps
// concurrent settlements safe.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.QueueURL == "" {
		logger.Error("WALLET_QUEUE_URL is required for the settlement daemon")
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("WALLET_DATABASE_URL is required for the settlement daemon")
		os.Exit(1)
	}

	clk := clock.RealClock{}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := db.PingContext(ctx); err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	q, err := queue.NewSQS(ctx, cfg.AWSRegion, cfg.QueueURL)
	if err != nil {
		logger.Error("configure sqs queue", "error", err)
		os.Exit(1)
	}

	var gw server.SettlementGateway
	if cfg.GatewayBaseURL != "" {
		gw = gateway.New(gateway.Options{
			BaseURL:      cfg.GatewayBaseURL,
			ClientID:     cfg.GatewayClientID,
			ClientSecret: cfg.GatewayClientSecret,
			UserSecret:   cfg.GatewayUserSecret,
			Timeout:      cfg.GatewayTimeout,
			Clock:        clk,
			Logger:       logger.With("component", "gateway"),
		})
	}

	svc := server.NewPaymentsService(clk, db)
	svc.Gateway = gw
	svc.Queue = q
	svc.Logger = logger.With("component", "payments")
	svc.Metrics = server.NewMetrics()
	svc.SetDBTimeout(cfg.DBTimeout)

	svc.StartStaleReservationSweeper(ctx, cfg.SweepInterval, cfg.StaleReservationTTL)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
			stop()
		}
	}()

	worker := &server.SettlementWorker{
		Service:     svc,
		Queue:       q,
		Logger:      logger.With("component", "settlement-worker"),
		Concurrency: cfg.WorkerConcurrency,
		PollWait:    cfg.WorkerPollWait,
	}
	logger.Info("settlement worker starting", "concurrency", cfg.WorkerConcurrency)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("settlement worker stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	logger.Info("stopped")
}
