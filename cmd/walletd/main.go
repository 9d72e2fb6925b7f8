package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tucanopay/wallet-core-go/internal/platform/auth"
	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/config"
	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
	"github.com/tucanopay/wallet-core-go/internal/platform/server"
)

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

	clk := clock.RealClock{}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Error("ping database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var q queue.Queue
	inProcessWorker := false
	if cfg.QueueURL != "" {
		sqsQueue, err := queue.NewSQS(ctx, cfg.AWSRegion, cfg.QueueURL)
		if err != nil {
			logger.Error("configure sqs queue", "error", err)
			os.Exit(1)
		}
		q = sqsQueue
	} else {
		// Without a durable queue the settlement worker runs in-process.
		logger.Warn("no queue configured, settling in-process with an in-memory queue")
		q = queue.NewMemory()
		inProcessWorker = true
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
	} else {
		logger.Warn("no settlement gateway configured, settlements will fail until one is set")
	}

	svc := server.NewPaymentsService(clk, db)
	svc.Gateway = gw
	svc.Queue = q
	svc.Logger = logger.With("component", "payments")
	svc.Metrics = server.NewMetrics()
	svc.SetDBTimeout(cfg.DBTimeout)

	svc.StartStaleReservationSweeper(ctx, cfg.SweepInterval, cfg.StaleReservationTTL)

	workerDone := make(chan struct{})
	if inProcessWorker {
		worker := &server.SettlementWorker{
			Service:     svc,
			Queue:       q,
			Logger:      logger.With("component", "settlement-worker"),
			Concurrency: cfg.WorkerConcurrency,
			PollWait:    time.Second,
		}
		go func() {
			defer close(workerDone)
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("settlement worker stopped", "error", err)
			}
		}()
	} else {
		close(workerDone)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
			stop()
		}
	}()

	// Read-only payer surface. Writes go through the full front end, which
	// lives outside this service; these endpoints back support tooling.
	var apiSrv *http.Server
	if cfg.JWTSecret != "" {
		apiSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: readAPI(svc, auth.NewJWTVerifier(cfg.JWTSecret))}
		go func() {
			logger.Info("read api listening", "addr", cfg.HTTPAddr)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("read api failed", "error", err)
				stop()
			}
		}()
	} else {
		logger.Warn("no jwt secret configured, read api disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("read api shutdown", "error", err)
		}
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("settlement worker did not drain before deadline")
	}
	logger.Info("stopped")
}

func readAPI(svc *server.PaymentsService, verifier *auth.JWTVerifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/{accountID}/balance", func(w http.ResponseWriter, r *http.Request) {
		payer, _ := auth.PayerFromContext(r.Context())
		bal, err := svc.AvailableBalance(r.Context(), payer.ID, r.PathValue("accountID"))
		writeJSON(w, bal, err)
	})
	mux.HandleFunc("GET /v1/transactions/{transactionID}", func(w http.ResponseWriter, r *http.Request) {
		payer, _ := auth.PayerFromContext(r.Context())
		tx, err := svc.GetTransaction(r.Context(), payer.ID, r.PathValue("transactionID"))
		writeJSON(w, tx, err)
	})
	mux.HandleFunc("GET /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		payer, _ := auth.PayerFromContext(r.Context())
		q := r.URL.Query()
		txs, err := svc.ListTransactions(r.Context(), payer.ID, server.ListOptions{
			AccountID: q.Get("accountId"),
			Status:    server.TransactionStatus(q.Get("status")),
		})
		writeJSON(w, txs, err)
	})
	return auth.HTTPJWTMiddleware(verifier, mux, nil)
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(server.HTTPStatus(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"code": string(server.CodeOf(err)), "message": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
