package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/bridge"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/config"
	"github.com/novabridge/novabridge-backend/internal/custody"
	"github.com/novabridge/novabridge-backend/internal/detector"
	"github.com/novabridge/novabridge-backend/internal/ledger"
	"github.com/novabridge/novabridge-backend/internal/log"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"github.com/novabridge/novabridge-backend/internal/reconcile"
	"github.com/novabridge/novabridge-backend/internal/reserve"
	"github.com/novabridge/novabridge-backend/internal/signer"
	"github.com/novabridge/novabridge-backend/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting NovaBridge reconciliation engine",
		"env", cfg.Env,
		"network", cfg.Chain.Network,
		"opsAddr", cfg.OpsAddr,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("novabridge")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Setup cache (Redis or in-memory fallback)
	cache := store.NewCache(cfg.Cache.RedisAddr, logger)
	defer cache.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := cache.Ping(pingCtx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	pingCancel()
	logger.Infow("Cache ready", "inMemory", cache.IsInMemoryMode())

	alerter := alerts.NewLogSink(logger, metricsObj)

	// Setup RPC clients
	novaClient := chain.NewHTTPClient(
		cfg.Chain.RPCURL,
		cfg.Chain.Timeout,
		cfg.Chain.RateLimit,
		logger,
		chain.WithMetrics(metricsObj),
	)
	ledgerClient := ledger.NewHTTPClient(
		cfg.Ledger.URL,
		cfg.Ledger.Timeout,
		logger,
		ledger.WithMetrics(metricsObj),
	)
	thresholdSigner := signer.NewHTTPSigner(cfg.Signer.URL, cfg.Signer.Timeout, logger)

	// Setup services
	custodySvc := custody.NewService(thresholdSigner, ledgerClient, logger)

	reserveSvc := reserve.NewService(
		cfg.Reserve.Staleness,
		novaClient,
		ledgerClient,
		custodySvc,
		cache,
		alerter,
		logger,
		metricsObj,
	)

	mintEngine := bridge.NewMintingEngine(
		bridge.MintingConfig{
			TickInterval: cfg.Minting.TickInterval,
			BatchSize:    cfg.Minting.BatchSize,
			Concurrency:  cfg.Minting.Concurrency,
			MaxRetries:   cfg.Minting.MaxRetries,
			BaseDelay:    cfg.Minting.BaseDelay,
			CapDelay:     cfg.Minting.CapDelay,
		},
		ledgerClient,
		reserveSvc,
		alerter,
		logger,
		metricsObj,
	)

	redeemEngine := bridge.NewRedemptionEngine(
		bridge.RedemptionConfig{
			TickInterval: cfg.Redeem.TickInterval,
			BatchSize:    cfg.Redeem.BatchSize,
			Concurrency:  cfg.Redeem.Concurrency,
			MaxRetries:   cfg.Redeem.MaxRetries,
			BaseDelay:    cfg.Redeem.BaseDelay,
			CapDelay:     cfg.Redeem.CapDelay,
			MinAmount:    cfg.RedeemMinAmount(),
			MaxAmount:    cfg.RedeemMaxAmount(),
		},
		ledgerClient,
		thresholdSigner,
		novaClient,
		custodySvc,
		alerter,
		logger,
		metricsObj,
	)

	reconcileSvc := reconcile.NewService(
		reconcile.Config{
			Interval:          cfg.Reconcile.Interval,
			Concurrency:       cfg.Reconcile.Concurrency,
			AbsoluteThreshold: cfg.ReconcileAbsoluteThreshold(),
		},
		novaClient,
		ledgerClient,
		custodySvc,
		cache,
		alerter,
		logger,
		metricsObj,
	)

	// Start background loops
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	mintEngine.Start(runCtx)
	redeemEngine.Start(runCtx)
	reconcileSvc.Start(runCtx)

	if cfg.Detector.Enabled {
		feed, err := detector.NewFeed(cfg.Detector.WSURL, mintEngine.DepositHandler(), logger)
		if err != nil {
			logger.Fatalw("Failed to setup detector feed", "error", err)
		}
		feed.Start(runCtx)
	} else {
		logger.Infow("Detector feed disabled; deposits must be queued by the caller")
	}

	// Retention cleanup for terminal jobs
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				mintEngine.CleanupOldJobs(cfg.Minting.Retention)
				redeemEngine.CleanupOldJobs(cfg.Redeem.Retention)
			}
		}
	}()

	// Ops mux
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := cache.Ping(ctx); err != nil {
			http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	router.Handle("/metrics", metricsHandler)

	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("Ops server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Ops server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		runCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
