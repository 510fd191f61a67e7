package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"RangeLedger/internal/audit"
	"RangeLedger/internal/auth"
	"RangeLedger/internal/config"
	"RangeLedger/internal/core"
	"RangeLedger/internal/market"
	"RangeLedger/internal/observability"
	"RangeLedger/internal/persistence"
	"RangeLedger/internal/server"
	"RangeLedger/internal/state"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure), the publish channel drops.
	persistChan := make(chan audit.Record, cfg.Engine.PersistBuffer)
	publishChan := make(chan audit.Record, cfg.Engine.PublishBuffer)

	errChan := make(chan error, 8)

	// --- Postgres audit log ---
	var db *sql.DB
	if !cfg.Database.Disabled {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("FATAL: postgres open: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("FATAL: postgres ping: %v", err)
		}
		logger.Info().Msg("postgres connected")

		worker := persistence.NewWorker(db, persistChan, cfg.Database.BatchSize,
			time.Duration(cfg.Database.FlushMs)*time.Millisecond, metrics)
		if err := worker.Writer().EnsureSchema(ctx); err != nil {
			log.Fatalf("FATAL: ensure audit schema: %v", err)
		}
		go func() {
			errChan <- worker.Run(ctx)
		}()
	} else {
		// No database configured; drain the persist channel so the engine
		// never stalls on blocking sends.
		logger.Warn().Msg("audit persistence disabled, records will not be stored")
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-persistChan:
				}
			}
		}()
	}

	// --- NATS audit publisher ---
	if !cfg.NATS.Disabled {
		nc, js, err := audit.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		logger.Info().Msg("nats connected")

		if err := audit.EnsureAuditStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure audit stream: %v", err)
		}

		publisher := audit.NewPublisher(js, publishChan, observability.NewLogger("audit"))
		go func() {
			errChan <- publisher.Run(ctx)
		}()
	} else {
		logger.Warn().Msg("audit publishing disabled")
	}

	// --- Principals and roles ---
	store, err := server.NewPrincipalStore(cfg.Principals)
	if err != nil {
		log.Fatalf("FATAL: load principals: %v", err)
	}

	registry := auth.NewRegistry()
	for _, p := range store.All() {
		registry.Grant(p.ID, p.Roles...)
	}
	gate := auth.NewGate(registry)

	// --- Engine ---
	params := state.Params{
		SlippageToleranceBps: cfg.Engine.SlippageToleranceBps,
		CooldownSeconds:      cfg.Engine.CooldownSeconds,
		MaxActionsPerDay:     int(cfg.Engine.MaxActionsPerDay),
		MinDepositAmount:     cfg.Engine.MinDepositAmount,
	}

	engine, err := core.NewEngine(core.Options{
		Adapter:     market.NewSimVenue(),
		Gate:        gate,
		Params:      params,
		TickSpacing: cfg.Engine.TickSpacing,
		Clock:       core.WallClock(),
		PersistChan: persistChan,
		PublishChan: publishChan,
		Metrics:     metrics,
		Logger:      observability.NewLogger("engine"),
	})
	if err != nil {
		log.Fatalf("FATAL: build engine: %v", err)
	}

	// --- HTTP API ---
	srv := server.New(engine, store, metrics, cfg.Server.Addr)
	go func() {
		errChan <- srv.Run()
	}()

	// --- Metrics + health server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: mux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Int("principals", len(cfg.Principals)).
		Msg("rangeledger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Stop workers after the API stops accepting mutations, so in-flight
	// audit records still flush.
	cancel()
	time.Sleep(200 * time.Millisecond)

	logger.Info().Msg("shutdown complete")
}
