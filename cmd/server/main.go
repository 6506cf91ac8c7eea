/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Initialize SQLite store
  3. Wire domain components (resolver, creditor, maintainer, engine)
  4. Start the reconciliation scheduler
  5. Start HTTP server with graceful shutdown

CONFIGURATION:
  All config via COMMISSION_* environment variables; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (waits for an in-flight pass)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  COMMISSION_DB_PATH=./data/commission.db ./server

  # Run with in-memory database, no background reconciliation
  COMMISSION_DB_PATH=":memory:" COMMISSION_RECONCILE_CRON="" ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Wire domain components
	resolver := referral.NewResolver(store)
	creditor := commission.NewCreditor(store, cfg.Policy())
	balances := balance.NewMaintainer(store)
	engine := reconcile.NewEngine(store, store, resolver, creditor, balances)

	handler := api.NewHandler(store, store, resolver, creditor, balances, engine)
	router := api.NewRouter(handler)

	// Background reconciliation
	scheduler := api.NewScheduler(engine, cfg.ReconcileCron)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", cfg.Addr()).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	scheduler.Stop()

	log.Info("server stopped")
}
