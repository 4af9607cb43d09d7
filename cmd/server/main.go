/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env + env vars)
  2. Parse command-line flags (override env)
  3. Initialize store (SQLite or in-memory)
  4. Build the referral service and API handler
  5. Start the integrity audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -db      SQLite database path (default: DB_PATH or referral.db)
           Use ":memory:" for an in-memory SQLite database
           Use ":mem:" for the pure Go in-memory store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/referrals.db"

  # Run with in-memory store and JSON logs
  LOG_FORMAT=json ./server -db=":mem:"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/config"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/store/sqlite"
)

// memoryDB selects the in-memory store instead of SQLite.
const memoryDB = ":mem:"

type backend interface {
	referral.TxStore
	api.Resetter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path, or :mem: for the in-memory store")
	flag.Parse()

	log, err := cfg.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	minWithdrawal, err := cfg.MinWithdrawalAmount()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize store
	var st backend
	if *dbPath == memoryDB {
		st = store.NewMemory()
		log.Warn("Using in-memory store; data is lost on exit")
	} else {
		db, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
		st = db
	}

	svc := referral.NewService(st, referral.Options{
		RequireReferrer: cfg.RequireReferrer,
		MinWithdrawal:   minWithdrawal,
		Logger:          log,
	})
	handler := api.NewHandler(svc, st, log)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	auditor, err := api.NewIntegrityScheduler(svc, cfg.IntegrityInterval, log)
	if err != nil {
		log.Fatalf("Failed to create integrity scheduler: %v", err)
	}
	auditor.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": *port, "db": *dbPath}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := auditor.Stop(); err != nil {
		log.Errorf("Scheduler shutdown: %v", err)
	}

	log.Info("Server stopped")
}
