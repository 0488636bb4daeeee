/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lab operations engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Initialize the store for the configured driver
  3. Register Prometheus collectors
  4. Build the three engines and the API handler
  5. Start the integrity auditor
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -driver        memory | sqlite | postgres (default: sqlite)
  -db            SQLite database path (default: labops.db)
                 Use ":memory:" for in-memory database
  -database-url  PostgreSQL connection string
  -log-level     zerolog level (default: info)
  -tax-rate      Quotation tax rate (default: 0.06)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the integrity auditor
  2. Stop accepting new connections
  3. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/labops.db"

  # Run without persistence
  ./server -driver=memory

  # Run against PostgreSQL
  DATABASE_URL=postgres://labops@localhost/labops ./server -driver=postgres

SEE ALSO:
  - config/config.go: All configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/warp/labops-engine/api"
	"github.com/warp/labops-engine/config"
	"github.com/warp/labops-engine/finance"
	"github.com/warp/labops-engine/generic"
	memstore "github.com/warp/labops-engine/generic/store"
	"github.com/warp/labops-engine/inventory"
	"github.com/warp/labops-engine/metrics"
	"github.com/warp/labops-engine/quotation"
	"github.com/warp/labops-engine/store/postgres"
	"github.com/warp/labops-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Str("service", "labops").Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.Driver, err)
	}
	defer closer.Close()
	log.Info().Str("driver", cfg.Driver).Msg("Store ready")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Engines
	quotations := quotation.NewEngine(store, log)
	quotations.TaxRate = cfg.TaxRate
	quotations.Metrics = rec
	ledger := inventory.NewLedger(store, log)
	ledger.Metrics = rec
	reconciler := finance.NewReconciler(store, log)
	reconciler.Metrics = rec

	auditor := api.NewIntegrityAuditor(ledger, reconciler, log)
	auditor.Interval = cfg.AuditInterval

	handler := api.NewHandler(store, quotations, ledger, reconciler, log)
	handler.Auditor = auditor
	router := api.NewRouter(handler, log, cfg.CORSOrigins, reg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	auditor.Start()
	defer auditor.Stop()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

// openStore returns the store for cfg.Driver and the handle that releases it.
func openStore(ctx context.Context, cfg config.Config) (generic.Store, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memstore.NewMemory(), io.NopCloser(nil), nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}
