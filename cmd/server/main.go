/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Commission Engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment config, then command-line flags (flags win)
  2. Initialize SQLite store
  3. Create API handler (store + orchestrator + template sandbox)
  4. Start the auto-run scheduler
  5. Start server with graceful shutdown

CONFIGURATION:
  Environment variables (parsed with caarlos0/env):
    PORT                   HTTP server port (default: 8080)
    DB_PATH                SQLite database path (default: commission.db)
    SCHEDULER_ENABLED      Auto-run scheduler on/off (default: true)
    SCHEDULER_INTERVAL     Staleness check interval (default: 1h)

  Command-line flags override the environment:
    -port    HTTP server port
    -db      SQLite database path (":memory:" for in-memory)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commission.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - api/scheduler.go: Auto-run scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/store/sqlite"
)

type config struct {
	Port              int           `env:"PORT" envDefault:"8080"`
	DBPath            string        `env:"DB_PATH" envDefault:"commission.db"`
	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1h"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override the environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler (wires the orchestrator and template sandbox)
	handler := api.NewHandler(store)

	// Start the auto-run scheduler
	scheduler := api.NewRunScheduler(store, handler)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
