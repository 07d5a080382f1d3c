// cmd/backend/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"firetrack/internal/backend"
	"firetrack/internal/clock"
	"firetrack/internal/config"
	"firetrack/internal/telemetry"
	"firetrack/pkg/eventstore"
)

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "firetrack-backend")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// an in-memory journal unless a database is configured
	var journal backend.Journal = backend.NewMemoryJournal()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		es := eventstore.NewEventStore(db)
		if err := es.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate event store: %v", err)
		}
		journal = backend.NewEventStoreJournal(es)
	}

	svc, err := backend.NewService(ctx, journal, clock.System(), logger)
	if err != nil {
		log.Fatalf("Failed to start backend: %v", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	backend.NewHandler(svc).Routes(router)

	server := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting backend", "addr", cfg.Addr, "persistent", cfg.DatabaseURL != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Backend stopped: %v", err)
	}
}
