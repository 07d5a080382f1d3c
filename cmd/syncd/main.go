// cmd/syncd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"firetrack/internal/clients"
	"firetrack/internal/clock"
	"firetrack/internal/config"
	"firetrack/internal/lifecycle"
	"firetrack/internal/stream"
	"firetrack/internal/syncqueue"
	"firetrack/internal/telemetry"
)

func main() {
	cfg, err := config.LoadSyncd()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "firetrack-syncd")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open queue store: %v", err)
	}
	defer closeStore()

	// Step 1: the path to the backend
	client := clients.NewBackendClient(cfg.BackendURLs,
		clients.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		clients.WithAuthToken(cfg.BackendToken),
		clients.WithReadRetries(cfg.ReadRetries, time.Second),
	)
	gateway := clients.NewGateway(client, rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst), logger,
		clients.WithBreakerTimeout(cfg.BreakerTimeout))

	// Step 2: the durable queue, restored before anything is written
	queue := syncqueue.NewService(store, gateway,
		syncqueue.WithLogger(logger),
		syncqueue.WithDispatchTimeout(cfg.DispatchTimeout),
	)
	if err := queue.Load(ctx); err != nil {
		log.Fatalf("Failed to load pending operations: %v", err)
	}
	if _, err := syncqueue.RegisterMetrics(otel.Meter("firetrack/syncqueue"), queue); err != nil {
		logger.Warn("queue metrics unavailable", "error", err)
	}

	// Step 3: the local repository, tracking whatever survived the restart
	repo := lifecycle.NewRepository(queue,
		lifecycle.WithBackend(client),
		lifecycle.WithLogger(logger),
		lifecycle.WithPendingOperations(queue.Pending()),
	)
	queue.OnDelivered(repo.MarkSynced)
	queue.OnDiscarded(repo.MarkSynced)
	if err := repo.Refresh(ctx); err != nil {
		logger.Warn("initial refresh failed", "error", err)
	}

	hub := stream.NewHub(repo, queue, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	lifecycle.NewHandler(repo, clock.System()).Routes(router)
	syncqueue.NewHandler(queue).Routes(router)
	hub.Routes(router)

	// Step 4: background loops
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		syncqueue.NewRunner(queue, cfg.DrainInterval, logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		refreshLoop(ctx, repo, cfg.RefreshInterval, logger)
	}()

	server := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting sync daemon", "addr", cfg.Addr, "store", cfg.QueueStore, "backends", cfg.BackendURLs,
		"pending", queue.PendingCount())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Sync daemon stopped: %v", err)
	}
	wg.Wait()
}

// openStore builds the queue store selected by cfg.QueueStore.
func openStore(ctx context.Context, cfg config.Syncd) (syncqueue.Store, func(), error) {
	noop := func() {}
	switch cfg.QueueStore {
	case config.StoreMemory:
		return syncqueue.NewMemoryStore(), noop, nil
	case config.StoreFile:
		return syncqueue.NewFileStore(cfg.QueuePath), noop, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("failed to reach redis: %w", err)
		}
		return syncqueue.NewRedisStore(rdb, cfg.QueueKey), func() { rdb.Close() }, nil
	case config.StoreSQLite, config.StorePostgres:
		driver, dsn, newStore := "sqlite", cfg.SQLitePath, syncqueue.NewSQLiteStore
		if cfg.QueueStore == config.StorePostgres {
			driver, dsn, newStore = "postgres", cfg.DatabaseURL, syncqueue.NewPostgresStore
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open %s: %w", driver, err)
		}
		store := newStore(db, cfg.QueueKey)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		return store, func() { db.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown queue store %q", config.ErrInvalid, cfg.QueueStore)
	}
}

// refreshLoop pulls the backend state on a fixed interval.
func refreshLoop(ctx context.Context, repo lifecycle.Repository, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.Refresh(ctx); err != nil {
				logger.Warn("refresh failed", "error", err)
			}
		}
	}
}
