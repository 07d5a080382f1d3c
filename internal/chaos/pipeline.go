// internal/chaos/pipeline.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firetrack/internal/backend"
	"firetrack/internal/clients"
	"firetrack/internal/clock"
	"firetrack/internal/lifecycle"
	"firetrack/internal/syncqueue"
)

const workloadPart = "PT-CHAOS"

// Pipeline is a complete sync path running in one process: repository,
// offline queue, gateway and a reference backend behind a fault injector.
type Pipeline struct {
	Faults  *FaultInjector
	Backend backend.Service
	Queue   syncqueue.Service
	Repo    lifecycle.Repository

	// queueClock drives retry scheduling so a drain never waits out a real backoff.
	queueClock     *clock.Manual
	breakerTimeout time.Duration
	server         *http.Server
	logger         *slog.Logger
}

type PipelineConfig struct {
	Seed            uint64
	DispatchTimeout time.Duration
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
}

func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 100 * time.Millisecond
	}

	// Step 1: the backend, served on a loopback port
	svc, err := backend.NewService(ctx, backend.NewMemoryJournal(), clock.System(), logger)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	backend.NewHandler(svc).Routes(r)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	server := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("chaos backend stopped", "error", err)
		}
	}()

	// Step 2: the device side, talking to it through the injector
	faults := NewFaultInjector(http.DefaultTransport.(*http.Transport).Clone(), cfg.Seed)
	client := clients.NewBackendClient([]string{"http://" + ln.Addr().String()},
		clients.WithHTTPClient(&http.Client{Transport: faults, Timeout: 5 * time.Second}),
		clients.WithReadRetries(1, 10*time.Millisecond),
	)
	gateway := clients.NewGateway(client, nil, logger, clients.WithBreakerTimeout(cfg.BreakerTimeout))
	queueClock := clock.NewManual(time.Now())
	queue := syncqueue.NewService(syncqueue.NewMemoryStore(), gateway,
		syncqueue.WithClock(queueClock),
		syncqueue.WithLogger(logger),
		syncqueue.WithDispatchTimeout(cfg.DispatchTimeout),
	)
	repo := lifecycle.NewRepository(queue, lifecycle.WithBackend(client), lifecycle.WithLogger(logger))
	queue.OnDelivered(repo.MarkSynced)
	queue.OnDiscarded(repo.MarkSynced)

	p := &Pipeline{
		Faults:         faults,
		Backend:        svc,
		Queue:          queue,
		Repo:           repo,
		queueClock:     queueClock,
		breakerTimeout: cfg.BreakerTimeout,
		server:         server,
		logger:         logger,
	}

	if _, err := repo.RegisterPart(ctx, lifecycle.PartInventoryItem{
		ID: workloadPart, Name: "Chaos valve", Type: lifecycle.PartValve, Unit: "unidad", Stock: 10000,
	}); err != nil {
		p.Close(ctx)
		return nil, err
	}
	if err := repo.Refresh(ctx); err != nil {
		p.Close(ctx)
		return nil, err
	}
	return p, nil
}

// Workload issues n local writes: mostly stock movements, with a workshop
// intake and close every fifth step.
func (p *Pipeline) Workload(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if i%5 != 4 {
			if err := p.Restock(ctx, 1); err != nil {
				return err
			}
			continue
		}
		rec, err := p.Repo.RegisterWorkshopIntake(ctx, lifecycle.WorkshopIntake{Owner: "Chaos Ltda", Technician: "chaos"})
		if err != nil {
			return err
		}
		if _, err := p.Repo.CloseMaintenance(ctx, rec.ID, "chaos", "", time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// Restock records n independent stock movements.
func (p *Pipeline) Restock(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.Repo.AddPartStock(ctx, workloadPart, 1, "chaos", ""); err != nil {
			return err
		}
	}
	return nil
}

// Attempt runs one delivery pass with every retry due.
func (p *Pipeline) Attempt(ctx context.Context) error {
	p.queueClock.Advance(time.Minute)
	_, err := p.Queue.ProcessQueue(ctx)
	return err
}

// Drain retries delivery until nothing is pending or rounds run out.
func (p *Pipeline) Drain(ctx context.Context) error {
	for round := 0; round < 50 && p.Queue.PendingCount() > 0; round++ {
		if err := p.Attempt(ctx); err != nil {
			return err
		}
		if p.Queue.PendingCount() == 0 {
			break
		}
		// give an open breaker the chance to half-open
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.breakerTimeout):
		}
	}
	if n := p.Queue.PendingCount(); n > 0 {
		return fmt.Errorf("%d operations still pending after drain", n)
	}
	return nil
}

// DiscardDeadLetters drops every dead letter.
func (p *Pipeline) DiscardDeadLetters(ctx context.Context) error {
	for _, letter := range p.Queue.DeadLetters() {
		if err := p.Queue.DiscardDeadLetter(ctx, letter.Operation.Key); err != nil {
			return err
		}
	}
	return nil
}

// DuplicateMovements counts backend movements applied more than once for the same key.
func (p *Pipeline) DuplicateMovements(ctx context.Context) int {
	movements := p.Backend.Movements(ctx)
	keys := make(map[string]struct{}, len(movements))
	for _, m := range movements {
		keys[m.IdempotencyKey] = struct{}{}
	}
	return len(movements) - len(keys)
}

// UnsyncedEntities counts dirty assets and records in the repository.
func (p *Pipeline) UnsyncedEntities() int {
	s := p.Repo.Snapshot()
	n := 0
	for _, a := range s.Assets {
		if a.Dirty {
			n++
		}
	}
	for _, m := range s.Maintenance {
		if m.Dirty {
			n++
		}
	}
	return n
}

func (p *Pipeline) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}
