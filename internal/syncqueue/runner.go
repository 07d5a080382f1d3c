// internal/syncqueue/runner.go
package syncqueue

import (
	"context"
	"log/slog"
	"time"
)

// Runner drains the queue on a fixed interval and whenever the queue reports
// operations that are due right now.
type Runner struct {
	queue    Service
	interval time.Duration
	logger   *slog.Logger
}

func NewRunner(queue Service, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{queue: queue, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled or the queue stops publishing.
func (r *Runner) Run(ctx context.Context) error {
	updates, cancel := r.queue.Subscribe()
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if st.Due > 0 {
				r.drain(ctx)
			}
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	delivered, err := r.queue.ProcessQueue(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("sync drain failed", "error", err)
		return
	}
	if delivered > 0 {
		r.logger.Info("sync drain", "delivered", delivered, "pending", r.queue.PendingCount())
	}
}
