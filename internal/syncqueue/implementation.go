// internal/syncqueue/implementation.go
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"firetrack/internal/clock"
	"firetrack/internal/pubsub"
)

const defaultDispatchTimeout = 15 * time.Second

// queue implements the Service interface.
type queue struct {
	store   Store
	gateway Gateway
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration

	mu        sync.Mutex
	loaded    bool
	pending   []PendingOperation
	dead      []DeadLetter
	inflight  map[string]struct{}
	delivered []func(PendingOperation)
	discarded []func(PendingOperation)

	count   atomic.Int64
	updates *pubsub.Broadcaster[Status]
}

// Option configures the queue.
type Option func(*queue)

func WithClock(c clock.Clock) Option {
	return func(q *queue) { q.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *queue) { q.logger = l }
}

// WithDispatchTimeout bounds a single gateway call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(q *queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(q *queue) { q.tracer = t }
}

// NewService creates a queue persisted in store and delivered through gateway.
func NewService(store Store, gateway Gateway, opts ...Option) Service {
	q := &queue{
		store:    store,
		gateway:  gateway,
		clock:    clock.System(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("firetrack/syncqueue"),
		timeout:  defaultDispatchTimeout,
		inflight: make(map[string]struct{}),
		updates:  pubsub.New[Status](),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *queue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	raw, err := q.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue store: %w", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		// An unreadable document starts an empty queue, the next write replaces it.
		q.logger.Error("discarding unreadable sync queue", "error", err, "bytes", len(raw))
		doc = document{}
	}
	q.pending = doc.Pending
	q.dead = doc.DeadLetters
	q.loaded = true
	q.count.Store(int64(len(q.pending)))
	return nil
}

func (q *queue) Enqueue(ctx context.Context, m Mutation) (string, error) {
	keys, err := q.EnqueueAll(ctx, []Mutation{m})
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

func (q *queue) EnqueueAll(ctx context.Context, ms []Mutation) ([]string, error) {
	for _, m := range ms {
		if m.Kind == "" || len(m.Payload) == 0 {
			return nil, ErrInvalidMutation
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.loadLocked(ctx); err != nil {
		return nil, err
	}

	now := q.clock.Now()
	prevPending, prevDead := q.pending, q.dead
	keys := make([]string, len(ms))
	for i, m := range ms {
		if m.Key == "" {
			m.Key = clock.NewKey(m.Kind.keyPrefix())
		}
		keys[i] = m.Key
		op := PendingOperation{
			Key:         m.Key,
			Mutation:    m,
			NextRetryAt: now,
			EnqueuedAt:  now,
		}
		q.pending = append(withoutPending(q.pending, op.Key), op)
		q.dead = withoutDead(q.dead, op.Key)
	}

	if err := q.persistLocked(ctx); err != nil {
		q.pending, q.dead = prevPending, prevDead
		return nil, fmt.Errorf("failed to persist queue: %w", err)
	}

	q.logger.Debug("mutations enqueued", "keys", keys, "pending", len(q.pending))
	q.publishLocked()
	return keys, nil
}

func (q *queue) ProcessQueue(ctx context.Context) (int, error) {
	ctx, span := q.tracer.Start(ctx, "syncqueue.process")
	defer span.End()

	// Step 1: snapshot the due operations and mark them in flight
	q.mu.Lock()
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		span.RecordError(err)
		return 0, err
	}
	due := q.dueLocked(q.clock.Now())
	for _, op := range due {
		q.inflight[op.Key] = struct{}{}
	}
	q.mu.Unlock()

	span.SetAttributes(attribute.Int("sync.due", len(due)))

	// Step 2: dispatch without holding the lock, committing after each call
	delivered := 0
	var persistErr error
	for i, op := range due {
		if ctx.Err() != nil {
			q.release(due[i:])
			break
		}

		err := q.dispatch(ctx, op)
		if err == nil {
			delivered++
		}

		q.mu.Lock()
		delete(q.inflight, op.Key)
		q.commitLocked(op, err)
		if perr := q.persistLocked(ctx); perr != nil && persistErr == nil {
			persistErr = fmt.Errorf("failed to persist queue: %w", perr)
		}
		q.publishLocked()
		hooks := q.delivered
		q.mu.Unlock()

		if err == nil {
			for _, fn := range hooks {
				fn(op)
			}
		}
	}

	span.SetAttributes(attribute.Int("sync.delivered", delivered))
	if persistErr != nil {
		span.RecordError(persistErr)
		span.SetStatus(codes.Error, "persist failed")
	}
	return delivered, persistErr
}

func (q *queue) dispatch(ctx context.Context, op PendingOperation) error {
	ctx, span := q.tracer.Start(ctx, "syncqueue.dispatch", trace.WithAttributes(
		attribute.String("sync.key", op.Key),
		attribute.String("sync.kind", string(op.Mutation.Kind)),
		attribute.Int("sync.retries", op.Retries),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	err := q.gateway.Apply(callCtx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// release drops the in-flight mark of operations that were never dispatched.
func (q *queue) release(ops []PendingOperation) {
	q.mu.Lock()
	for _, op := range ops {
		delete(q.inflight, op.Key)
	}
	q.mu.Unlock()
}

// dueLocked returns the operations that may be dispatched at now, in enqueue order.
func (q *queue) dueLocked(now time.Time) []PendingOperation {
	keys := make(map[string]struct{}, len(q.pending))
	for _, op := range q.pending {
		keys[op.Key] = struct{}{}
	}

	var due []PendingOperation
	for _, op := range q.pending {
		if op.NextRetryAt.After(now) {
			continue
		}
		if _, busy := q.inflight[op.Key]; busy {
			continue
		}
		if after := op.Mutation.After; after != "" {
			if _, waiting := keys[after]; waiting {
				continue
			}
		}
		due = append(due, op)
	}
	return due
}

// commitLocked applies the outcome of one dispatch. The operation may have
// been replaced by a newer enqueue under the same key while in flight; the
// outcome then applies to the replacement.
func (q *queue) commitLocked(op PendingOperation, err error) {
	idx := indexOf(q.pending, op.Key)
	if idx < 0 {
		return
	}
	now := q.clock.Now()

	switch {
	case err == nil:
		q.pending = withoutPending(q.pending, op.Key)
		q.logger.Info("mutation delivered", "key", op.Key, "kind", op.Mutation.Kind)

	case errors.Is(err, ErrRejected):
		current := q.pending[idx]
		current.LastError = truncateError(err.Error())
		letter := DeadLetter{Operation: current, Reason: current.LastError, RejectedAt: now}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			letter.StatusCode = rejected.StatusCode
		}
		q.pending = withoutPending(q.pending, op.Key)
		q.dead = append(withoutDead(q.dead, op.Key), letter)
		q.logger.Warn("mutation rejected", "key", op.Key, "kind", op.Mutation.Kind, "status", letter.StatusCode, "error", err)

	default:
		updated := make([]PendingOperation, len(q.pending))
		copy(updated, q.pending)
		current := updated[idx]
		current.Retries++
		current.NextRetryAt = now.Add(Backoff(current.Retries))
		current.LastError = truncateError(err.Error())
		updated[idx] = current
		q.pending = updated
		q.logger.Warn("mutation delivery failed", "key", op.Key, "kind", op.Mutation.Kind,
			"retries", current.Retries, "next_retry_at", current.NextRetryAt, "error", err)
	}
}

func (q *queue) persistLocked(ctx context.Context) error {
	doc := document{Version: documentVersion, Pending: q.pending, DeadLetters: q.dead}
	if doc.Pending == nil {
		doc.Pending = []PendingOperation{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := q.store.Write(ctx, string(data)); err != nil {
		return err
	}
	q.count.Store(int64(len(q.pending)))
	return nil
}

func (q *queue) publishLocked() {
	q.updates.Publish(q.statusLocked())
}

func (q *queue) PendingCount() int {
	return int(q.count.Load())
}

func (q *queue) Pending() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingOperation(nil), q.pending...)
}

func (q *queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *queue) statusLocked() Status {
	st := Status{
		Pending:     len(q.pending),
		Due:         len(q.dueLocked(q.clock.Now())),
		InFlight:    len(q.inflight),
		DeadLetters: len(q.dead),
		Operations:  append([]PendingOperation(nil), q.pending...),
		Rejected:    append([]DeadLetter(nil), q.dead...),
	}
	for _, op := range q.pending {
		if st.NextRetryAt == nil || op.NextRetryAt.Before(*st.NextRetryAt) {
			next := op.NextRetryAt
			st.NextRetryAt = &next
		}
	}
	return st
}

func (q *queue) Subscribe() (<-chan Status, func()) {
	return q.updates.Subscribe()
}

func (q *queue) RetryDeadLetter(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	idx := indexOfDead(q.dead, key)
	if idx < 0 {
		return ErrNotFound
	}

	op := q.dead[idx].Operation
	op.Retries = 0
	op.NextRetryAt = q.clock.Now()
	op.LastError = ""

	prevPending, prevDead := q.pending, q.dead
	q.pending = append(withoutPending(q.pending, key), op)
	q.dead = withoutDead(q.dead, key)
	if err := q.persistLocked(ctx); err != nil {
		q.pending, q.dead = prevPending, prevDead
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	q.publishLocked()
	return nil
}

func (q *queue) DiscardDeadLetter(ctx context.Context, key string) error {
	q.mu.Lock()

	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	idx := indexOfDead(q.dead, key)
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}

	op := q.dead[idx].Operation
	prevDead := q.dead
	q.dead = withoutDead(q.dead, key)
	if err := q.persistLocked(ctx); err != nil {
		q.dead = prevDead
		q.mu.Unlock()
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	q.publishLocked()
	hooks := q.discarded
	q.mu.Unlock()

	for _, fn := range hooks {
		fn(op)
	}
	return nil
}

func (q *queue) OnDelivered(fn func(PendingOperation)) {
	q.mu.Lock()
	q.delivered = append(q.delivered, fn)
	q.mu.Unlock()
}

func (q *queue) OnDiscarded(fn func(PendingOperation)) {
	q.mu.Lock()
	q.discarded = append(q.discarded, fn)
	q.mu.Unlock()
}

// withoutPending returns a fresh slice without key, leaving ops untouched.
func withoutPending(ops []PendingOperation, key string) []PendingOperation {
	out := make([]PendingOperation, 0, len(ops)+1)
	for _, op := range ops {
		if op.Key != key {
			out = append(out, op)
		}
	}
	return out
}

func withoutDead(letters []DeadLetter, key string) []DeadLetter {
	out := make([]DeadLetter, 0, len(letters))
	for _, l := range letters {
		if l.Operation.Key != key {
			out = append(out, l)
		}
	}
	return out
}

func indexOf(ops []PendingOperation, key string) int {
	for i, op := range ops {
		if op.Key == key {
			return i
		}
	}
	return -1
}

func indexOfDead(letters []DeadLetter, key string) int {
	for i, l := range letters {
		if l.Operation.Key == key {
			return i
		}
	}
	return -1
}
