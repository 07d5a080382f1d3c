// internal/syncqueue/service.go
package syncqueue

import "context"

// Service defines the durable offline operation queue.
type Service interface {
	// Load reads the persisted queue. Other methods load lazily, so calling
	// Load is only needed before PendingCount or Status.
	Load(ctx context.Context) error
	// Enqueue stores a mutation and returns its idempotency key. The queue is
	// persisted before Enqueue returns.
	Enqueue(ctx context.Context, m Mutation) (string, error)
	// EnqueueAll stores several mutations with a single persist. Either all
	// of them are queued or none is.
	EnqueueAll(ctx context.Context, ms []Mutation) ([]string, error)
	// ProcessQueue dispatches every due operation once and returns how many
	// were delivered.
	ProcessQueue(ctx context.Context) (int, error)
	PendingCount() int
	Pending() []PendingOperation
	DeadLetters() []DeadLetter
	Status() Status
	Subscribe() (<-chan Status, func())
	RetryDeadLetter(ctx context.Context, key string) error
	DiscardDeadLetter(ctx context.Context, key string) error
	// OnDelivered registers fn to run after an operation is delivered.
	OnDelivered(fn func(PendingOperation))
	// OnDiscarded registers fn to run after a dead letter is discarded.
	OnDiscarded(fn func(PendingOperation))
}

// Gateway delivers one operation to the backend. It returns nil on success,
// an error matching ErrRejected for permanent refusals and any other error
// for transient failures.
type Gateway interface {
	Apply(ctx context.Context, op PendingOperation) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, op PendingOperation) error

func (f GatewayFunc) Apply(ctx context.Context, op PendingOperation) error {
	return f(ctx, op)
}
