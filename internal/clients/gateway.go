// internal/clients/gateway.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

// Gateway delivers queued mutations to the backend. Calls are paced by a
// rate limiter and pass through a circuit breaker that opens after repeated
// transport or server failures.
type Gateway struct {
	client  *BackendClient
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// GatewayOption tunes the circuit breaker of a Gateway.
type GatewayOption func(*gobreaker.Settings)

// WithBreakerTimeout sets how long the breaker stays open before probing again.
func WithBreakerTimeout(d time.Duration) GatewayOption {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithTripAfter sets the number of consecutive failures that opens the breaker.
func WithTripAfter(n uint32) GatewayOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// NewGateway creates a gateway over client. A nil limiter means no pacing.
func NewGateway(client *BackendClient, limiter *rate.Limiter, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{client: client, limiter: limiter, logger: logger}
	settings := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a refusal proves the backend is up
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, syncqueue.ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)
	return g
}

// State reports the circuit breaker state.
func (g *Gateway) State() string {
	return g.breaker.State().String()
}

func (g *Gateway) Apply(ctx context.Context, op syncqueue.PendingOperation) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.send(ctx, op)
	})
	return classify(err)
}

func (g *Gateway) send(ctx context.Context, op syncqueue.PendingOperation) error {
	payload := op.Mutation.Payload
	switch op.Mutation.Kind {
	case syncqueue.KindCreateAsset:
		var req backend.CreateExtinguisherRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return malformed(op, err)
		}
		_, err := g.client.CreateExtinguisher(ctx, op.Key, req)
		return err

	case syncqueue.KindUpdateAsset:
		var cmd backend.UpdateExtinguisherCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return malformed(op, err)
		}
		_, err := g.client.UpdateExtinguisher(ctx, op.Key, cmd)
		return err

	case syncqueue.KindRegisterService:
		var req backend.RegisterServiceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return malformed(op, err)
		}
		_, err := g.client.RegisterService(ctx, op.Key, req)
		return err

	case syncqueue.KindStockMovement:
		var req backend.MovementRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return malformed(op, err)
		}
		_, err := g.client.RecordMovement(ctx, op.Key, req)
		return err
	}
	return syncqueue.Reject(0, fmt.Sprintf("unknown mutation kind %q", op.Mutation.Kind))
}

func malformed(op syncqueue.PendingOperation, err error) error {
	return syncqueue.Reject(0, fmt.Sprintf("malformed %s payload: %v", op.Mutation.Kind, err))
}

// classify converts permanent HTTP refusals into queue rejections.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !Retryable(se.StatusCode) {
		return syncqueue.Reject(se.StatusCode, se.Body)
	}
	return err
}
