// internal/backend/implementation.go
package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"firetrack/internal/clock"
)

type ledgerEntry struct {
	fingerprint string
	result      any
}

// service implements the Service interface.
type service struct {
	journal Journal
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	state  *state
	ledger map[string]ledgerEntry
}

// NewService creates the backend and rebuilds its state from the journal.
func NewService(ctx context.Context, journal Journal, clk clock.Clock, logger *slog.Logger) (Service, error) {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		journal: journal,
		clock:   clk,
		logger:  logger,
		tracer:  otel.Tracer("firetrack/backend"),
		state:   seedState(),
		ledger:  make(map[string]ledgerEntry),
	}

	replayed := 0
	err := journal.Replay(ctx, func(e Entry) error {
		mutate, err := decodeMutation(e.Kind, e.Data)
		if err != nil {
			return err
		}
		result, _, err := mutate(s.state, e.RecordedAt)
		if err != nil {
			return fmt.Errorf("replay entry %d (%s): %w", e.Seq, e.Kind, err)
		}
		if e.Key != "" {
			s.ledger[e.Key] = ledgerEntry{fingerprint: e.Fingerprint, result: result}
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	logger.Info("backend state rebuilt", "entries", replayed, "extinguishers", len(s.state.extinguishers))
	return s, nil
}

type mutation func(st *state, at time.Time) (any, string, error)

// decodeMutation turns a journaled or incoming request into a state change.
func decodeMutation(kind string, data json.RawMessage) (mutation, error) {
	switch kind {
	case EntryCreateExtinguisher:
		var req CreateExtinguisherRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return func(st *state, at time.Time) (any, string, error) { return st.createExtinguisher(req, at) }, nil
	case EntryUpdateExtinguisher:
		var cmd UpdateExtinguisherCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return func(st *state, at time.Time) (any, string, error) { return st.updateExtinguisher(cmd) }, nil
	case EntryRegisterService:
		var req RegisterServiceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return func(st *state, at time.Time) (any, string, error) { return st.registerService(req, at) }, nil
	case EntryRecordMovement:
		var req MovementRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return func(st *state, at time.Time) (any, string, error) { return st.recordMovement(req, at) }, nil
	}
	return nil, fmt.Errorf("unknown journal entry kind %q", kind)
}

// fingerprint identifies a request body independently of its key.
func fingerprint(kind string, data []byte) string {
	sum := blake2b.Sum256(append([]byte(kind+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// apply runs a write at most once per idempotency key.
func (s *service) apply(ctx context.Context, kind, key string, req any) (any, error) {
	ctx, span := s.tracer.Start(ctx, "backend.apply", trace.WithAttributes(
		attribute.String("backend.kind", kind),
		attribute.String("idempotency.key", key),
	))
	defer span.End()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	fp := fingerprint(kind, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if prior, ok := s.ledger[key]; ok {
			if prior.fingerprint != fp {
				span.SetAttributes(attribute.Bool("idempotency.conflict", true))
				return nil, ErrConflict
			}
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			s.logger.Info("idempotent replay", "key", key, "kind", kind)
			return prior.result, nil
		}
	}

	mutate, err := decodeMutation(kind, data)
	if err != nil {
		return nil, err
	}
	at := s.clock.Now().UTC()
	next := s.state.clone()
	result, aggregate, err := mutate(next, at)
	if err != nil {
		return nil, err
	}

	entry := Entry{Key: key, Kind: kind, Aggregate: aggregate, Fingerprint: fp, Data: data, RecordedAt: at}
	if err := s.journal.Append(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to journal %s: %w", kind, err)
	}

	s.state = next
	if key != "" {
		s.ledger[key] = ledgerEntry{fingerprint: fp, result: result}
	}
	return result, nil
}

func (s *service) CreateExtinguisher(ctx context.Context, key string, req CreateExtinguisherRequest) (Extinguisher, error) {
	result, err := s.apply(ctx, EntryCreateExtinguisher, key, req)
	if err != nil {
		return Extinguisher{}, err
	}
	return present(result.(Extinguisher), s.clock.Now()), nil
}

func (s *service) UpdateExtinguisher(ctx context.Context, key string, cmd UpdateExtinguisherCommand) (Extinguisher, error) {
	result, err := s.apply(ctx, EntryUpdateExtinguisher, key, cmd)
	if err != nil {
		return Extinguisher{}, err
	}
	return present(result.(Extinguisher), s.clock.Now()), nil
}

func (s *service) RegisterService(ctx context.Context, key string, req RegisterServiceRequest) (ServiceRecord, error) {
	result, err := s.apply(ctx, EntryRegisterService, key, req)
	if err != nil {
		return ServiceRecord{}, err
	}
	return result.(ServiceRecord), nil
}

func (s *service) RecordMovement(ctx context.Context, key string, req MovementRequest) (Movement, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	result, err := s.apply(ctx, EntryRecordMovement, key, req)
	if err != nil {
		return Movement{}, err
	}
	return result.(Movement), nil
}

func (s *service) Clients(ctx context.Context) []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Client(nil), s.state.clients...)
}

func (s *service) Sites(ctx context.Context) []Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Site(nil), s.state.sites...)
}

func (s *service) Extinguishers(ctx context.Context) []Extinguisher {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Extinguisher, 0, len(s.state.extinguishers))
	for _, e := range s.state.extinguishers {
		out = append(out, present(e, now))
	}
	return out
}

func (s *service) ScanExtinguisher(ctx context.Context, code string) (Extinguisher, error) {
	code = strings.TrimSpace(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.state.extinguisherIndex(0, code)
	if code == "" || idx < 0 {
		return Extinguisher{}, ErrNotFound
	}
	return present(s.state.extinguishers[idx], s.clock.Now()), nil
}

func (s *service) Orders(ctx context.Context) []ServiceOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ServiceOrder(nil), s.state.orders...)
}

func (s *service) Movements(ctx context.Context) []Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Movement(nil), s.state.movements...)
}
