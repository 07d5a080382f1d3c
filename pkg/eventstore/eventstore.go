package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	// ErrDuplicateKey is returned when an event reuses an idempotency key already stored.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

const (
	versionConstraint = "events_aggregate_version_unique"
	keyConstraint     = "events_idempotency_key_unique"
)

// Event is one journaled write.
type Event struct {
	ID             int64                  `json:"id" db:"id"`
	AggregateID    string                 `json:"aggregate_id" db:"aggregate_id"`
	AggregateType  string                 `json:"aggregate_type" db:"aggregate_type"`
	EventType      string                 `json:"event_type" db:"event_type"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Fingerprint    string                 `json:"fingerprint,omitempty" db:"fingerprint"`
	EventData      json.RawMessage        `json:"event_data" db:"event_data"`
	Metadata       map[string]interface{} `json:"metadata" db:"metadata"`
	Version        int                    `json:"version" db:"version"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// EventStore is an append-only event journal in PostgreSQL.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("firetrack/eventstore"),
	}
}

// Migrate creates the events table when missing.
func (es *EventStore) Migrate(ctx context.Context) error {
	_, err := es.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			idempotency_key TEXT,
			fingerprint TEXT,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT `+versionConstraint+` UNIQUE (aggregate_id, version),
			CONSTRAINT `+keyConstraint+` UNIQUE (idempotency_key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// AppendEvents atomically appends events with optimistic concurrency control.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, idempotency_key, fingerprint, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, event := range events {
		version := expectedVersion + i + 1
		metadataJSON, _ := json.Marshal(event.Metadata)
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		var eventID int64
		err = stmt.QueryRowContext(ctx,
			aggregateID,
			aggregateType,
			event.EventType,
			nullable(event.IdempotencyKey),
			nullable(event.Fingerprint),
			[]byte(event.EventData),
			metadataJSON,
			version,
			createdAt,
		).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				if pqErr.Constraint == keyConstraint {
					return ErrDuplicateKey
				}
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindByIdempotencyKey returns the event stored under key, or nil when none is.
func (es *EventStore) FindByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.find_by_key")
	defer span.End()

	row := es.db.QueryRowContext(ctx, selectEvents+` WHERE idempotency_key = $1`, key)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event: %w", err)
	}
	return &event, nil
}

// LoadEvents retrieves every event of an aggregate in version order.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID)),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, selectEvents+` WHERE aggregate_id = $1 ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := collect(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := es.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}

// StreamEvents returns up to batchSize events with an id greater than fromID.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, selectEvents+` WHERE id > $1 ORDER BY id ASC LIMIT $2`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	events, err := collect(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

const selectEvents = `
	SELECT id, aggregate_id, aggregate_type, event_type,
		COALESCE(idempotency_key, ''), COALESCE(fingerprint, ''),
		event_data, metadata, version, created_at
	FROM events`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var event Event
	var data, metadataJSON []byte
	err := row.Scan(
		&event.ID,
		&event.AggregateID,
		&event.AggregateType,
		&event.EventType,
		&event.IdempotencyKey,
		&event.Fingerprint,
		&data,
		&metadataJSON,
		&event.Version,
		&event.CreatedAt,
	)
	if err != nil {
		return Event{}, err
	}
	event.EventData = json.RawMessage(data)
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &event.Metadata)
	}
	return event, nil
}

func collect(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
