// internal/backend/journal.go
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"firetrack/pkg/eventstore"
)

// Journal is the append-only log the backend state is rebuilt from.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	Replay(ctx context.Context, fn func(Entry) error) error
}

// MemoryJournal keeps entries in memory. Tests share one between backend
// instances to simulate a restart.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e.Key != "" {
		for _, prior := range j.entries {
			if prior.Key == e.Key {
				return fmt.Errorf("%w: key %s already journaled", ErrConflict, e.Key)
			}
		}
	}
	e.Seq = int64(len(j.entries) + 1)
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Replay(ctx context.Context, fn func(Entry) error) error {
	j.mu.Lock()
	entries := append([]Entry(nil), j.entries...)
	j.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of journaled entries.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// EventStoreJournal persists entries in the PostgreSQL event store, one
// aggregate per extinguisher or part.
type EventStoreJournal struct {
	store     *eventstore.EventStore
	batchSize int

	mu       sync.Mutex
	versions map[string]int
}

func NewEventStoreJournal(store *eventstore.EventStore) *EventStoreJournal {
	return &EventStoreJournal{store: store, batchSize: 500, versions: make(map[string]int)}
}

func (j *EventStoreJournal) Append(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	version := j.versions[e.Aggregate]
	err := j.store.AppendEvents(ctx, e.Aggregate, aggregateType(e.Aggregate), version, []eventstore.Event{{
		EventType:      e.Kind,
		IdempotencyKey: e.Key,
		Fingerprint:    e.Fingerprint,
		EventData:      e.Data,
		CreatedAt:      e.RecordedAt,
	}})
	if errors.Is(err, eventstore.ErrDuplicateKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		// another writer appended to this aggregate; pick up its version for the next attempt
		if current, verr := j.store.GetCurrentVersion(ctx, e.Aggregate); verr == nil {
			j.versions[e.Aggregate] = current
		}
		return err
	}
	if err != nil {
		return err
	}
	j.versions[e.Aggregate] = version + 1
	return nil
}

func (j *EventStoreJournal) Replay(ctx context.Context, fn func(Entry) error) error {
	var last int64
	for {
		batch, err := j.store.StreamEvents(ctx, last, j.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			last = ev.ID
			j.mu.Lock()
			j.versions[ev.AggregateID] = ev.Version
			j.mu.Unlock()
			entry := Entry{
				Seq:         ev.ID,
				Key:         ev.IdempotencyKey,
				Kind:        ev.EventType,
				Aggregate:   ev.AggregateID,
				Fingerprint: ev.Fingerprint,
				Data:        ev.EventData,
				RecordedAt:  ev.CreatedAt,
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
}

func aggregateType(aggregate string) string {
	if i := strings.IndexByte(aggregate, ':'); i > 0 {
		return aggregate[:i]
	}
	return "unknown"
}
