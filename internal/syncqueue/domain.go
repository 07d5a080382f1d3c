// internal/syncqueue/domain.go
package syncqueue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names the backend write a mutation performs.
type Kind string

const (
	KindCreateAsset     Kind = "create_asset"
	KindUpdateAsset     Kind = "update_asset"
	KindRegisterService Kind = "register_service"
	KindStockMovement   Kind = "stock_movement"
)

// keyPrefix is the human-readable prefix of generated idempotency keys.
func (k Kind) keyPrefix() string {
	switch k {
	case KindCreateAsset:
		return "ext"
	case KindUpdateAsset:
		return "upd"
	case KindRegisterService:
		return "svc"
	case KindStockMovement:
		return "mov"
	default:
		return "op"
	}
}

var (
	// ErrRejected marks a gateway error as permanent: the backend understood
	// the request and refused it, so retrying cannot help.
	ErrRejected = errors.New("mutation rejected by backend")
	// ErrNotFound is returned when a dead letter key is unknown.
	ErrNotFound = errors.New("operation not found")
	// ErrInvalidMutation is returned by Enqueue for a mutation without a kind or payload.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// RejectedError carries the backend's refusal of a mutation.
type RejectedError struct {
	StatusCode int
	Reason     string
}

// Reject builds a permanent gateway error.
func Reject(statusCode int, reason string) error {
	return &RejectedError{StatusCode: statusCode, Reason: reason}
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected with status %d: %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Mutation is a backend write captured locally, possibly while offline.
type Mutation struct {
	// Key is the idempotency key. Enqueue generates one when empty; reusing a
	// key replaces the pending operation that carries it.
	Key     string          `json:"key,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// Refs name the local entities the mutation touches, e.g. "asset:E1".
	Refs []string `json:"refs,omitempty"`
	// After holds the key of a mutation that must be delivered first.
	After string `json:"after,omitempty"`
}

// PendingOperation is a queued mutation plus its retry bookkeeping.
type PendingOperation struct {
	Key         string    `json:"key"`
	Mutation    Mutation  `json:"mutation"`
	Retries     int       `json:"retries"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// DeadLetter is an operation the backend refused permanently.
type DeadLetter struct {
	Operation  PendingOperation `json:"operation"`
	StatusCode int              `json:"status_code,omitempty"`
	Reason     string           `json:"reason"`
	RejectedAt time.Time        `json:"rejected_at"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	Pending     int                `json:"pending"`
	Due         int                `json:"due"`
	InFlight    int                `json:"in_flight"`
	DeadLetters int                `json:"dead_letters"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	Operations  []PendingOperation `json:"operations"`
	Rejected    []DeadLetter       `json:"rejected,omitempty"`
}

// document is the persisted form of the queue.
type document struct {
	Version     int                `json:"version"`
	Pending     []PendingOperation `json:"pending"`
	DeadLetters []DeadLetter       `json:"dead_letters,omitempty"`
}

const documentVersion = 1

// decodeDocument accepts the current document layout and the older bare
// array of operations.
func decodeDocument(raw string) (document, error) {
	var doc document
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 {
		return doc, nil
	}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &doc.Pending); err != nil {
			return document{}, err
		}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

const maxLastErrorRunes = 140

func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxLastErrorRunes {
		return msg
	}
	return string(r[:maxLastErrorRunes])
}
