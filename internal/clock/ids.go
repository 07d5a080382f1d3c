// internal/clock/ids.go
package clock

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sequence hands out prefixed, strictly increasing identifiers such as "MT-12".
type Sequence struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequence creates a sequence whose first identifier ends in start.
func NewSequence(prefix string, start int) *Sequence {
	if start < 1 {
		start = 1
	}
	return &Sequence{prefix: prefix, next: start}
}

// Next returns the next identifier.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%s-%d", s.prefix, s.next)
	s.next++
	return id
}

// NextNumber returns the next raw counter value.
func (s *Sequence) NextNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// AtLeast moves the counter forward so the next value is >= n. It never moves backwards.
func (s *Sequence) AtLeast(n int) {
	s.mu.Lock()
	if n > s.next {
		s.next = n
	}
	s.mu.Unlock()
}

// NewKey returns an idempotency key made of prefix and a UUIDv7, which
// embeds the current millisecond timestamp followed by random bits.
func NewKey(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}
