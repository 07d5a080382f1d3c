package clock

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestDayAndAddDays(t *testing.T) {
	ts := time.Date(2026, 2, 27, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC), Day(ts))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), AddDays(ts, 2))
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	seq := NewSequence("MT", 1)
	assert.Equal(t, "MT-1", seq.Next())
	assert.Equal(t, "MT-2", seq.Next())

	seq.AtLeast(10)
	assert.Equal(t, "MT-10", seq.Next())

	seq.AtLeast(3)
	assert.Equal(t, "MT-11", seq.Next())
}

func TestSequenceConcurrentCallersGetDistinctIDs(t *testing.T) {
	seq := NewSequence("H", 1)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := seq.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestNewKeyFormat(t *testing.T) {
	key := NewKey("mov")
	require.True(t, strings.HasPrefix(key, "mov-"))

	id, err := uuid.Parse(strings.TrimPrefix(key, "mov-"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	assert.NotEqual(t, NewKey("mov"), NewKey("mov"))
}
