package syncqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunnerDrainsOnEnqueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := newRecordingGateway(nil)
	q := NewService(NewMemoryStore(), gw)
	runner := NewRunner(q, time.Hour, nil)

	first, err := q.Enqueue(context.Background(), movement("PT-VALVE", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// the first drain runs after the runner has subscribed
	require.Eventually(t, func() bool { return gw.count(first) == 1 }, 2*time.Second, 10*time.Millisecond)

	key, err := q.Enqueue(context.Background(), movement("PT-HOSE", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gw.count(key) == 1 && q.PendingCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestRunnerRetriesOnTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := newRecordingGateway(func(PendingOperation) error { return errors.New("offline") })
	q := NewService(NewMemoryStore(), gw)
	key, err := q.Enqueue(ctx, movement("PT-HOSE", 1))
	require.NoError(t, err)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)

	// back online; the operation becomes due after its first backoff step
	gw.setRespond(nil)
	runner := NewRunner(q, 50*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, gw.count(key))

	cancel()
	<-done
}
