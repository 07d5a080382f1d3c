package chaos

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFaultInjectorPassesThrough(t *testing.T) {
	srv, hits := countingServer(t)
	client := &http.Client{Transport: NewFaultInjector(nil, 1)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int64(1), hits.Load())
}

func TestFaultInjectorFailures(t *testing.T) {
	srv, hits := countingServer(t)
	faults := NewFaultInjector(nil, 1)
	client := &http.Client{Transport: faults}

	faults.SetFailures(1, 0)
	_, err := client.Get(srv.URL)
	require.ErrorIs(t, err, ErrInjected)

	faults.SetFailures(1, http.StatusServiceUnavailable)
	resp, err := client.Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Zero(t, hits.Load(), "failed requests never reach the server")
	assert.Equal(t, FaultStats{Requests: 2, Failed: 2}, faults.Stats())

	faults.Reset()
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(1), hits.Load())
}

func TestFaultInjectorFailureRateIsSeeded(t *testing.T) {
	srv, _ := countingServer(t)
	run := func() int {
		faults := NewFaultInjector(nil, 42)
		faults.SetFailures(0.5, http.StatusServiceUnavailable)
		client := &http.Client{Transport: faults}
		for i := 0; i < 50; i++ {
			resp, err := client.Get(srv.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		return faults.Stats().Failed
	}

	first := run()
	assert.Equal(t, first, run())
	assert.Greater(t, first, 0)
	assert.Less(t, first, 50)
}

func TestFaultInjectorDropsWriteResponses(t *testing.T) {
	srv, hits := countingServer(t)
	faults := NewFaultInjector(nil, 1)
	faults.SetDropResponses(true)
	client := &http.Client{Transport: faults}

	_, err := client.Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, int64(1), hits.Load(), "the write reached the server")

	resp, err := client.Get(srv.URL)
	require.NoError(t, err, "reads are not dropped")
	resp.Body.Close()

	assert.Equal(t, FaultStats{Requests: 2, Dropped: 1, Delivered: 1}, faults.Stats())
}

func TestFaultInjectorLatencyHonoursContext(t *testing.T) {
	srv, hits := countingServer(t)
	faults := NewFaultInjector(nil, 1)
	faults.SetLatency(time.Minute)
	client := &http.Client{Transport: faults}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, hits.Load())
}
