// internal/chaos/faults.go
package chaos

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

var ErrInjected = errors.New("injected network fault")

// FaultInjector is an http.RoundTripper that delays, fails or swallows
// requests on the way to the backend.
type FaultInjector struct {
	base http.RoundTripper

	mu           sync.Mutex
	rnd          *rand.Rand
	latency      time.Duration
	failureRate  float64
	status       int
	dropResponse bool
	stats        FaultStats
}

// FaultStats counts what the injector did.
type FaultStats struct {
	Requests  int `json:"requests"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Delivered int `json:"delivered"`
}

func NewFaultInjector(base http.RoundTripper, seed uint64) *FaultInjector {
	if base == nil {
		base = http.DefaultTransport
	}
	return &FaultInjector{base: base, rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SetLatency delays every request by d.
func (f *FaultInjector) SetLatency(d time.Duration) {
	f.mu.Lock()
	f.latency = d
	f.mu.Unlock()
}

// SetFailures fails the given share of requests. A zero status fails them
// at the transport level; otherwise the backend is never called and the
// status is returned.
func (f *FaultInjector) SetFailures(rate float64, status int) {
	f.mu.Lock()
	f.failureRate = rate
	f.status = status
	f.mu.Unlock()
}

// SetDropResponses forwards requests but loses the responses, so the
// backend applies writes the caller believes failed.
func (f *FaultInjector) SetDropResponses(drop bool) {
	f.mu.Lock()
	f.dropResponse = drop
	f.mu.Unlock()
}

func (f *FaultInjector) Reset() {
	f.mu.Lock()
	f.latency, f.failureRate, f.status, f.dropResponse = 0, 0, 0, false
	f.mu.Unlock()
}

func (f *FaultInjector) Stats() FaultStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *FaultInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.stats.Requests++
	latency, status, drop := f.latency, f.status, f.dropResponse
	fail := f.failureRate > 0 && f.rnd.Float64() < f.failureRate
	if fail {
		f.stats.Failed++
	}
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(latency):
		}
	}

	if fail {
		if status == 0 {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrInjected)
		}
		return &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("injected fault")),
			Request:    req,
		}, nil
	}

	resp, err := f.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if drop && req.Method != http.MethodGet {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		f.mu.Lock()
		f.stats.Dropped++
		f.mu.Unlock()
		return nil, fmt.Errorf("%s %s: response lost: %w", req.Method, req.URL.Path, ErrInjected)
	}

	f.mu.Lock()
	f.stats.Delivered++
	f.mu.Unlock()
	return resp, nil
}
