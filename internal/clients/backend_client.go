// internal/clients/backend_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

// ErrUnreachable is returned when no candidate base URL answered.
var ErrUnreachable = errors.New("backend unreachable")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// Is reports permanent refusals as syncqueue.ErrRejected.
func (e *StatusError) Is(target error) bool {
	return target == syncqueue.ErrRejected && !Retryable(e.StatusCode)
}

// Retryable reports whether a request answered with code may succeed later.
// Other 4xx codes mean the backend understood and refused the request.
func Retryable(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// BackendClient talks to the backend API. Requests go to the first candidate
// base URL that accepts a connection.
type BackendClient struct {
	baseURLs      []string
	http          *http.Client
	token         string
	maxTries      uint
	retryInterval time.Duration
}

type ClientOption func(*BackendClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(b *BackendClient) { b.http = c }
}

func WithAuthToken(token string) ClientOption {
	return func(b *BackendClient) { b.token = token }
}

// WithReadRetries sets how many times reads are attempted and the initial pause between attempts.
func WithReadRetries(tries uint, interval time.Duration) ClientOption {
	return func(b *BackendClient) {
		if tries > 0 {
			b.maxTries = tries
		}
		if interval > 0 {
			b.retryInterval = interval
		}
	}
}

func NewBackendClient(baseURLs []string, opts ...ClientOption) *BackendClient {
	c := &BackendClient{
		baseURLs:      baseURLs,
		http:          &http.Client{Timeout: 15 * time.Second},
		maxTries:      3,
		retryInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BackendClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", "", nil, nil)
}

func (c *BackendClient) Clients(ctx context.Context) ([]backend.Client, error) {
	return fetchList[backend.Client](ctx, c, "/api/clientes")
}

func (c *BackendClient) Sites(ctx context.Context) ([]backend.Site, error) {
	return fetchList[backend.Site](ctx, c, "/api/sedes")
}

func (c *BackendClient) Extinguishers(ctx context.Context) ([]backend.Extinguisher, error) {
	return fetchList[backend.Extinguisher](ctx, c, "/api/extintores")
}

func (c *BackendClient) Orders(ctx context.Context) ([]backend.ServiceOrder, error) {
	return fetchList[backend.ServiceOrder](ctx, c, "/api/ordenes")
}

func (c *BackendClient) ScanExtinguisher(ctx context.Context, code string) (backend.Extinguisher, error) {
	var ext backend.Extinguisher
	err := c.do(ctx, http.MethodGet, "/api/extintores/scan?codigo="+url.QueryEscape(code), "", nil, &ext)
	return ext, err
}

func (c *BackendClient) CreateExtinguisher(ctx context.Context, key string, req backend.CreateExtinguisherRequest) (backend.Extinguisher, error) {
	var ext backend.Extinguisher
	err := c.do(ctx, http.MethodPost, "/api/extintores", key, req, &ext)
	return ext, err
}

// UpdateExtinguisher patches by backend id when known, by QR code otherwise.
func (c *BackendClient) UpdateExtinguisher(ctx context.Context, key string, cmd backend.UpdateExtinguisherCommand) (backend.Extinguisher, error) {
	path := fmt.Sprintf("/api/extintores/%d", cmd.ID)
	if cmd.ID == 0 {
		path = "/api/extintores/by-code/" + url.PathEscape(cmd.QRCode)
	}
	var ext backend.Extinguisher
	err := c.do(ctx, http.MethodPatch, path, key, cmd.UpdateExtinguisherRequest, &ext)
	return ext, err
}

func (c *BackendClient) RegisterService(ctx context.Context, key string, req backend.RegisterServiceRequest) (backend.ServiceRecord, error) {
	var record backend.ServiceRecord
	err := c.do(ctx, http.MethodPost, "/api/servicios", key, req, &record)
	return record, err
}

func (c *BackendClient) RecordMovement(ctx context.Context, key string, req backend.MovementRequest) (backend.Movement, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	var m backend.Movement
	err := c.do(ctx, http.MethodPost, "/api/movimientos", key, req, &m)
	return m, err
}

// fetchList retries reads with exponential backoff. Writes are never retried
// here; the sync queue owns their retry schedule.
func fetchList[T any](ctx context.Context, c *BackendClient, path string) ([]T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 10 * c.retryInterval

	return backoff.Retry(ctx, func() ([]T, error) {
		var out []T
		err := c.do(ctx, http.MethodGet, path, "", nil, &out)
		if err != nil && !retryableErr(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
}

func retryableErr(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return Retryable(se.StatusCode)
	}
	return errors.Is(err, ErrUnreachable)
}

func (c *BackendClient) do(ctx context.Context, method, path, key string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	var errs []error
	for _, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			req.Header.Set(backend.IdempotencyHeader, key)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		return decode(resp, out)
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no base URL configured", ErrUnreachable)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, errors.Join(errs...))
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
