package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

func statusServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func movementOp(key string) syncqueue.PendingOperation {
	payload, _ := json.Marshal(backend.MovementRequest{PartID: "PT-VALVE", Type: backend.MovementOutbound, Quantity: 1})
	return syncqueue.PendingOperation{
		Key:      key,
		Mutation: syncqueue.Mutation{Key: key, Kind: syncqueue.KindStockMovement, Payload: payload},
	}
}

func TestGatewayClassifiesResponses(t *testing.T) {
	tests := []struct {
		status    int
		wantOK    bool
		wantFinal bool
	}{
		{http.StatusOK, true, false},
		{http.StatusCreated, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusNotFound, false, true},
		{http.StatusConflict, false, true},
		{http.StatusUnprocessableEntity, false, true},
		{http.StatusRequestTimeout, false, false},
		{http.StatusTooEarly, false, false},
		{http.StatusTooManyRequests, false, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusServiceUnavailable, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := statusServer(t, tt.status)
			gw := NewGateway(NewBackendClient([]string{srv.URL}), nil, nil)

			err := gw.Apply(context.Background(), movementOp("mov-1"))
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantFinal, errors.Is(err, syncqueue.ErrRejected))

			var rejected *syncqueue.RejectedError
			if tt.wantFinal {
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, tt.status, rejected.StatusCode)
			}
		})
	}
}

func TestGatewaySendsIdempotencyKeyAndToken(t *testing.T) {
	var gotKey, gotAuth, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(backend.IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	gw := NewGateway(NewBackendClient([]string{srv.URL}, WithAuthToken("s3cret")), nil, nil)

	location := "Bodega"
	payload, _ := json.Marshal(backend.UpdateExtinguisherCommand{
		QRCode:                    "E 12",
		UpdateExtinguisherRequest: backend.UpdateExtinguisherRequest{Location: &location},
	})
	err := gw.Apply(context.Background(), syncqueue.PendingOperation{
		Key:      "upd-42",
		Mutation: syncqueue.Mutation{Key: "upd-42", Kind: syncqueue.KindUpdateAsset, Payload: payload},
	})
	require.NoError(t, err)
	assert.Equal(t, "upd-42", gotKey)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/extintores/by-code/E 12", gotPath)
}

func TestGatewayRejectsUnknownKindAndBadPayload(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	gw := NewGateway(NewBackendClient([]string{srv.URL}), nil, nil)

	err := gw.Apply(context.Background(), syncqueue.PendingOperation{
		Key:      "x-1",
		Mutation: syncqueue.Mutation{Kind: "teleport", Payload: json.RawMessage(`{}`)},
	})
	assert.ErrorIs(t, err, syncqueue.ErrRejected)

	err = gw.Apply(context.Background(), syncqueue.PendingOperation{
		Key:      "mov-2",
		Mutation: syncqueue.Mutation{Kind: syncqueue.KindStockMovement, Payload: json.RawMessage(`[1,2]`)},
	})
	assert.ErrorIs(t, err, syncqueue.ErrRejected)
	assert.Zero(t, hits.Load())
}

func TestGatewayBreakerOpensOnServerErrors(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable)
	gw := NewGateway(NewBackendClient([]string{srv.URL}), nil, nil)

	for i := 0; i < 5; i++ {
		err := gw.Apply(context.Background(), movementOp(fmt.Sprintf("mov-%d", i)))
		require.Error(t, err)
	}
	assert.Equal(t, "open", gw.State())

	err := gw.Apply(context.Background(), movementOp("mov-x"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, errors.Is(err, syncqueue.ErrRejected))
	assert.Equal(t, int32(5), hits.Load())
}

func TestGatewayBreakerIgnoresRejections(t *testing.T) {
	srv, hits := statusServer(t, http.StatusUnprocessableEntity)
	gw := NewGateway(NewBackendClient([]string{srv.URL}), nil, nil)

	for i := 0; i < 8; i++ {
		err := gw.Apply(context.Background(), movementOp(fmt.Sprintf("mov-%d", i)))
		require.ErrorIs(t, err, syncqueue.ErrRejected)
	}
	assert.Equal(t, "closed", gw.State())
	assert.Equal(t, int32(8), hits.Load())
}

func TestClientFallsBackToNextBaseURL(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]backend.Client{{ID: 1, Name: "ExtinGrafic", Active: true}})
	}))
	defer srv.Close()

	c := NewBackendClient([]string{deadURL, srv.URL}, WithReadRetries(1, time.Millisecond))
	clients, err := c.Clients(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "ExtinGrafic", clients[0].Name)
}

func TestClientReportsUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c := NewBackendClient([]string{deadURL}, WithReadRetries(2, time.Millisecond))
	_, err := c.Extinguishers(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientRetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]backend.ServiceOrder{{ID: 7, State: backend.OrderClosed}})
	}))
	defer srv.Close()

	c := NewBackendClient([]string{srv.URL}, WithReadRetries(3, time.Millisecond))
	orders, err := c.Orders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryRefusedReads(t *testing.T) {
	srv, hits := statusServer(t, http.StatusForbidden)
	c := NewBackendClient([]string{srv.URL}, WithReadRetries(5, time.Millisecond))

	_, err := c.Sites(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.ErrorIs(t, err, syncqueue.ErrRejected)
	assert.Equal(t, int32(1), hits.Load())
}
