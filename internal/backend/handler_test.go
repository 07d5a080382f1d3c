package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(newTestService(t, NewMemoryJournal())).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func send(t *testing.T, method, url, key string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandlerReplaysRepeatedCreate(t *testing.T) {
	srv := newTestServer(t)
	body := CreateExtinguisherRequest{QRCode: "E1", Owner: "Acme"}

	var first, second Extinguisher
	resp := send(t, http.MethodPost, srv.URL+"/api/extintores", "ext-abc", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()

	resp = send(t, http.MethodPost, srv.URL+"/api/extintores", "ext-abc", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	resp.Body.Close()
	assert.Equal(t, first.ID, second.ID)

	resp, err := http.Get(srv.URL + "/api/extintores")
	require.NoError(t, err)
	var all []Extinguisher
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	assert.Len(t, all, 1)

	resp = send(t, http.MethodPost, srv.URL+"/api/extintores", "ext-abc", CreateExtinguisherRequest{QRCode: "E2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	resp := send(t, http.MethodPost, srv.URL+"/api/extintores", "ext-1", CreateExtinguisherRequest{QRCode: "E5"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := "Bodega 2"
	resp = send(t, http.MethodPatch, srv.URL+"/api/extintores/by-code/E5", "upd-1", UpdateExtinguisherRequest{Location: &location})
	var ext Extinguisher
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ext))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bodega 2", ext.Location)

	resp = send(t, http.MethodPatch, srv.URL+"/api/extintores/99", "upd-2", UpdateExtinguisherRequest{Location: &location})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = send(t, http.MethodPatch, srv.URL+"/api/extintores/abc", "upd-3", UpdateExtinguisherRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = send(t, http.MethodPost, srv.URL+"/api/movimientos", "mov-1", MovementRequest{PartID: "PT-VALVE", Type: "PRESTAMO", Quantity: 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/extintores/scan?codigo=E404")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMovementKeyFallsBackToBody(t *testing.T) {
	srv := newTestServer(t)
	body := MovementRequest{PartID: "PT-HOSE", Type: MovementOutbound, Quantity: 1, IdempotencyKey: "mov-body"}

	for i := 0; i < 2; i++ {
		resp := send(t, http.MethodPost, srv.URL+"/api/movimientos", "", body)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/movimientos")
	require.NoError(t, err)
	var all []Movement
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	assert.Len(t, all, 1)
}
