package lifecycle

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

func newTestServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture()
	r := chi.NewRouter()
	NewHandler(f.repo, f.clock).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func send(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHandlerWorkshopFlow(t *testing.T) {
	f, srv := newTestServer(t)

	var rec MaintenanceRecord
	status := send(t, http.MethodPost, srv.URL+"/api/maintenance/intake",
		WorkshopIntake{Owner: "Acme", ExternalNumber: "X1", Technician: "Ana", RetentionDays: 2}, &rec)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, MaintenanceCheckIn, rec.Status)

	status = send(t, http.MethodPost, srv.URL+"/api/maintenance/"+rec.ID+"/retain",
		map[string]any{"actor": "Ana", "days": 4}, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, MaintenanceInProgress, rec.Status)

	status = send(t, http.MethodPost, srv.URL+"/api/maintenance/"+rec.ID+"/close", map[string]any{"actor": "Ana"}, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, MaintenanceCompleted, rec.Status)

	status = send(t, http.MethodPost, srv.URL+"/api/maintenance/"+rec.ID+"/close", map[string]any{"actor": "Ana"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var asset Asset
	status = send(t, http.MethodGet, srv.URL+"/api/assets/"+rec.AssetCode, nil, &asset)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusAvailable, asset.Status)

	var history []MaintenanceRecord
	send(t, http.MethodGet, srv.URL+"/api/assets/"+rec.AssetCode+"/maintenance", nil, &history)
	assert.Len(t, history, 1)

	var snap Snapshot
	send(t, http.MethodGet, srv.URL+"/api/snapshot", nil, &snap)
	assert.Equal(t, f.repo.Snapshot().Version, snap.Version)
}

func TestHandlerErrors(t *testing.T) {
	_, srv := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, srv.URL+"/api/assets/E404", nil, nil))
	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, srv.URL+"/api/assets/E404/qr", nil, nil))
	assert.Equal(t, http.StatusNotFound,
		send(t, http.MethodPost, srv.URL+"/api/maintenance/MT-9/close", map[string]any{"actor": "Ana"}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity,
		send(t, http.MethodPost, srv.URL+"/api/loans", FieldVisit{}, nil))
	assert.Equal(t, http.StatusBadRequest,
		send(t, http.MethodGet, srv.URL+"/api/reports/monthly?month=octubre", nil, nil))
	assert.Equal(t, http.StatusBadRequest,
		send(t, http.MethodGet, srv.URL+"/api/reports/purchases?buffer=-1", nil, nil))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/parts", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerLoanAndParts(t *testing.T) {
	f, srv := newTestServer(t)
	createOffline(t, f, "E1")

	var loan LoanRecord
	require.Equal(t, http.StatusCreated, send(t, http.MethodPost, srv.URL+"/api/loans", FieldVisit{Client: "Acme"}, &loan))
	require.Equal(t, http.StatusOK,
		send(t, http.MethodPost, srv.URL+"/api/loans/"+loan.ID+"/assign", map[string]any{"actor": "Ana", "codes": []string{"E1"}}, &loan))
	assert.Equal(t, LoanActive, loan.Status)

	assert.Equal(t, http.StatusConflict,
		send(t, http.MethodPost, srv.URL+"/api/assets/E1/decommission", map[string]any{"actor": "Ana"}, nil))

	require.Equal(t, http.StatusOK,
		send(t, http.MethodPost, srv.URL+"/api/loans/"+loan.ID+"/return", map[string]any{"actor": "Ana", "returned": []string{"E1"}}, &loan))
	assert.Equal(t, LoanReturned, loan.Status)

	var part PartInventoryItem
	require.Equal(t, http.StatusCreated, send(t, http.MethodPost, srv.URL+"/api/parts",
		PartInventoryItem{ID: "PT-HOSE", Name: "Manguera", Unit: "unidad", Stock: 1, MinimumStock: 2}, &part))

	var alerts []StockAlert
	send(t, http.MethodGet, srv.URL+"/api/alerts", nil, &alerts)
	require.Len(t, alerts, 1)

	require.Equal(t, http.StatusOK,
		send(t, http.MethodPost, srv.URL+"/api/parts/PT-HOSE/stock", map[string]any{"actor": "Ana", "quantity": 5}, &part))
	assert.Equal(t, 6, part.Stock)

	var suggestions []PurchaseSuggestion
	require.Equal(t, http.StatusOK, send(t, http.MethodGet, srv.URL+"/api/reports/purchases?month=2026-11", nil, &suggestions))
	assert.Empty(t, suggestions)
}
