package syncqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerStatusAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewService(NewMemoryStore(), newRecordingGateway(func(PendingOperation) error {
		return Reject(409, "duplicate")
	}))
	key, err := q.Enqueue(ctx, movement("PT-VALVE", 1))
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(q).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sync/drain", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sync/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 1, st.DeadLetters)

	resp, err = http.Get(srv.URL + "/sync/dead-letters")
	require.NoError(t, err)
	var letters []DeadLetter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&letters))
	resp.Body.Close()
	require.Len(t, letters, 1)
	assert.Equal(t, 409, letters[0].StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sync/dead-letters/"+key, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/sync/dead-letters/"+key+"/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
