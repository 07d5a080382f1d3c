package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"firetrack/internal/lifecycle"
	"firetrack/internal/pubsub"
	"firetrack/internal/syncqueue"
)

type snapshotFeed struct {
	*pubsub.Broadcaster[lifecycle.Snapshot]
	current lifecycle.Snapshot
}

func (f *snapshotFeed) Snapshot() lifecycle.Snapshot { return f.current }

type statusFeed struct {
	*pubsub.Broadcaster[syncqueue.Status]
	current syncqueue.Status
}

func (f *statusFeed) Status() syncqueue.Status { return f.current }

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubStreamsSnapshotsAndQueueStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	snaps := &snapshotFeed{Broadcaster: pubsub.New[lifecycle.Snapshot](), current: lifecycle.Snapshot{Version: 3}}
	statuses := &statusFeed{Broadcaster: pubsub.New[syncqueue.Status](), current: syncqueue.Status{Pending: 2}}
	hub := NewHub(snaps, statuses, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	r := chi.NewRouter()
	hub.Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// the current state arrives first
	first := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, first.Type)
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snap))
	assert.Equal(t, uint64(3), snap.Version)

	second := readMessage(t, conn)
	assert.Equal(t, TypeQueue, second.Type)
	var st syncqueue.Status
	require.NoError(t, json.Unmarshal(second.Data, &st))
	assert.Equal(t, 2, st.Pending)

	require.Eventually(t, func() bool {
		return snaps.Len() == 1 && statuses.Len() == 1 && hub.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	snaps.Publish(lifecycle.Snapshot{Version: 4, DemoMode: true})
	update := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, update.Type)
	require.NoError(t, json.Unmarshal(update.Data, &snap))
	assert.Equal(t, uint64(4), snap.Version)
	assert.True(t, snap.DemoMode)

	statuses.Publish(syncqueue.Status{Pending: 0, DeadLetters: 1})
	update = readMessage(t, conn)
	assert.Equal(t, TypeQueue, update.Type)

	// shutting the hub down closes the connection
	cancel()
	<-done
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, hub.Len())
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	snaps := &snapshotFeed{Broadcaster: pubsub.New[lifecycle.Snapshot]()}
	statuses := &statusFeed{Broadcaster: pubsub.New[syncqueue.Status]()}
	hub := NewHub(snaps, statuses, nil)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	readMessage(t, conn)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
