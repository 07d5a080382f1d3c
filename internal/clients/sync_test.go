package clients_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firetrack/internal/backend"
	"firetrack/internal/clients"
	"firetrack/internal/clock"
	"firetrack/internal/lifecycle"
	"firetrack/internal/syncqueue"
)

type device struct {
	client *clients.BackendClient
	queue  syncqueue.Service
	repo   lifecycle.Repository
	clock  *clock.Manual
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBackend(t *testing.T) (backend.Service, *httptest.Server) {
	t.Helper()
	svc, err := backend.NewService(context.Background(), backend.NewMemoryJournal(), clock.System(), quietLogger())
	require.NoError(t, err)
	r := chi.NewRouter()
	backend.NewHandler(svc).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

// newDevice wires repository, queue and gateway the way the sync daemon does.
func newDevice(t *testing.T, url string, store syncqueue.Store) *device {
	t.Helper()
	client := clients.NewBackendClient([]string{url}, clients.WithReadRetries(1, 10*time.Millisecond))
	gateway := clients.NewGateway(client, nil, quietLogger())
	clk := clock.NewManual(time.Now())
	queue := syncqueue.NewService(store, gateway, syncqueue.WithClock(clk), syncqueue.WithLogger(quietLogger()))
	require.NoError(t, queue.Load(context.Background()))

	repo := lifecycle.NewRepository(queue,
		lifecycle.WithBackend(client),
		lifecycle.WithLogger(quietLogger()),
		lifecycle.WithPendingOperations(queue.Pending()),
	)
	queue.OnDelivered(repo.MarkSynced)
	queue.OnDiscarded(repo.MarkSynced)
	return &device{client: client, queue: queue, repo: repo, clock: clk}
}

func (d *device) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10 && d.queue.PendingCount() > 0; i++ {
		d.clock.Advance(time.Minute)
		_, err := d.queue.ProcessQueue(context.Background())
		require.NoError(t, err)
	}
	require.Zero(t, d.queue.PendingCount(), "pending: %+v", d.queue.Pending())
}

func findExtinguisher(t *testing.T, exts []backend.Extinguisher, code string) backend.Extinguisher {
	t.Helper()
	for _, e := range exts {
		if e.QRCode == code {
			return e
		}
	}
	t.Fatalf("extinguisher %s not found", code)
	return backend.Extinguisher{}
}

func TestWorkshopFlowReachesBackend(t *testing.T) {
	svc, srv := startBackend(t)
	d := newDevice(t, srv.URL, syncqueue.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, d.repo.Refresh(ctx))

	// Intake a new unit and close it while offline from the queue's point of view
	rec, err := d.repo.RegisterWorkshopIntake(ctx, lifecycle.WorkshopIntake{Owner: "Bodega Sur", Technician: "ana"})
	require.NoError(t, err)
	_, err = d.repo.CloseMaintenance(ctx, rec.ID, "ana", "recharged", time.Time{})
	require.NoError(t, err)

	a, ok := d.repo.Asset(rec.AssetCode)
	require.True(t, ok)
	assert.True(t, a.Dirty)

	d.drain(t)

	// Verify the backend state
	ext := findExtinguisher(t, svc.Extinguishers(ctx), rec.AssetCode)
	assert.Equal(t, backend.LogisticAvailable, ext.LogisticState)
	assert.NotEmpty(t, ext.NextExpiry)

	a, _ = d.repo.Asset(rec.AssetCode)
	assert.False(t, a.Dirty)

	// a refresh now agrees with the local view
	require.NoError(t, d.repo.Refresh(ctx))
	a, ok = d.repo.Asset(rec.AssetCode)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusAvailable, a.Status)
	assert.False(t, d.repo.Snapshot().DemoMode)
}

func TestConcurrentDrainsDeliverOnce(t *testing.T) {
	svc, srv := startBackend(t)
	d := newDevice(t, srv.URL, syncqueue.NewMemoryStore())
	ctx := context.Background()

	_, err := d.repo.RegisterPart(ctx, lifecycle.PartInventoryItem{ID: "PT-HOSE", Name: "Hose", Type: lifecycle.PartHose, Unit: "unidad"})
	require.NoError(t, err)

	// Writers and drains race each other
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.repo.AddPartStock(ctx, "PT-HOSE", 1, "bodega", "")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := d.queue.ProcessQueue(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	d.drain(t)

	assert.Len(t, svc.Movements(ctx), 10, "every movement delivered exactly once")
	part, ok := d.repo.Part("PT-HOSE")
	require.True(t, ok)
	assert.Equal(t, 10, part.Stock)
}

func TestPendingWritesSurviveRestart(t *testing.T) {
	svc, srv := startBackend(t)
	path := filepath.Join(t.TempDir(), "queue.json")
	ctx := context.Background()

	// The first run writes while the backend is unreachable
	offline := newDevice(t, "http://127.0.0.1:1", syncqueue.NewFileStore(path))
	created, err := offline.repo.CreateExtinguisher(ctx, lifecycle.NewExtinguisher{Owner: "Bodega Sur", Actor: "ana"})
	require.NoError(t, err)
	require.True(t, created.Dirty)
	_, err = offline.repo.Decommission(ctx, created.Code, "ana", "dented")
	require.NoError(t, err)
	require.Equal(t, 2, offline.queue.PendingCount())

	// The second run reloads the queue and delivers in order
	restarted := newDevice(t, srv.URL, syncqueue.NewFileStore(path))
	require.Equal(t, 2, restarted.queue.PendingCount())
	restarted.drain(t)

	ext := findExtinguisher(t, svc.Extinguishers(ctx), created.Code)
	assert.Equal(t, backend.LogisticOutOfService, ext.LogisticState)
}
