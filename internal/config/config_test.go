package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSyncdDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadSyncd()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, []string{"http://localhost:8081"}, cfg.BackendURLs)
	assert.Equal(t, StoreFile, cfg.QueueStore)
	assert.Equal(t, 15*time.Second, cfg.DrainInterval)
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, "info", cfg.Level)
	assert.Empty(t, cfg.Endpoint)
}

func TestLoadSyncdFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIRETRACK_BACKEND_URLS", "http://10.0.2.2:8081,http://localhost:8081")
	t.Setenv("FIRETRACK_QUEUE_STORE", StoreSQLite)
	t.Setenv("FIRETRACK_DRAIN_INTERVAL", "2s")
	t.Setenv("FIRETRACK_LOG_LEVEL", "debug")
	t.Setenv("FIRETRACK_OTEL_ENDPOINT", "http://collector:4318")

	cfg, err := LoadSyncd()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.2.2:8081", "http://localhost:8081"}, cfg.BackendURLs)
	assert.Equal(t, StoreSQLite, cfg.QueueStore)
	assert.Equal(t, 2*time.Second, cfg.DrainInterval)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "http://collector:4318", cfg.Endpoint)
}

func TestLoadOtherCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIRETRACK_SYNCD_URL", "http://device:8090")
	t.Setenv("FIRETRACK_CHAOS_WORKLOAD", "5")

	api, err := LoadAPI()
	require.NoError(t, err)
	assert.Equal(t, ":8080", api.Addr)
	assert.Equal(t, "http://device:8090", api.SyncdURL)
	assert.Equal(t, "http://localhost:8081", api.BackendURL)

	be, err := LoadBackend()
	require.NoError(t, err)
	assert.Equal(t, ":8081", be.Addr)

	ch, err := LoadChaos()
	require.NoError(t, err)
	assert.Equal(t, 5, ch.Workload)
	assert.Equal(t, uint64(1), ch.Seed)
}

func TestSyncdValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("FIRETRACK_QUEUE_STORE", "floppy")
	_, err := LoadSyncd()
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("FIRETRACK_QUEUE_STORE", StorePostgres)
	_, err = LoadSyncd()
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("DATABASE_URL", "postgres://localhost/firetrack")
	_, err = LoadSyncd()
	assert.NoError(t, err)

	t.Setenv("FIRETRACK_DRAIN_INTERVAL", "0s")
	_, err = LoadSyncd()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIRETRACK_CHAOS_WORKLOAD", "many")
	_, err := LoadChaos()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	Logging{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	Logging{Level: "bogus"}.NewLogger(&buf).Info("shown", "k", "v")
	assert.Contains(t, buf.String(), "k=v")
}
