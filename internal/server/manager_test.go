package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	m := NewManager(handler, cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_ServesRequests(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	require.NoError(t, m.Start())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestManager_DoubleStartRejected(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())
}

func TestManager_ShutdownStopsServing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	addr := m.Addr()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)

	// Shutdown is idempotent; a closed manager cannot be restarted.
	assert.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start())
}

func TestFromServerConfig(t *testing.T) {
	t.Parallel()

	cfg := FromServerConfig(config.ServerConfig{
		HTTPPort:        9090,
		ReadTimeout:     5 * time.Second,
		ShutdownTimeout: time.Second,
	})
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
	// Unset values fall back to defaults.
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
}
