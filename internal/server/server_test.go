package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmamon/internal/config"
	"github.com/piwi3910/rdmamon/internal/journal"
	"github.com/piwi3910/rdmamon/internal/monitor"
)

func testConfig(t *testing.T, opts config.Options) *config.Config {
	t.Helper()

	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}

	cfg, err := config.Load("", opts)
	require.NoError(t, err)

	// Keep demo runs fast and quiet under test.
	cfg.Monitor.Mode = "poll"
	cfg.Monitor.Yield = "sleep"
	cfg.Monitor.SleepInterval = time.Millisecond
	cfg.Demo.Interval = time.Millisecond
	cfg.Admin.Enabled = false

	return cfg
}

func startServer(t *testing.T, srv *Server) chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()
	return errCh
}

func waitStopped(t *testing.T, errCh chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestNewServer(t *testing.T) {
	cfg := testConfig(t, config.Options{})

	srv, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, srv.Registry().Len())
	assert.Zero(t, srv.Ring().Len())
	assert.Nil(t, srv.Journal())

	// Without demo traffic the server idles until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, waitStopped(t, errCh))
}

func TestServerBoundedDemoRun(t *testing.T) {
	cfg := testConfig(t, config.Options{
		Demo:            true,
		DemoConnections: 2,
		DemoMessages:    6,
	})
	cfg.Journal.Enabled = true

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv.Journal())

	// A bounded demo drains and shuts itself down.
	require.NoError(t, waitStopped(t, startServer(t, srv)))

	assert.Equal(t, uint64(12), srv.Ring().Total())
	assert.Equal(t, 0, srv.Registry().Len())

	msgs := srv.Ring().Recent(0)
	require.Len(t, msgs, 12)
	for _, msg := range msgs {
		assert.NotEmpty(t, msg.Rendered)
		assert.False(t, msg.Degraded)
	}

	// The journal survives shutdown with every message archived.
	jn, err := journal.Open(journal.Config{
		Dir:         cfg.Journal.Dir,
		Compression: srv.cfg.JournalCompression(),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer jn.Close()
	assert.Equal(t, uint64(12), jn.Len())
}

func TestServerSharedEventCQDemo(t *testing.T) {
	cfg := testConfig(t, config.Options{
		Demo:            true,
		DemoConnections: 3,
		DemoMessages:    4,
	})
	cfg.Monitor.Mode = "event"
	cfg.Monitor.SharedCQ = true
	cfg.Monitor.WaitTimeout = 50 * time.Millisecond

	srv, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, waitStopped(t, startServer(t, srv)))
	assert.Equal(t, uint64(12), srv.Ring().Total())
}

func TestServerAdminRoutes(t *testing.T) {
	cfg := testConfig(t, config.Options{})
	cfg.Admin.Enabled = true

	srv, err := New(cfg)
	require.NoError(t, err)

	paths := map[string]int{
		"/health":                 http.StatusOK,
		"/health/live":            http.StatusOK,
		"/health/ready":           http.StatusOK,
		"/metrics":                http.StatusOK,
		"/api/v1/status":          http.StatusOK,
		"/api/v1/connections":     http.StatusOK,
		"/api/v1/messages":        http.StatusOK,
		"/api/v1/devices":         http.StatusOK,
		"/api/v1/health/detailed": http.StatusOK,
		"/api/v1/journal":         http.StatusNotFound,
	}

	for path, want := range paths {
		rec := httptest.NewRecorder()
		srv.adminServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, "GET %s", path)
	}
}

func TestMonitorConfigMapping(t *testing.T) {
	cfg := testConfig(t, config.Options{})
	cfg.Monitor.Mode = "event"
	cfg.Monitor.PollBatch = 32
	cfg.Monitor.Yield = "backoff"
	cfg.Monitor.SpinCount = 64
	cfg.Monitor.WaitTimeout = 100 * time.Millisecond
	cfg.Monitor.IdleTimeout = time.Second
	cfg.Monitor.TransientStatuses = []string{"local-access-error"}

	srv := &Server{cfg: cfg}
	mc := srv.monitorConfig()

	assert.Equal(t, monitor.ModeEvent, mc.Mode)
	assert.Equal(t, 32, mc.PollBatch)
	assert.Equal(t, monitor.YieldBackoff, mc.Yield)
	assert.Equal(t, 64, mc.SpinCount)
	assert.Equal(t, 100*time.Millisecond, mc.WaitTimeout)
	assert.Equal(t, time.Second, mc.IdleTimeout)
	assert.Equal(t, []string{"local-access-error"}, mc.Transient)
}
