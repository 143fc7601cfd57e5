//go:build linux

package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/pulse/pkg/config"
	"github.com/ja7ad/pulse/pkg/metrics"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.SnapshotInterval = config.Duration(20 * time.Millisecond)
	// no probe planes in tests: cpu falls back to /proc, the bpf-only
	// samplers report disabled
	cfg.Defaults.BPF = false
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NoSamplers(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.Enabled = false
	_, err := New(cfg, discard())
	assert.ErrorIs(t, err, ErrNoSamplers)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotInterval = 0
	_, err := New(cfg, discard())
	assert.Error(t, err)
}

func TestNew_FallbackCPUOnly(t *testing.T) {
	a, err := New(testConfig(), discard())
	require.NoError(t, err)

	// the registry carries the scheduler self-telemetry and cpu series
	var names []string
	a.Registry().Each(func(s *metrics.Series) { names = append(names, s.ID.Name) })
	assert.Contains(t, names, "cpu.usage")
	assert.Contains(t, names, "agent.sampler_errors_total")
}

func TestRun_ServesAndDrains(t *testing.T) {
	a, err := New(testConfig(), discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// healthz flips ready once the snapshotter publishes
	handler := a.Handler()
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cpu_usage{state=\"user\"}")
	assert.Contains(t, rec.Body.String(), "cpu_cores ")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not drain")
	}
}

func TestRun_BindFailureIsFatal(t *testing.T) {
	// occupy a port, then point the agent at it
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Listen = l.Addr().String()
	a, err := New(cfg, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = a.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exposition")
}
