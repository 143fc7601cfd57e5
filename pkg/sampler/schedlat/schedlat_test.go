//go:build linux

package schedlat

import (
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/config"
	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/sampler"
	"github.com/ja7ad/pulse/pkg/shm"
)

type planes struct {
	lat    *shm.Array
	counts *shm.Array
}

func createPlanes(t *testing.T, dir string) planes {
	t.Helper()
	cpus := runtime.NumCPU()
	nb := metrics.BucketCount(GroupingPower, MaxPower) - 1
	lat, err := shm.Create(filepath.Join(dir, LatencyPlane), cpus*nb)
	require.NoError(t, err)
	counts, err := shm.Create(filepath.Join(dir, CountsPlane), cpus*CountSlots)
	require.NoError(t, err)
	t.Cleanup(func() { lat.Close(); counts.Close() })
	return planes{lat: lat, counts: counts}
}

func testEnv(dir string) sampler.Env {
	return sampler.Env{
		Registry: metrics.NewRegistry(),
		Config: config.Resolved{
			Enabled:              true,
			BPF:                  true,
			Interval:             10 * time.Millisecond,
			DistributionInterval: 50 * time.Millisecond,
		},
		ShmDir: dir,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNew_RequiresBPF(t *testing.T) {
	env := testEnv(t.TempDir())
	env.Config.BPF = false
	_, err := New(env)
	assert.ErrorIs(t, err, sampler.ErrDisabled)
}

func TestNew_MissingPlanes(t *testing.T) {
	_, err := New(testEnv(t.TempDir()))
	assert.ErrorIs(t, err, sampler.ErrProbeLoad)
}

func TestSample_FoldsBucketsAndCounters(t *testing.T) {
	dir := t.TempDir()
	p := createPlanes(t, dir)
	env := testEnv(dir)

	s, err := New(env)
	require.NoError(t, err)
	defer s.Shutdown()

	nb := metrics.BucketCount(GroupingPower, MaxPower) - 1
	// kernel observed 5 wakeups at ~4096ns on CPU 0, 2 on the last CPU
	bucket := metrics.BucketIndex(4096, GroupingPower)
	p.lat.Add(0*nb+bucket, 5)
	p.lat.Add((runtime.NumCPU()-1)*nb+bucket, 2)
	p.counts.Add(0*CountSlots+0, 100) // context switches
	p.counts.Add(0*CountSlots+1, 7)   // migrations

	require.NoError(t, s.Sample(clock.Nanos()))

	var h *metrics.Histogram
	var cs, mig uint64
	env.Registry.Each(func(se *metrics.Series) {
		switch se.ID.Name {
		case "scheduler.runqueue_latency":
			h = se.Histogram
		case "scheduler.context_switches":
			cs = se.Counter.Get()
		case "scheduler.cpu_migrations":
			mig = se.Counter.Get()
		}
	})
	require.NotNil(t, h)
	w := h.Roll(time.Now())
	assert.EqualValues(t, 7, w.Total)
	assert.EqualValues(t, 7, w.Buckets[bucket])
	assert.EqualValues(t, 100, cs)
	assert.EqualValues(t, 7, mig)

	// second pass with no kernel-side movement folds nothing
	require.NoError(t, s.Sample(clock.Nanos()))
	assert.Zero(t, h.Roll(time.Now()).Total)
	assert.EqualValues(t, 100, cs)
}
