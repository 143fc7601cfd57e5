package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/pulse/pkg/metrics"
)

func TestRollNow_PublishesAllHistograms(t *testing.T) {
	reg := metrics.NewRegistry()
	h1, err := reg.RegisterHistogram("a.h", 4, 20)
	require.NoError(t, err)
	h2, err := reg.RegisterHistogram("b.h", 7, 35)
	require.NoError(t, err)

	h1.Record(10)
	h2.Record(100)

	s := New(reg, time.Second)
	assert.Zero(t, s.Published())
	s.RollNow()

	assert.EqualValues(t, 1, s.Published())
	require.NotNil(t, h1.Published())
	require.NotNil(t, h2.Published())
	assert.EqualValues(t, 1, h1.Published().Total)
	assert.EqualValues(t, 1, h2.Published().Total)
}

func TestRollNow_PercentilesMaterialized(t *testing.T) {
	reg := metrics.NewRegistry()
	h, err := reg.RegisterHistogram("p.h", 7, 35)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		h.Record(uint64(i + 1))
	}
	New(reg, time.Second).RollNow()

	w := h.Published()
	require.NotNil(t, w)
	require.Len(t, w.Percentiles, len(metrics.DefaultQuantiles))
	// p50 of 1..100 sits at 50 within one bucket's error
	assert.InDelta(t, 50, float64(w.Percentiles[0].Value), 1)
}

func TestRun_RollsOnCadence(t *testing.T) {
	reg := metrics.NewRegistry()
	_, err := reg.RegisterHistogram("c.h", 4, 20)
	require.NoError(t, err)

	s := New(reg, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	// ~7 boundaries in 150ms; allow wide scheduling slack
	n := s.Published()
	assert.GreaterOrEqual(t, n, uint64(3))
	assert.LessOrEqual(t, n, uint64(8))
}

func TestRun_WindowsContiguous(t *testing.T) {
	reg := metrics.NewRegistry()
	h, err := reg.RegisterHistogram("w.h", 4, 20)
	require.NoError(t, err)

	s := New(reg, 10*time.Millisecond)
	s.RollNow()
	first := h.Published()
	time.Sleep(15 * time.Millisecond)
	s.RollNow()
	second := h.Published()

	assert.Equal(t, first.End, second.Start, "windows must be contiguous")
	assert.True(t, second.End.After(second.Start))
}
