package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNanos_Monotonic(t *testing.T) {
	a := Nanos()
	time.Sleep(time.Millisecond)
	b := Nanos()
	require.Greater(t, b, a)
}

func TestAlignedNext_OnGrid(t *testing.T) {
	// Boundary now must yield the NEXT boundary, not now itself.
	assert.Equal(t, uint64(2000), AlignedNext(0, 1000, 1000))
	assert.Equal(t, uint64(2000), AlignedNext(0, 1000, 1001))
	assert.Equal(t, uint64(2000), AlignedNext(0, 1000, 1999))
}

func TestAlignedNext_BeforeStart(t *testing.T) {
	assert.Equal(t, uint64(500), AlignedNext(500, 1000, 100))
}

func TestAlignedNext_DriftCorrection(t *testing.T) {
	// A long stall skips straight to the grid, no tick debt.
	assert.Equal(t, uint64(10_000), AlignedNext(0, 1000, 9_500))
	assert.Equal(t, uint64(100_000), AlignedNext(0, 1000, 99_000))
}

func TestSkipForward(t *testing.T) {
	cases := []struct {
		deadline, interval, now, want uint64
	}{
		{100, 10, 50, 100},  // future deadline untouched
		{100, 10, 100, 110}, // exactly due moves one interval
		{100, 10, 137, 140}, // missed ticks dropped
		{100, 0, 500, 100},  // zero interval is a no-op
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SkipForward(tc.deadline, tc.interval, tc.now),
			"deadline=%d interval=%d now=%d", tc.deadline, tc.interval, tc.now)
	}
}

func TestUntil_PastDeadline(t *testing.T) {
	assert.Equal(t, time.Duration(0), Until(0))
}
