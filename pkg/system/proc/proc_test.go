//go:build linux

package proc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statFixture = `cpu  100 5 50 900 10 2 3 1 0 0
cpu0 60 3 30 450 6 1 2 1 0 0
cpu1 40 2 20 450 4 1 1 0 0 0
intr 12345
ctxt 67890
`

func TestParseCPUStat(t *testing.T) {
	times, err := ParseCPUStat(strings.NewReader(statFixture))
	require.NoError(t, err)
	require.Len(t, times, 2, "aggregate cpu line must be skipped")

	assert.EqualValues(t, 60, times[0].User)
	assert.EqualValues(t, 30, times[0].System)
	assert.EqualValues(t, 450, times[0].Idle)
	assert.EqualValues(t, 6, times[0].IOWait)
	assert.EqualValues(t, 40, times[1].User)
	assert.EqualValues(t, 1, times[1].IRQ)
}

func TestParseCPUStat_NoCPULines(t *testing.T) {
	_, err := ParseCPUStat(strings.NewReader("intr 1\nctxt 2\n"))
	assert.ErrorIs(t, err, ErrNoCPU)
}

func TestParseCPUStat_ShortLine(t *testing.T) {
	_, err := ParseCPUStat(strings.NewReader("cpu0 1 2 3\n"))
	assert.ErrorIs(t, err, ErrShortStat)
}

func TestReadPerCPU_Live(t *testing.T) {
	times, err := ReadPerCPU()
	require.NoError(t, err)
	assert.NotEmpty(t, times)
}

func TestClockTicks_EnvOverride(t *testing.T) {
	t.Setenv("CLK_TCK", "250")
	assert.Equal(t, 250, ClockTicks())
	t.Setenv("CLK_TCK", "")
	assert.Equal(t, 100, ClockTicks())
}
