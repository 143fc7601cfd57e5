//go:build linux

package sampler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/metrics"
)

type fakeSampler struct {
	Cadence
	name      string
	kind      Kind
	runs      int
	fail      error
	failUntil int
	sleep     time.Duration
}

func newFakeSampler(name string, every time.Duration) *fakeSampler {
	return &fakeSampler{Cadence: NewCadence(every), name: name}
}

func (f *fakeSampler) Name() string { return f.name }
func (f *fakeSampler) Kind() Kind   { return f.kind }
func (f *fakeSampler) Sample(now uint64) error {
	f.runs++
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	f.Advance(clock.Nanos())
	if f.fail != nil && (f.failUntil == 0 || f.runs <= f.failUntil) {
		return f.fail
	}
	return nil
}
func (f *fakeSampler) Shutdown() {}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runScheduler(t *testing.T, sc *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	sc.Run(ctx)
}

func TestScheduler_Fairness(t *testing.T) {
	reg := metrics.NewRegistry()
	sc, err := NewScheduler(reg, discard(), 100*time.Millisecond, 16)
	require.NoError(t, err)

	fast := newFakeSampler("fast", 30*time.Millisecond)
	slow := newFakeSampler("slow", 60*time.Millisecond)
	require.NoError(t, sc.Add(fast))
	require.NoError(t, sc.Add(slow))

	start := time.Now()
	runScheduler(t, sc, 600*time.Millisecond)
	elapsed := time.Since(start)

	// each sampler runs at least floor(T/I) - 1 times
	wantFast := int(elapsed/(30*time.Millisecond)) - 1
	wantSlow := int(elapsed/(60*time.Millisecond)) - 1
	assert.GreaterOrEqual(t, fast.runs, wantFast, "fast sampler starved")
	assert.GreaterOrEqual(t, slow.runs, wantSlow, "slow sampler starved")
}

func TestScheduler_SlowSamplerDoesNotBlockOthers(t *testing.T) {
	reg := metrics.NewRegistry()
	sc, err := NewScheduler(reg, discard(), 100*time.Millisecond, 16)
	require.NoError(t, err)

	laggard := newFakeSampler("laggard", 20*time.Millisecond)
	laggard.sleep = 90 * time.Millisecond // 4.5x its interval
	healthy := newFakeSampler("healthy", 20*time.Millisecond)
	require.NoError(t, sc.Add(laggard))
	require.NoError(t, sc.Add(healthy))

	runScheduler(t, sc, 500*time.Millisecond)

	// the laggard's overruns cost it its own missed ticks; the healthy
	// sampler still runs between the laggard's turns instead of being
	// starved outright
	assert.GreaterOrEqual(t, healthy.runs, 3)
	assert.GreaterOrEqual(t, laggard.runs, 3)
}

func TestScheduler_DisableAfterConsecutiveErrors(t *testing.T) {
	// S6: a sampler failing every call is disabled after 16 errors and
	// the error counter stops moving.
	reg := metrics.NewRegistry()
	sc, err := NewScheduler(reg, discard(), 20*time.Millisecond, 16)
	require.NoError(t, err)

	broken := newFakeSampler("X", time.Millisecond)
	broken.fail = errors.New("probe read failed")
	require.NoError(t, sc.Add(broken))

	runScheduler(t, sc, 300*time.Millisecond)

	assert.Equal(t, 16, broken.runs, "disabled samplers must not run again")

	var errCount uint64
	reg.Each(func(s *metrics.Series) {
		if s.ID.Name == "agent.sampler_errors_total" {
			s.Group.Each(func(_ uint64, e *metrics.GroupEntry) {
				require.Equal(t, "sampler", e.Labels[0].Name)
				require.Equal(t, "X", e.Labels[0].Value)
				errCount = e.Counter.Get()
			})
		}
	})
	assert.EqualValues(t, 16, errCount)
}

func TestScheduler_ErrorRecoveryResetsStreak(t *testing.T) {
	reg := metrics.NewRegistry()
	sc, err := NewScheduler(reg, discard(), 20*time.Millisecond, 4)
	require.NoError(t, err)

	// fail three times, then recover just inside the budget of 4
	flaky := newFakeSampler("flaky", time.Millisecond)
	flaky.fail = errors.New("transient")
	flaky.failUntil = 3
	require.NoError(t, sc.Add(flaky))

	runScheduler(t, sc, 100*time.Millisecond)

	assert.Greater(t, flaky.runs, 4, "recovered sampler keeps running")
}

func TestScheduler_ShutdownDrains(t *testing.T) {
	reg := metrics.NewRegistry()
	sc, err := NewScheduler(reg, discard(), 10*time.Millisecond, 16)
	require.NoError(t, err)

	done := false
	s := newFakeSampler("one", 5*time.Millisecond)
	require.NoError(t, sc.Add(s))
	require.NoError(t, sc.Add(&shutdownProbe{Cadence: NewCadence(time.Hour), flag: &done}))

	runScheduler(t, sc, 50*time.Millisecond)
	assert.True(t, done, "Shutdown must run for every sampler on drain")
}

type shutdownProbe struct {
	Cadence
	flag *bool
}

func (p *shutdownProbe) Name() string { return "probe" }
func (p *shutdownProbe) Kind() Kind   { return KindCounter }
func (p *shutdownProbe) Sample(now uint64) error {
	p.Advance(clock.Nanos())
	return nil
}
func (p *shutdownProbe) Shutdown() { *p.flag = true }

func TestRegister_Lookup(t *testing.T) {
	Register("test-builder", func(env Env) (Sampler, error) {
		return newFakeSampler("test-builder", time.Second), nil
	})
	b, ok := Lookup("test-builder")
	require.True(t, ok)
	s, err := b(Env{})
	require.NoError(t, err)
	assert.Equal(t, "test-builder", s.Name())
	assert.Contains(t, Names(), "test-builder")
}
