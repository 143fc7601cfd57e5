// Package snapshot rolls every registered histogram on a shared cadence,
// closing each live window and publishing it with materialized
// percentiles. Exposition reads only published windows.
package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/metrics"
)

// Snapshotter drives the window cadence for one registry.
type Snapshotter struct {
	reg      *metrics.Registry
	interval uint64

	published atomic.Uint64
}

// New returns a snapshotter rolling at interval.
func New(reg *metrics.Registry, interval time.Duration) *Snapshotter {
	return &Snapshotter{reg: reg, interval: uint64(interval)}
}

// Interval returns the configured window size.
func (s *Snapshotter) Interval() time.Duration {
	return time.Duration(s.interval)
}

// Published returns how many snapshot boundaries have been processed;
// /healthz reports ready once this is nonzero.
func (s *Snapshotter) Published() uint64 {
	return s.published.Load()
}

// RollNow closes the live window of every histogram immediately. The main
// loop uses it on each boundary; tests use it directly.
func (s *Snapshotter) RollNow() {
	now := clock.Wall()
	for _, h := range s.reg.Histograms() {
		h.Roll(now)
	}
	s.published.Add(1)
}

// Run rolls on boundaries aligned to multiples of the interval from start
// time until ctx is cancelled. Each next boundary is recomputed from the
// start anchor, so a stalled tick is skipped instead of shifting the grid.
func (s *Snapshotter) Run(ctx context.Context) {
	start := clock.Nanos()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		next := clock.AlignedNext(start, s.interval, clock.Nanos())
		timer.Reset(clock.Until(next))
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		s.RollNow()
	}
}
