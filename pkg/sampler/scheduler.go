//go:build linux

package sampler

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/metrics"
)

// overrunFactor is the soft budget multiplier: a sample running longer
// than overrunFactor times its interval marks the sampler degraded.
const overrunFactor = 3

type slot struct {
	s        Sampler
	id       int
	deadline uint64

	consecutive int
	degraded    bool
	disabled    bool

	errs    *metrics.Counter
	runtime *metrics.Counter
}

// every returns the sampler's base interval when it exposes one (samplers
// built on Cadence do); zero otherwise.
func (sl *slot) every() uint64 {
	if p, ok := sl.s.(interface{ Every() uint64 }); ok {
		return p.Every()
	}
	return 0
}

type slotHeap []*slot

func (h slotHeap) Len() int { return len(h) }
func (h slotHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	// equal deadlines run in registration order, deterministically
	return h[i].id < h[j].id
}
func (h slotHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x any)   { *h = append(*h, x.(*slot)) }
func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// Scheduler runs all samplers serially on one task. It keeps a min-heap of
// (deadline, sampler) and sleeps to the earliest deadline, clamped so the
// loop wakes at least once per snapshot interval. Samplers run one at a
// time, so a slow sampler delays the dispatch of others that fall due
// while it runs; it skips its own missed ticks, and the others, now
// earliest in the heap, run before its next turn.
type Scheduler struct {
	log   *slog.Logger
	clamp uint64

	maxConsecutive int

	slots []*slot
	h     slotHeap

	errsTotal    *metrics.CounterGroup
	runtimeTotal *metrics.CounterGroup
	lag          *metrics.Gauge
}

// NewScheduler registers the scheduler's own telemetry on reg. clamp is
// the longest allowed sleep, normally the snapshot interval.
func NewScheduler(reg *metrics.Registry, log *slog.Logger, clamp time.Duration, maxConsecutive int) (*Scheduler, error) {
	errs, err := reg.RegisterCounterGroup("agent.sampler_errors_total", "sampler")
	if err != nil {
		return nil, err
	}
	runtime, err := reg.RegisterCounterGroup("agent.sampler_runtime_nanoseconds_total", "sampler")
	if err != nil {
		return nil, err
	}
	lag, err := reg.RegisterGauge("agent.scheduler_lag_nanoseconds")
	if err != nil {
		return nil, err
	}
	reg.SetHelp("agent.sampler_errors_total", "Sample errors per sampler.")
	reg.SetHelp("agent.sampler_runtime_nanoseconds_total", "Cumulative sampler on-CPU wall time.")
	reg.SetHelp("agent.scheduler_lag_nanoseconds", "Delay between a sampler deadline and its dispatch.")
	return &Scheduler{
		log:            log,
		clamp:          uint64(clamp),
		maxConsecutive: maxConsecutive,
		errsTotal:      errs,
		runtimeTotal:   runtime,
		lag:            lag,
	}, nil
}

// Add enrolls an initialized sampler. Not safe after Run starts.
func (sc *Scheduler) Add(s Sampler) error {
	id := len(sc.slots)
	errs, err := sc.errsTotal.Upsert(uint64(id), s.Name())
	if err != nil {
		return err
	}
	runtime, err := sc.runtimeTotal.Upsert(uint64(id), s.Name())
	if err != nil {
		return err
	}
	sl := &slot{s: s, id: id, deadline: s.NextDeadline(), errs: errs, runtime: runtime}
	sc.slots = append(sc.slots, sl)
	heap.Push(&sc.h, sl)
	return nil
}

// Samplers returns the names of enrolled samplers in registration order.
func (sc *Scheduler) Samplers() []string {
	names := make([]string, len(sc.slots))
	for i, sl := range sc.slots {
		names[i] = sl.s.Name()
	}
	return names
}

// Run drives the loop until ctx is cancelled, then drains: the in-flight
// sample finishes, every sampler's Shutdown runs, and Run returns.
func (sc *Scheduler) Run(ctx context.Context) {
	defer func() {
		for _, sl := range sc.slots {
			sl.s.Shutdown()
			sc.log.Info("sampler shut down", "sampler", sl.s.Name())
		}
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		now := clock.Nanos()
		wake := now + sc.clamp
		if len(sc.h) > 0 && sc.h[0].deadline < wake {
			wake = sc.h[0].deadline
		}
		if wake > now {
			timer.Reset(time.Duration(wake - now))
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}

		now = clock.Nanos()
		for len(sc.h) > 0 && sc.h[0].deadline <= now {
			sl := heap.Pop(&sc.h).(*slot)
			sc.runOne(sl, now)
			if !sl.disabled {
				heap.Push(&sc.h, sl)
			}
			if ctx.Err() != nil {
				return
			}
			now = clock.Nanos()
		}
	}
}

func (sc *Scheduler) runOne(sl *slot, now uint64) {
	sc.lag.Set(int64(now - sl.deadline))

	start := clock.Nanos()
	err := sl.s.Sample(start)
	dur := clock.Nanos() - start
	sl.runtime.Add(dur)

	if err != nil {
		sl.errs.Add(1)
		sl.consecutive++
		sc.log.Warn("sample failed",
			"sampler", sl.s.Name(), "err", err, "consecutive", sl.consecutive)
		if sl.consecutive >= sc.maxConsecutive {
			sl.disabled = true
			sc.log.Error("sampler disabled after repeated errors",
				"sampler", sl.s.Name(), "errors", sl.consecutive)
			return
		}
	} else if sl.consecutive > 0 {
		sl.consecutive = 0
		sc.log.Info("sampler recovered", "sampler", sl.s.Name())
	}

	if every := sl.every(); every > 0 {
		budget := overrunFactor * every
		if dur > budget {
			if !sl.degraded {
				sl.degraded = true
				sc.log.Warn("sampler degraded: overran its interval",
					"sampler", sl.s.Name(), "runtime", time.Duration(dur))
			}
		} else if sl.degraded {
			sl.degraded = false
			sc.log.Info("sampler no longer degraded", "sampler", sl.s.Name())
		}
	}

	next := sl.s.NextDeadline()
	if end := clock.Nanos(); next <= end {
		// overran past the next tick: skip missed ticks rather than
		// accumulating debt
		if every := sl.every(); every > 0 {
			next = clock.SkipForward(next, every, end)
		}
	}
	sl.deadline = next
}
