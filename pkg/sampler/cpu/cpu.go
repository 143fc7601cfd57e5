//go:build linux

// Package cpu samples per-CPU time accounting. The primary backend is the
// kernel probe plane: a shared array of (CPU x state) nanosecond counters.
// With bpf disabled it falls back to folding /proc/stat jiffies.
package cpu

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"

	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/sampler"
	"github.com/ja7ad/pulse/pkg/shm"
	"github.com/ja7ad/pulse/pkg/system/proc"
	"github.com/ja7ad/pulse/pkg/system/util"
)

// PlaneFile is the shared counter array attached by the probe loader:
// one row per CPU, Slots cells per row, nanoseconds per state.
const PlaneFile = "cpu_usage"

// Slots is the per-CPU row width of the plane.
const Slots = 8

// States name the plane's metric slots in order.
var States = [Slots]string{"user", "nice", "system", "idle", "io_wait", "irq", "softirq", "steal"}

func init() {
	sampler.Register("cpu", New)
}

// Sampler folds CPU time counters into the registry.
type Sampler struct {
	sampler.Cadence

	cpus int
	bpf  bool

	arr      *shm.Array
	counters [Slots]*metrics.Counter
	prev     [Slots]uint64

	// fallback state
	tickNanos uint64
	seeded    bool
}

// New initializes the sampler: registers its metrics and maps the probe
// plane (bpf mode) or seeds /proc/stat (fallback).
func New(env sampler.Env) (sampler.Sampler, error) {
	if !env.Config.Enabled {
		return nil, sampler.ErrDisabled
	}

	s := &Sampler{
		Cadence:   sampler.NewCadence(env.Config.Interval),
		cpus:      runtime.NumCPU(),
		bpf:       env.Config.BPF,
		tickNanos: uint64(1_000_000_000 / proc.ClockTicks()),
	}

	for i, state := range States {
		c, err := env.Registry.RegisterCounter("cpu.usage", metrics.L("state", state))
		if err != nil {
			return nil, err
		}
		s.counters[i] = c
	}
	env.Registry.SetHelp("cpu.usage", "CPU time per state in nanoseconds.")
	cores, err := env.Registry.RegisterGauge("cpu.cores")
	if err != nil {
		return nil, err
	}
	cores.Set(int64(s.cpus))

	if s.bpf {
		arr, err := shm.Open(filepath.Join(env.ShmDir, PlaneFile), s.cpus*Slots)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %s", sampler.ErrPermissionDenied, PlaneFile)
			}
			return nil, fmt.Errorf("%w: %v", sampler.ErrProbeLoad, err)
		}
		s.arr = arr
	}
	return s, nil
}

// Name implements sampler.Sampler.
func (s *Sampler) Name() string { return "cpu" }

// Kind implements sampler.Sampler.
func (s *Sampler) Kind() sampler.Kind { return sampler.KindCounter }

// Sample folds one pass of state counters.
func (s *Sampler) Sample(now uint64) error {
	defer s.Advance(now)
	if s.bpf {
		return s.samplePlane()
	}
	return s.sampleProc()
}

func (s *Sampler) samplePlane() error {
	for slot := 0; slot < Slots; slot++ {
		raw := s.arr.SumColumn(s.cpus, Slots, slot)
		s.counters[slot].Add(util.DeltaU64(raw, s.prev[slot]))
		s.prev[slot] = raw
	}
	return nil
}

func (s *Sampler) sampleProc() error {
	times, err := proc.ReadPerCPU()
	if err != nil {
		return fmt.Errorf("cpu: %w", err)
	}
	var raw [Slots]uint64
	for _, t := range times {
		raw[0] += t.User
		raw[1] += t.Nice
		raw[2] += t.System
		raw[3] += t.Idle
		raw[4] += t.IOWait
		raw[5] += t.IRQ
		raw[6] += t.SoftIRQ
		raw[7] += t.Steal
	}
	for i := range raw {
		raw[i] *= s.tickNanos
	}
	if !s.seeded {
		// first pass only establishes the baseline
		s.prev = raw
		s.seeded = true
		return nil
	}
	for i := range raw {
		s.counters[i].Add(util.DeltaU64(raw[i], s.prev[i]))
		s.prev[i] = raw[i]
	}
	return nil
}

// Shutdown unmaps the plane.
func (s *Sampler) Shutdown() {
	if s.arr != nil {
		s.arr.Close()
	}
}
