//go:build linux

// Package schedlat samples scheduler behavior from kernel probe planes:
// a per-CPU bucket array holding the run-queue latency distribution and a
// per-CPU counter row for context switches and migrations.
package schedlat

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"

	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/sampler"
	"github.com/ja7ad/pulse/pkg/shm"
	"github.com/ja7ad/pulse/pkg/system/util"
)

// Probe plane files.
const (
	LatencyPlane = "sched_runqlat"
	CountsPlane  = "sched_counts"
)

// Run-queue latency histogram shape: nanoseconds up to ~34s with 2^-7
// relative error. The kernel-side array carries the value buckets only.
const (
	GroupingPower = 7
	MaxPower      = 35
)

// CountSlots is the per-CPU row width of the counts plane.
const CountSlots = 8

const (
	slotContextSwitch = 0
	slotMigration     = 1
)

func init() {
	sampler.Register("schedlat", New)
}

// Sampler folds scheduler probe planes into the registry.
type Sampler struct {
	sampler.Cadence

	cpus    int
	buckets int

	latArr    *shm.Array
	countArr  *shm.Array
	latency   *metrics.Histogram
	ctxswitch *metrics.Counter
	migration *metrics.Counter

	prevBuckets []uint64
	prevCounts  [CountSlots]uint64
}

// New maps the probe planes and registers the sampler's metrics. There is
// no userspace fallback for distributions; bpf off means disabled.
func New(env sampler.Env) (sampler.Sampler, error) {
	if !env.Config.Enabled || !env.Config.BPF {
		return nil, sampler.ErrDisabled
	}

	s := &Sampler{
		Cadence: sampler.NewCadence(env.Config.DistributionInterval),
		cpus:    runtime.NumCPU(),
		buckets: metrics.BucketCount(GroupingPower, MaxPower) - 1,
	}
	s.prevBuckets = make([]uint64, s.buckets)

	var err error
	if s.latency, err = env.Registry.RegisterHistogram("scheduler.runqueue_latency", GroupingPower, MaxPower); err != nil {
		return nil, err
	}
	env.Registry.SetHelp("scheduler.runqueue_latency", "Time between wakeup and run, nanoseconds.")
	if s.ctxswitch, err = env.Registry.RegisterCounter("scheduler.context_switches"); err != nil {
		return nil, err
	}
	if s.migration, err = env.Registry.RegisterCounter("scheduler.cpu_migrations"); err != nil {
		return nil, err
	}

	if s.latArr, err = openPlane(env.ShmDir, LatencyPlane, s.cpus*s.buckets); err != nil {
		return nil, err
	}
	if s.countArr, err = openPlane(env.ShmDir, CountsPlane, s.cpus*CountSlots); err != nil {
		s.latArr.Close()
		return nil, err
	}
	return s, nil
}

func openPlane(dir, name string, capacity int) (*shm.Array, error) {
	arr, err := shm.Open(filepath.Join(dir, name), capacity)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", sampler.ErrPermissionDenied, name)
		}
		return nil, fmt.Errorf("%w: %v", sampler.ErrProbeLoad, err)
	}
	return arr, nil
}

// Name implements sampler.Sampler.
func (s *Sampler) Name() string { return "schedlat" }

// Kind implements sampler.Sampler.
func (s *Sampler) Kind() sampler.Kind { return sampler.KindDistribution }

// Sample folds bucket and counter deltas.
func (s *Sampler) Sample(now uint64) error {
	defer s.Advance(now)

	for b := 0; b < s.buckets; b++ {
		raw := s.latArr.SumColumn(s.cpus, s.buckets, b)
		s.latency.AddBucketCount(b, util.DeltaU64(raw, s.prevBuckets[b]))
		s.prevBuckets[b] = raw
	}

	rawCS := s.countArr.SumColumn(s.cpus, CountSlots, slotContextSwitch)
	s.ctxswitch.Add(util.DeltaU64(rawCS, s.prevCounts[slotContextSwitch]))
	s.prevCounts[slotContextSwitch] = rawCS

	rawMig := s.countArr.SumColumn(s.cpus, CountSlots, slotMigration)
	s.migration.Add(util.DeltaU64(rawMig, s.prevCounts[slotMigration]))
	s.prevCounts[slotMigration] = rawMig
	return nil
}

// Shutdown unmaps the planes.
func (s *Sampler) Shutdown() {
	if s.latArr != nil {
		s.latArr.Close()
	}
	if s.countArr != nil {
		s.countArr.Close()
	}
}
