//go:build linux

// Package blockio samples block-layer I/O from kernel probe planes:
// per-CPU operation and byte counters plus latency and size
// distributions.
package blockio

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
	CountsPlane  = "blockio_counts"
	LatencyPlane = "blockio_latency"
	SizePlane    = "blockio_size"
)

// Histogram shapes: request latency in nanoseconds, request size in bytes.
const (
	GroupingPower   = 7
	LatencyMaxPower = 35
	SizeMaxPower    = 31
)

// CountSlots is the per-CPU row width of the counts plane.
const CountSlots = 8

const (
	slotReadOps = iota
	slotWriteOps
	slotReadBytes
	slotWriteBytes
)

func init() {
	sampler.Register("blockio", New)
}

type counterSlot struct {
	slot int
	c    *metrics.Counter
	prev uint64
}

// Sampler folds block I/O probe planes into the registry.
type Sampler struct {
	sampler.Cadence

	cpus       int
	latBuckets int
	szBuckets  int

	countArr *shm.Array
	latArr   *shm.Array
	szArr    *shm.Array

	counters []counterSlot
	latency  *metrics.Histogram
	size     *metrics.Histogram

	prevLat []uint64
	prevSz  []uint64
}

// New maps the probe planes and registers metrics. Distribution planes
// have no userspace fallback; bpf off means disabled.
func New(env sampler.Env) (sampler.Sampler, error) {
	if !env.Config.Enabled || !env.Config.BPF {
		return nil, sampler.ErrDisabled
	}

	s := &Sampler{
		Cadence:    sampler.NewCadence(env.Config.DistributionInterval),
		cpus:       runtime.NumCPU(),
		latBuckets: metrics.BucketCount(GroupingPower, LatencyMaxPower) - 1,
		szBuckets:  metrics.BucketCount(GroupingPower, SizeMaxPower) - 1,
	}
	s.prevLat = make([]uint64, s.latBuckets)
	s.prevSz = make([]uint64, s.szBuckets)

	for _, def := range []struct {
		slot int
		name string
		op   string
	}{
		{slotReadOps, "blockio.operations", "read"},
		{slotWriteOps, "blockio.operations", "write"},
		{slotReadBytes, "blockio.bytes", "read"},
		{slotWriteBytes, "blockio.bytes", "write"},
	} {
		c, err := env.Registry.RegisterCounter(def.name, metrics.L("op", def.op))
		if err != nil {
			return nil, err
		}
		s.counters = append(s.counters, counterSlot{slot: def.slot, c: c})
	}

	var err error
	if s.latency, err = env.Registry.RegisterHistogram("blockio.latency", GroupingPower, LatencyMaxPower); err != nil {
		return nil, err
	}
	if s.size, err = env.Registry.RegisterHistogram("blockio.size", GroupingPower, SizeMaxPower); err != nil {
		return nil, err
	}
	env.Registry.SetHelp("blockio.latency", "Block request completion latency, nanoseconds.")
	env.Registry.SetHelp("blockio.size", "Block request size, bytes.")

	if s.countArr, err = openPlane(env.ShmDir, CountsPlane, s.cpus*CountSlots); err != nil {
		return nil, err
	}
	if s.latArr, err = openPlane(env.ShmDir, LatencyPlane, s.cpus*s.latBuckets); err != nil {
		s.countArr.Close()
		return nil, err
	}
	if s.szArr, err = openPlane(env.ShmDir, SizePlane, s.cpus*s.szBuckets); err != nil {
		s.countArr.Close()
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
func (s *Sampler) Name() string { return "blockio" }

// Kind implements sampler.Sampler.
func (s *Sampler) Kind() sampler.Kind { return sampler.KindDistribution }

// Sample folds counter and bucket deltas.
func (s *Sampler) Sample(now uint64) error {
	defer s.Advance(now)

	for i := range s.counters {
		cs := &s.counters[i]
		raw := s.countArr.SumColumn(s.cpus, CountSlots, cs.slot)
		cs.c.Add(util.DeltaU64(raw, cs.prev))
		cs.prev = raw
	}
	foldBuckets(s.latArr, s.latency, s.cpus, s.latBuckets, s.prevLat)
	foldBuckets(s.szArr, s.size, s.cpus, s.szBuckets, s.prevSz)
	return nil
}

func foldBuckets(arr *shm.Array, h *metrics.Histogram, cpus, buckets int, prev []uint64) {
	for b := 0; b < buckets; b++ {
		raw := arr.SumColumn(cpus, buckets, b)
		h.AddBucketCount(b, util.DeltaU64(raw, prev[b]))
		prev[b] = raw
	}
}

// Shutdown unmaps the planes.
func (s *Sampler) Shutdown() {
	for _, a := range []*shm.Array{s.countArr, s.latArr, s.szArr} {
		if a != nil {
			a.Close()
		}
	}
}
