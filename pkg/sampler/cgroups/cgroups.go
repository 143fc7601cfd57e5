//go:build linux

// Package cgroups maintains per-cgroup metrics. Kernel probes publish
// cgroup-identity events on a shared ring and per-cgroup CPU counters in a
// shared array; this sampler drains the ring, reconciles serial numbers so
// labels follow cgroup rebirth, and folds the counters into a registry
// counter group.
package cgroups

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/ringbuf"
	"github.com/ja7ad/pulse/pkg/sampler"
	"github.com/ja7ad/pulse/pkg/shm"
	"github.com/ja7ad/pulse/pkg/system/cgroup"
	"github.com/ja7ad/pulse/pkg/system/util"
)

// Probe plane files. The ring carries the fixed 200-byte identity record;
// the serial array carries the kernel-assigned serial number per cgroup id
// so rebirth of a recycled id is detectable at drain time.
const (
	RingFile    = "cgroup_info"
	SerialPlane = "cgroup_serial"
	CPUPlane    = "cgroup_cpu"
)

// MaxCgroups is the fixed producer dimension of the per-cgroup planes.
const MaxCgroups = 4096

// maxRecordsPerDrain bounds one intake batch so a busy ring cannot stall
// the scheduler.
const maxRecordsPerDrain = 64

func init() {
	sampler.Register("cgroups", New)
}

// Sampler drains cgroup identity events and folds per-cgroup counters.
type Sampler struct {
	sampler.Cadence

	ring      *ringbuf.Ring
	serialArr *shm.Array
	cpuArr    *shm.Array

	table *cgroup.Table
	cpu   *metrics.CounterGroup

	ringDropped *metrics.Counter
	ringResets  *metrics.Counter
	prevDropped uint64

	prev map[uint32]uint64
}

// New maps the ring and planes and registers the per-cgroup metrics.
func New(env sampler.Env) (sampler.Sampler, error) {
	if !env.Config.Enabled || !env.Config.BPF {
		return nil, sampler.ErrDisabled
	}

	s := &Sampler{
		Cadence: sampler.NewCadence(env.Config.Interval),
		table:   cgroup.NewTable(),
		prev:    make(map[uint32]uint64),
	}

	var err error
	if s.cpu, err = env.Registry.RegisterCounterGroup("cgroup.cpu_usage", "name", "parent", "level"); err != nil {
		return nil, err
	}
	env.Registry.SetHelp("cgroup.cpu_usage", "Per-cgroup CPU time in nanoseconds.")
	if s.ringDropped, err = env.Registry.RegisterCounter("cgroup.info_dropped"); err != nil {
		return nil, err
	}
	env.Registry.SetHelp("cgroup.info_dropped", "Identity records dropped by the kernel ring.")
	if s.ringResets, err = env.Registry.RegisterCounter("cgroup.ring_resets"); err != nil {
		return nil, err
	}

	if s.ring, err = ringbuf.Open(filepath.Join(env.ShmDir, RingFile)); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", sampler.ErrPermissionDenied, RingFile)
		}
		return nil, fmt.Errorf("%w: %v", sampler.ErrProbeLoad, err)
	}
	if s.serialArr, err = openPlane(env.ShmDir, SerialPlane); err != nil {
		s.ring.Close()
		return nil, err
	}
	if s.cpuArr, err = openPlane(env.ShmDir, CPUPlane); err != nil {
		s.ring.Close()
		s.serialArr.Close()
		return nil, err
	}
	return s, nil
}

func openPlane(dir, name string) (*shm.Array, error) {
	arr, err := shm.Open(filepath.Join(dir, name), MaxCgroups)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", sampler.ErrPermissionDenied, name)
		}
		return nil, fmt.Errorf("%w: %v", sampler.ErrProbeLoad, err)
	}
	return arr, nil
}

// Name implements sampler.Sampler.
func (s *Sampler) Name() string { return "cgroups" }

// Kind implements sampler.Sampler.
func (s *Sampler) Kind() sampler.Kind { return sampler.KindCounter }

// Table exposes the identity table; tests read it.
func (s *Sampler) Table() *cgroup.Table { return s.table }

// Sample drains identity events, then folds per-cgroup counters.
func (s *Sampler) Sample(now uint64) error {
	defer s.Advance(now)

	var intakeErr error
	_, reset := s.ring.Drain(maxRecordsPerDrain, func(rec ringbuf.Record) {
		if err := s.reconcile(rec); err != nil && intakeErr == nil {
			intakeErr = err
		}
	})
	if reset {
		s.ringResets.Add(1)
	}

	dropped := s.ring.Dropped()
	s.ringDropped.Add(util.DeltaU64(dropped, s.prevDropped))
	s.prevDropped = dropped

	s.fold()
	return intakeErr
}

func (s *Sampler) reconcile(rec ringbuf.Record) error {
	if rec.ID < 0 || rec.ID >= MaxCgroups {
		return fmt.Errorf("cgroups: id %d outside plane", rec.ID)
	}
	id := uint32(rec.ID)
	ident := cgroup.Identity{
		ID:          id,
		Serial:      s.serialArr.Load(int(id)),
		Level:       rec.Level,
		Name:        rec.Name,
		Parent:      rec.Parent,
		GrandParent: rec.GrandParent,
	}
	outcome := s.table.Reconcile(ident)
	if outcome == cgroup.Unchanged {
		return nil
	}

	// New cgroup under this id: zero its counter row so the series
	// starts from zero, then install the labeled series.
	s.cpuArr.ZeroRow(int(id), 1)
	s.prev[id] = 0
	_, err := s.cpu.Replace(uint64(id), ident.Name, ident.Parent, strconv.Itoa(int(ident.Level)))
	return err
}

func (s *Sampler) fold() {
	s.cpu.Each(func(id uint64, e *metrics.GroupEntry) {
		raw := s.cpuArr.Load(int(id))
		e.Counter.Add(util.DeltaU64(raw, s.prev[uint32(id)]))
		s.prev[uint32(id)] = raw
	})
}

// Shutdown unmaps the ring and planes.
func (s *Sampler) Shutdown() {
	if s.ring != nil {
		s.ring.Close()
	}
	if s.serialArr != nil {
		s.serialArr.Close()
	}
	if s.cpuArr != nil {
		s.cpuArr.Close()
	}
}
