//go:build linux

// Package sampler defines the collection contract every sampler
// implements and the single-threaded cooperative scheduler that
// multiplexes them. Samplers are discovered through a load-time builder
// registry; the scheduler holds opaque handles only.
package sampler

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/config"
	"github.com/ja7ad/pulse/pkg/metrics"
)

var (
	// ErrDisabled means the sampler is switched off by configuration or
	// has no usable backend in the current mode.
	ErrDisabled = errors.New("sampler: disabled")

	// ErrProbeLoad means the kernel-side probe plane is not attached
	// (missing or short shared-memory file).
	ErrProbeLoad = errors.New("sampler: probe load failed")

	// ErrPermissionDenied means the shared plane exists but cannot be
	// mapped with the agent's privileges.
	ErrPermissionDenied = errors.New("sampler: permission denied")

	// ErrUnsupportedKernel means the running kernel lacks a required
	// facility.
	ErrUnsupportedKernel = errors.New("sampler: unsupported kernel")
)

// Kind separates fast counter samplers from slower distribution samplers;
// the kind selects which configured interval applies.
type Kind int

const (
	KindCounter Kind = iota
	KindDistribution
)

func (k Kind) String() string {
	if k == KindDistribution {
		return "distribution"
	}
	return "counter"
}

// Sampler is one unit of collection responsibility. Initialization happens
// in the builder; the scheduler only ever sees ready samplers.
//
// Sample must not block beyond its base interval; the scheduler marks
// overrunning samplers degraded and skips their missed ticks.
type Sampler interface {
	Name() string
	Kind() Kind

	// NextDeadline returns the monotonic time the next Sample is due.
	NextDeadline() uint64

	// Sample performs one read-and-fold pass and advances the deadline.
	Sample(now uint64) error

	// Shutdown releases probes and unmaps shared memory.
	Shutdown()
}

// Env is everything a builder needs to initialize its sampler: registry
// access, the resolved per-sampler configuration, and the probe plane
// directory.
type Env struct {
	Registry *metrics.Registry
	Config   config.Resolved
	ShmDir   string
	Log      *slog.Logger
}

// Builder initializes one sampler: loads probes, maps shared memory,
// registers metrics. It may fail with ErrDisabled, ErrProbeLoad,
// ErrPermissionDenied, or ErrUnsupportedKernel.
type Builder func(env Env) (Sampler, error)

var (
	buildersMu sync.Mutex
	builders   = map[string]Builder{}
)

// Register installs a builder under name. Called from sampler package
// init paths; later registrations under the same name win.
func Register(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

// Names lists registered builders in stable order.
func Names() []string {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the builder registered under name.
func Lookup(name string) (Builder, bool) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	b, ok := builders[name]
	return b, ok
}

// Cadence tracks a sampler's deadline grid. Advancing skips missed ticks
// instead of accumulating debt.
type Cadence struct {
	every uint64
	next  uint64
}

// NewCadence starts a grid of the given period, first due one period from
// now.
func NewCadence(every time.Duration) Cadence {
	e := uint64(every)
	return Cadence{every: e, next: clock.Nanos() + e}
}

// Every returns the period in nanoseconds.
func (c *Cadence) Every() uint64 { return c.every }

// NextDeadline returns the next due time.
func (c *Cadence) NextDeadline() uint64 { return c.next }

// Advance moves the deadline past now on the grid.
func (c *Cadence) Advance(now uint64) {
	c.next = clock.SkipForward(c.next, c.every, now)
}
