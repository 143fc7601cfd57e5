package metrics

import "sync/atomic"

// Counter is a monotonically non-decreasing unsigned 64-bit value.
// All methods are safe for concurrent use.
type Counter struct {
	value atomic.Uint64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Get returns the current value.
func (c *Counter) Get() uint64 {
	return c.value.Load()
}

// reset zeroes the counter in place. Counter groups do not call it on
// cgroup rebirth: CounterGroup.Replace installs a fresh Counter instead.
func (c *Counter) reset() {
	c.value.Store(0)
}

// Gauge is a signed 64-bit value that may move in either direction.
type Gauge struct {
	value atomic.Int64
}

// Set replaces the current value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Add moves the value by delta, which may be negative.
func (g *Gauge) Add(delta int64) {
	g.value.Add(delta)
}

// Get returns the current value as a single atomic load.
func (g *Gauge) Get() int64 {
	return g.value.Load()
}
