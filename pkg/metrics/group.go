package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// GroupEntry is one member series of a CounterGroup.
type GroupEntry struct {
	Labels  []Label
	Counter *Counter
}

// CounterGroup is a single counter family with many label sets keyed by a
// numeric id (a CPU index, a cgroup id). Entries are mutated by one writer
// (the owning sampler); readers get wait-free copy-on-write snapshots.
//
// Replace swaps an id's labels and zeroes its counter in one step, which is
// how cgroup rebirth drops the old series and starts the new one from zero.
type CounterGroup struct {
	name       string
	labelNames []string

	mu   sync.Mutex
	snap atomic.Pointer[map[uint64]*GroupEntry]
}

func newCounterGroup(name string, labelNames []string) *CounterGroup {
	g := &CounterGroup{name: name, labelNames: labelNames}
	empty := make(map[uint64]*GroupEntry)
	g.snap.Store(&empty)
	return g
}

// Name returns the counter family name.
func (g *CounterGroup) Name() string { return g.name }

// LabelNames returns the fixed label schema of the group.
func (g *CounterGroup) LabelNames() []string { return g.labelNames }

func (g *CounterGroup) entry(values []string) (*GroupEntry, error) {
	if len(values) != len(g.labelNames) {
		return nil, ErrLabelCardinality
	}
	labels := make([]Label, len(values))
	for i, v := range values {
		labels[i] = Label{Name: g.labelNames[i], Value: v}
	}
	return &GroupEntry{Labels: labels, Counter: &Counter{}}, nil
}

func (g *CounterGroup) publishLocked(next map[uint64]*GroupEntry) {
	g.snap.Store(&next)
}

func (g *CounterGroup) cloneLocked() map[uint64]*GroupEntry {
	cur := *g.snap.Load()
	next := make(map[uint64]*GroupEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Upsert returns the counter for id, creating the series with the given
// label values when absent. Existing entries keep their labels and value.
func (g *CounterGroup) Upsert(id uint64, values ...string) (*Counter, error) {
	if e, ok := (*g.snap.Load())[id]; ok {
		return e.Counter, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := (*g.snap.Load())[id]; ok {
		return e.Counter, nil
	}
	e, err := g.entry(values)
	if err != nil {
		return nil, err
	}
	next := g.cloneLocked()
	next[id] = e
	g.publishLocked(next)
	return e.Counter, nil
}

// Replace installs a fresh zeroed series for id with new label values,
// discarding any previous series under that id.
func (g *CounterGroup) Replace(id uint64, values ...string) (*Counter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.entry(values)
	if err != nil {
		return nil, err
	}
	next := g.cloneLocked()
	next[id] = e
	g.publishLocked(next)
	return e.Counter, nil
}

// Drop removes the series for id, if any.
func (g *CounterGroup) Drop(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.cloneLocked()
	delete(next, id)
	g.publishLocked(next)
}

// Get returns the live entry for id.
func (g *CounterGroup) Get(id uint64) (*GroupEntry, bool) {
	e, ok := (*g.snap.Load())[id]
	return e, ok
}

// Each walks a snapshot of the group in ascending id order. The walk is
// wait-free with respect to the writer.
func (g *CounterGroup) Each(fn func(id uint64, e *GroupEntry)) {
	cur := *g.snap.Load()
	ids := make([]uint64, 0, len(cur))
	for id := range cur {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fn(id, cur[id])
	}
}

// Len returns the current series count.
func (g *CounterGroup) Len() int {
	return len(*g.snap.Load())
}
