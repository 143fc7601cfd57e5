// Package metrics implements the agent's metric catalog: counter, gauge,
// and log-linear histogram handles registered once at startup, updated by
// samplers through O(1) atomic operations, and read by the exposition
// layer through wait-free snapshots.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind discriminates the series types held by the registry.
type Kind uint8

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
	KindCounterGroup
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindCounterGroup:
		return "counter"
	}
	return "untyped"
}

// Series is one registered entry. Exactly one of the typed handles is set,
// matching Kind.
type Series struct {
	ID   ID
	Kind Kind

	Counter   *Counter
	Gauge     *Gauge
	Histogram *Histogram
	Group     *CounterGroup
}

type catalog struct {
	series     []*Series
	index      map[string]int
	histograms []*Histogram
	help       map[string]string
}

// Registry is the process-wide, append-only metric catalog. Registration
// takes a lock; readers walk immutable copy-on-write snapshots and never
// block producers.
type Registry struct {
	mu  sync.Mutex
	cat atomic.Pointer[catalog]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.cat.Store(&catalog{
		index: make(map[string]int),
		help:  make(map[string]string),
	})
	return r
}

func (r *Registry) appendLocked(s *Series) error {
	cur := r.cat.Load()
	key := s.ID.Canonical()
	if _, ok := cur.index[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, key)
	}

	next := &catalog{
		series:     make([]*Series, len(cur.series), len(cur.series)+1),
		index:      make(map[string]int, len(cur.index)+1),
		histograms: cur.histograms,
		help:       cur.help,
	}
	copy(next.series, cur.series)
	for k, v := range cur.index {
		next.index[k] = v
	}
	next.index[key] = len(next.series)
	next.series = append(next.series, s)
	if s.Kind == KindHistogram {
		next.histograms = make([]*Histogram, len(cur.histograms), len(cur.histograms)+1)
		copy(next.histograms, cur.histograms)
		next.histograms = append(next.histograms, s.Histogram)
	}
	r.cat.Store(next)
	return nil
}

// RegisterCounter allocates a counter series.
func (r *Registry) RegisterCounter(name string, labels ...Label) (*Counter, error) {
	id, err := NewID(name, labels...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Counter{}
	if err := r.appendLocked(&Series{ID: id, Kind: KindCounter, Counter: c}); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterGauge allocates a gauge series.
func (r *Registry) RegisterGauge(name string, labels ...Label) (*Gauge, error) {
	id, err := NewID(name, labels...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Gauge{}
	if err := r.appendLocked(&Series{ID: id, Kind: KindGauge, Gauge: g}); err != nil {
		return nil, err
	}
	return g, nil
}

// RegisterHistogram allocates a histogram series with grouping power p and
// max-value power n.
func (r *Registry) RegisterHistogram(name string, p, n uint, labels ...Label) (*Histogram, error) {
	id, err := NewID(name, labels...)
	if err != nil {
		return nil, err
	}
	h, err := NewHistogram(p, n)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(&Series{ID: id, Kind: KindHistogram, Histogram: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// RegisterCounterGroup allocates a dynamic counter family whose member
// series are keyed by a numeric id and managed by the owning sampler.
func (r *Registry) RegisterCounterGroup(name string, labelNames ...string) (*CounterGroup, error) {
	id, err := NewID(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g := newCounterGroup(name, labelNames)
	if err := r.appendLocked(&Series{ID: id, Kind: KindCounterGroup, Group: g}); err != nil {
		return nil, err
	}
	return g, nil
}

// SetHelp attaches exposition help text to a metric family.
func (r *Registry) SetHelp(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cat.Load()
	next := &catalog{
		series:     cur.series,
		index:      cur.index,
		histograms: cur.histograms,
		help:       make(map[string]string, len(cur.help)+1),
	}
	for k, v := range cur.help {
		next.help[k] = v
	}
	next.help[name] = text
	r.cat.Store(next)
}

// Help returns the help text for a family, if any.
func (r *Registry) Help(name string) string {
	return r.cat.Load().help[name]
}

// Each walks a snapshot of all registered series in registration order.
// The walk is restartable, single-pass, and never blocks producers; it is
// not a consistent cross-metric cut.
func (r *Registry) Each(fn func(*Series)) {
	for _, s := range r.cat.Load().series {
		fn(s)
	}
}

// Histograms returns a snapshot of all registered histograms, for the
// snapshotter's roll pass.
func (r *Registry) Histograms() []*Histogram {
	return r.cat.Load().histograms
}

// Len returns the number of registered series.
func (r *Registry) Len() int {
	return len(r.cat.Load().series)
}
