//go:build linux

package exposition

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ja7ad/pulse/pkg/clock"
	"github.com/ja7ad/pulse/pkg/metrics"
)

// binaryMetric is one record of the msgpack snapshot. For histograms the
// value is an array of [bucket_upper, count] pairs and Total carries the
// window's observation count.
type binaryMetric struct {
	Name   string            `msgpack:"name"`
	Labels map[string]string `msgpack:"labels"`
	Kind   string            `msgpack:"kind"`
	Value  any               `msgpack:"value"`
	Total  *uint64           `msgpack:"total,omitempty"`
}

// writeBinary serialises the snapshot as the msgpack array
// [snapshot_timestamp_ns, metrics].
func (s *Server) writeBinary(w io.Writer) error {
	var records []binaryMetric

	s.reg.Each(func(se *metrics.Series) {
		switch se.Kind {
		case metrics.KindCounter:
			records = append(records, binaryMetric{
				Name:   se.ID.Name,
				Labels: labelMap(se.ID.Labels),
				Kind:   "counter",
				Value:  se.Counter.Get(),
			})
		case metrics.KindGauge:
			records = append(records, binaryMetric{
				Name:   se.ID.Name,
				Labels: labelMap(se.ID.Labels),
				Kind:   "gauge",
				Value:  se.Gauge.Get(),
			})
		case metrics.KindCounterGroup:
			se.Group.Each(func(_ uint64, e *metrics.GroupEntry) {
				records = append(records, binaryMetric{
					Name:   se.ID.Name,
					Labels: labelMap(e.Labels),
					Kind:   "counter",
					Value:  e.Counter.Get(),
				})
			})
		case metrics.KindHistogram:
			win := se.Histogram.Published()
			if win == nil {
				return
			}
			pairs := make([][2]uint64, 0)
			for i, c := range win.Buckets {
				if c == 0 {
					continue
				}
				pairs = append(pairs, [2]uint64{metrics.BucketUpper(i, win.GroupingPower), c})
			}
			total := win.Total
			records = append(records, binaryMetric{
				Name:   se.ID.Name,
				Labels: labelMap(se.ID.Labels),
				Kind:   "histogram",
				Value:  pairs,
				Total:  &total,
			})
		}
	})

	enc := msgpack.NewEncoder(w)
	return enc.Encode([]any{uint64(clock.Wall().UnixNano()), records})
}

func labelMap(labels []metrics.Label) map[string]string {
	m := make(map[string]string, len(labels))
	for _, l := range labels {
		m[l.Name] = l.Value
	}
	return m
}
