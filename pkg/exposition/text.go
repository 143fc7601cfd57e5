//go:build linux

package exposition

import (
	"io"
	"strconv"
	"strings"

	"github.com/ja7ad/pulse/pkg/metrics"
)

// writeText serialises the registry in the Prometheus text exposition
// format. Each histogram is read through one published-window pointer
// load, so its percentile gauges and bucket series always come from the
// same window. Write errors are ignored by design; the client gave up.
func (s *Server) writeText(w io.Writer) {
	buf := make([]byte, 0, 4096)
	typed := map[string]bool{}

	s.reg.Each(func(se *metrics.Series) {
		name := sanitizeName(se.ID.Name)
		switch se.Kind {
		case metrics.KindCounter:
			buf = s.comments(buf, typed, se.ID.Name, name, "counter")
			buf = appendSample(buf, name, se.ID.Labels, nil, strconv.FormatUint(se.Counter.Get(), 10))
		case metrics.KindGauge:
			buf = s.comments(buf, typed, se.ID.Name, name, "gauge")
			buf = appendSample(buf, name, se.ID.Labels, nil, strconv.FormatInt(se.Gauge.Get(), 10))
		case metrics.KindCounterGroup:
			buf = s.comments(buf, typed, se.ID.Name, name, "counter")
			se.Group.Each(func(_ uint64, e *metrics.GroupEntry) {
				buf = appendSample(buf, name, e.Labels, nil, strconv.FormatUint(e.Counter.Get(), 10))
			})
		case metrics.KindHistogram:
			buf = s.appendHistogram(buf, typed, se)
		}
		if len(buf) >= 4096-512 {
			w.Write(buf)
			buf = buf[:0]
		}
	})
	if len(buf) > 0 {
		w.Write(buf)
	}
}

func (s *Server) appendHistogram(buf []byte, typed map[string]bool, se *metrics.Series) []byte {
	name := sanitizeName(se.ID.Name)

	w := se.Histogram.Published()
	if w != nil {
		buf = s.comments(buf, typed, se.ID.Name, name, "gauge")
		for _, pv := range w.Percentiles {
			extra := metrics.L("percentile", pv.Quantile.Label)
			buf = appendSample(buf, name, se.ID.Labels, &extra, strconv.FormatUint(pv.Value, 10))
		}
		if s.opts.Histograms {
			pairs := metrics.Downsample(w.Buckets, w.GroupingPower, s.opts.GroupingPower)
			var cum uint64
			for _, pr := range pairs {
				cum += pr.Count
				extra := metrics.L("le", strconv.FormatUint(pr.Upper, 10))
				buf = appendSample(buf, name+"_bucket", se.ID.Labels, &extra, strconv.FormatUint(cum, 10))
			}
			extra := metrics.L("le", "+Inf")
			buf = appendSample(buf, name+"_bucket", se.ID.Labels, &extra, strconv.FormatUint(w.Total, 10))
			buf = appendSample(buf, name+"_count", se.ID.Labels, nil, strconv.FormatUint(w.Total, 10))
		}
	}

	buf = s.comments(buf, typed, se.ID.Name+"_overflow_total", name+"_overflow_total", "counter")
	buf = appendSample(buf, name+"_overflow_total", se.ID.Labels, nil,
		strconv.FormatUint(se.Histogram.OverflowCount(), 10))
	return buf
}

func (s *Server) comments(buf []byte, typed map[string]bool, rawName, name, kind string) []byte {
	if typed[name] {
		return buf
	}
	typed[name] = true
	if help := s.reg.Help(rawName); help != "" {
		buf = append(buf, "# HELP "+name+" "+help+"\n"...)
	}
	return append(buf, "# TYPE "+name+" "+kind+"\n"...)
}

func appendSample(buf []byte, name string, labels []metrics.Label, extra *metrics.Label, value string) []byte {
	buf = append(buf, name...)
	if len(labels) > 0 || extra != nil {
		buf = append(buf, '{')
		for i, l := range labels {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendLabel(buf, l)
		}
		if extra != nil {
			if len(labels) > 0 {
				buf = append(buf, ',')
			}
			buf = appendLabel(buf, *extra)
		}
		buf = append(buf, '}')
	}
	buf = append(buf, ' ')
	buf = append(buf, value...)
	return append(buf, '\n')
}

func appendLabel(buf []byte, l metrics.Label) []byte {
	buf = append(buf, sanitizeName(l.Name)...)
	buf = append(buf, `="`...)
	buf = append(buf, escapeValue(l.Value)...)
	return append(buf, '"')
}

// sanitizeName maps the internal family.name form onto the exposition
// charset [a-zA-Z0-9_:].
func sanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func escapeValue(v string) string {
	if !strings.ContainsAny(v, "\\\"\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(v)
}
