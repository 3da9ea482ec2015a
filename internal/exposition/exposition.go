// Package exposition converts a proxy metrics [metrics.Snapshot] into the
// Prometheus text exposition format.
//
// Conversion happens in three steps:
//
//  1. [Flatten] walks the snapshot and produces one [Sample] per leaf value,
//     labelled with the scope it was found under.
//  2. Samples are grouped by sanitized metric name in first-seen order.
//     Names that differ only by '.' versus '_' ("a.b" and "a_b") share one
//     group and one "# TYPE" line, typed after the first sample seen.
//  3. Each group is rendered as one "# TYPE" line followed by its sample
//     lines.
//
// Rendering never fails: a name whose first sample is unsupported is left
// out entirely, and unsupported samples inside an otherwise supported group
// produce no line.
//
// Example output for a main-process gauge and a cluster histogram:
//
//	# TYPE pool_size gauge
//	pool_size{worker="main"} 7
//	# TYPE response_time histogram
//	response_time_bucket{cluster_id="c1",le="0.5"} 1
//	response_time_sum{cluster_id="c1"} 12.5
//	response_time_count{cluster_id="c1"} 4
package exposition

import (
	"strings"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
)

// Sample is one flattened, labelled value.
type Sample struct {
	Name  string
	Scope metrics.Scope
	Value metrics.Value
	Kind  metrics.Kind
}

// Flatten lists every leaf of s in walk order.
func Flatten(s *metrics.Snapshot) []Sample {
	var samples []Sample
	s.Walk(func(name string, scope metrics.Scope, value metrics.Value) {
		samples = append(samples, Sample{
			Name:  name,
			Scope: scope,
			Value: value,
			Kind:  value.Kind(),
		})
	})
	return samples
}

// Render returns the exposition text for s. An empty or nil snapshot
// renders as the empty string.
func Render(s *metrics.Snapshot) string {
	var b strings.Builder
	writeSamples(&b, Flatten(s))
	return b.String()
}

// family is every sample sharing one sanitized name.
type family struct {
	name    string
	kind    metrics.Kind
	samples []Sample
}

// group collects samples into families keyed by sanitized name, in the
// order each name was first seen. The family kind is taken from its first
// sample.
func group(samples []Sample) []*family {
	var families []*family
	index := make(map[string]*family)

	for _, s := range samples {
		name := SanitizeName(s.Name)
		f, ok := index[name]
		if !ok {
			f = &family{name: name, kind: s.Kind}
			index[name] = f
			families = append(families, f)
		}
		f.samples = append(f.samples, s)
	}
	return families
}

func writeSamples(b *strings.Builder, samples []Sample) {
	for _, f := range group(samples) {
		if f.kind == metrics.KindUnsupported {
			continue
		}

		b.WriteString("# TYPE ")
		b.WriteString(f.name)
		b.WriteByte(' ')
		b.WriteString(string(f.kind))
		b.WriteByte('\n')

		for _, s := range f.samples {
			writeSample(b, f.name, s)
		}
	}
}

// SanitizeName replaces every '.' in a proxy metric name with '_'.
func SanitizeName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
