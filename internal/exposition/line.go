package exposition

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
)

// writeSample renders the lines of a single sample under the family name.
func writeSample(b *strings.Builder, name string, s Sample) {
	labels := formatLabels(s.Scope)

	switch v := s.Value.(type) {
	case metrics.Gauge:
		writeLine(b, name, labels, "", strconv.FormatInt(int64(v), 10))
	case metrics.Counter:
		writeLine(b, name, labels, "", strconv.FormatInt(int64(v), 10))
	case metrics.Duration:
		writeLine(b, name, labels, "", strconv.FormatInt(int64(v), 10))
	case metrics.Histogram:
		for _, bucket := range v.SortedBuckets() {
			le := `le="` + formatFloat(bucket.UpperBound) + `"`
			writeLine(b, name+"_bucket", labels, le, strconv.FormatInt(bucket.Count, 10))
		}
		writeLine(b, name+"_sum", labels, "", formatFloat(v.Sum))
		writeLine(b, name+"_count", labels, "", strconv.FormatInt(v.Count, 10))
	}
}

// writeLine emits name{labels,extra} value. Either label part may be empty.
func writeLine(b *strings.Builder, name, labels, extra, value string) {
	b.WriteString(name)
	b.WriteByte('{')
	b.WriteString(labels)
	if extra != "" {
		if labels != "" {
			b.WriteByte(',')
		}
		b.WriteString(extra)
	}
	b.WriteString("} ")
	b.WriteString(value)
	b.WriteByte('\n')
}

// formatLabels joins the scope as key="value" pairs. Values are
// percent-encoded since cluster and backend ids may contain quotes, slashes
// or whole URLs.
func formatLabels(scope metrics.Scope) string {
	if len(scope) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(scope))
	for _, l := range scope {
		pairs = append(pairs, l.Key+`="`+EscapeLabelValue(l.Value)+`"`)
	}
	return strings.Join(pairs, ",")
}

// EscapeLabelValue percent-encodes a label value with URL query escaping.
// url.QueryUnescape recovers the original string.
func EscapeLabelValue(value string) string {
	return url.QueryEscape(value)
}

// formatFloat renders f the way the Prometheus text format expects: the
// shortest representation that round-trips, with +Inf, -Inf and NaN spelled
// out.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
