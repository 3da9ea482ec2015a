// Package metrics models the metrics snapshot the proxy returns on its
// command socket: a tree of named values grouped by scope (main process,
// worker, cluster, backend).
//
// A [Value] is a closed sum type. Exactly one of [Gauge], [Counter],
// [Duration], [Histogram] or [Unsupported] is held by a [Metric]; a metric
// whose wire form carries none of the known variants decodes to
// [Unsupported], never to nil.
package metrics

import "sort"

// Kind is the display kind of a value in the exposition format.
type Kind string

const (
	KindCounter     Kind = "counter"
	KindGauge       Kind = "gauge"
	KindHistogram   Kind = "histogram"
	KindUnsupported Kind = "unsupported"
)

// Value is one observed metric value. The set of implementations is closed
// to this package.
type Value interface {
	// Kind reports how the value is annotated in the exposition format.
	Kind() Kind

	isValue()
}

// Gauge is a point-in-time level.
type Gauge int64

// Counter is a monotonically increasing count.
type Counter int64

// Duration is a time measurement in milliseconds. It is exposed as a gauge.
type Duration int64

// Bucket is one cumulative histogram bucket: Count observations were less
// than or equal to UpperBound.
type Bucket struct {
	UpperBound float64
	Count      int64
}

// Histogram is a bucketed distribution of observations.
type Histogram struct {
	Buckets []Bucket
	Sum     float64
	Count   int64
}

// Unsupported stands for a variant the renderer does not emit, such as
// legacy percentile summaries or raw time series. Variant names the wire
// variant when one was present and is empty when no variant was populated.
type Unsupported struct {
	Variant string
}

func (Gauge) Kind() Kind       { return KindGauge }
func (Counter) Kind() Kind     { return KindCounter }
func (Duration) Kind() Kind    { return KindGauge }
func (Histogram) Kind() Kind   { return KindHistogram }
func (Unsupported) Kind() Kind { return KindUnsupported }

func (Gauge) isValue()       {}
func (Counter) isValue()     {}
func (Duration) isValue()    {}
func (Histogram) isValue()   {}
func (Unsupported) isValue() {}

// SortedBuckets returns a copy of the buckets ordered by ascending upper
// bound. The receiver is left untouched.
func (h Histogram) SortedBuckets() []Bucket {
	buckets := make([]Bucket, len(h.Buckets))
	copy(buckets, h.Buckets)
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].UpperBound < buckets[j].UpperBound
	})
	return buckets
}
