package metrics

import (
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/codec"
)

// Field numbers of the proxy's AggregatedMetrics message tree.
const (
	fieldAggregatedMain    protowire.Number = 1
	fieldAggregatedWorkers protowire.Number = 2

	fieldWorkerProxy    protowire.Number = 1
	fieldWorkerClusters protowire.Number = 2

	fieldClusterCluster  protowire.Number = 1
	fieldClusterBackends protowire.Number = 2

	fieldBackendID      protowire.Number = 1
	fieldBackendMetrics protowire.Number = 2

	fieldMetricGauge       protowire.Number = 1
	fieldMetricCount       protowire.Number = 2
	fieldMetricTime        protowire.Number = 3
	fieldMetricPercentiles protowire.Number = 4
	fieldMetricTimeSerie   protowire.Number = 5
	fieldMetricHistogram   protowire.Number = 6

	fieldHistogramSum     protowire.Number = 1
	fieldHistogramCount   protowire.Number = 2
	fieldHistogramBuckets protowire.Number = 3

	fieldBucketCount protowire.Number = 1
	fieldBucketLe    protowire.Number = 2
)

// Metric wraps a [Value] for transport. On the wire it is a FilteredMetrics
// message whose oneof holds gauge, count, time, percentiles, time_serie or
// histogram.
type Metric struct {
	Value Value
}

// Get returns the wrapped value, or [Unsupported] when none is set.
func (m Metric) Get() Value {
	if m.Value == nil {
		return Unsupported{}
	}
	return m.Value
}

// Variant names on the wire for the values the renderer skips.
const (
	variantPercentiles = "percentiles"
	variantTimeSerie   = "time_serie"
)

// AppendProto appends the AggregatedMetrics encoding of s. Map entries are
// written in key order.
func (s *Snapshot) AppendProto(b []byte) []byte {
	b = appendMetricMap(b, fieldAggregatedMain, s.Main)
	for _, id := range slices.Sorted(maps.Keys(s.Workers)) {
		b = codec.AppendMapEntry(b, fieldAggregatedWorkers, id, s.Workers[id].appendProto(nil))
	}
	return b
}

// UnmarshalProto decodes an AggregatedMetrics message into s.
func (s *Snapshot) UnmarshalProto(b []byte) error {
	*s = Snapshot{}
	err := codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldAggregatedMain:
			return decodeMetricEntry(&s.Main, f.Bytes)
		case fieldAggregatedWorkers:
			key, value, err := codec.MapEntry(f.Bytes)
			if err != nil {
				return err
			}
			var w WorkerMetrics
			if err := w.unmarshalProto(value); err != nil {
				return fmt.Errorf("worker %q: %w", key, err)
			}
			if s.Workers == nil {
				s.Workers = make(map[string]WorkerMetrics)
			}
			s.Workers[key] = w
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metrics: decode snapshot: %w", err)
	}
	return nil
}

func (w WorkerMetrics) appendProto(b []byte) []byte {
	b = appendMetricMap(b, fieldWorkerProxy, w.Proxy)
	for _, id := range slices.Sorted(maps.Keys(w.Clusters)) {
		b = codec.AppendMapEntry(b, fieldWorkerClusters, id, w.Clusters[id].appendProto(nil))
	}
	return b
}

func (w *WorkerMetrics) unmarshalProto(b []byte) error {
	return codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldWorkerProxy:
			return decodeMetricEntry(&w.Proxy, f.Bytes)
		case fieldWorkerClusters:
			key, value, err := codec.MapEntry(f.Bytes)
			if err != nil {
				return err
			}
			var c ClusterMetrics
			if err := c.unmarshalProto(value); err != nil {
				return fmt.Errorf("cluster %q: %w", key, err)
			}
			if w.Clusters == nil {
				w.Clusters = make(map[string]ClusterMetrics)
			}
			w.Clusters[key] = c
		}
		return nil
	})
}

func (c ClusterMetrics) appendProto(b []byte) []byte {
	b = appendMetricMap(b, fieldClusterCluster, c.Cluster)
	for _, backend := range c.Backends {
		body := codec.AppendString(nil, fieldBackendID, backend.BackendID)
		body = appendMetricMap(body, fieldBackendMetrics, backend.Metrics)
		b = codec.AppendMessage(b, fieldClusterBackends, body)
	}
	return b
}

func (c *ClusterMetrics) unmarshalProto(b []byte) error {
	return codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldClusterCluster:
			return decodeMetricEntry(&c.Cluster, f.Bytes)
		case fieldClusterBackends:
			var backend BackendMetrics
			err := codec.RangeFields(f.Bytes, func(f codec.Field) error {
				switch f.Num {
				case fieldBackendID:
					backend.BackendID = string(f.Bytes)
				case fieldBackendMetrics:
					return decodeMetricEntry(&backend.Metrics, f.Bytes)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("backend: %w", err)
			}
			c.Backends = append(c.Backends, backend)
		}
		return nil
	})
}

func appendMetricMap(b []byte, num protowire.Number, metrics map[string]Metric) []byte {
	for _, name := range slices.Sorted(maps.Keys(metrics)) {
		b = codec.AppendMapEntry(b, num, name, metrics[name].appendProto(nil))
	}
	return b
}

func decodeMetricEntry(dst *map[string]Metric, entry []byte) error {
	key, value, err := codec.MapEntry(entry)
	if err != nil {
		return err
	}
	var m Metric
	if err := m.unmarshalProto(value); err != nil {
		return fmt.Errorf("metric %q: %w", key, err)
	}
	if *dst == nil {
		*dst = make(map[string]Metric)
	}
	(*dst)[key] = m
	return nil
}

// appendProto encodes the FilteredMetrics form of m. Histogram bounds and
// sums are integers on the wire and are truncated. Unsupported values are
// written as an empty variant body, or not at all when the variant is
// unknown.
func (m Metric) appendProto(b []byte) []byte {
	switch v := m.Get().(type) {
	case Gauge:
		b = codec.AppendVarint(b, fieldMetricGauge, uint64(v))
	case Counter:
		b = codec.AppendVarint(b, fieldMetricCount, uint64(v))
	case Duration:
		b = codec.AppendVarint(b, fieldMetricTime, uint64(v))
	case Histogram:
		body := codec.AppendVarint(nil, fieldHistogramSum, uint64(v.Sum))
		body = codec.AppendVarint(body, fieldHistogramCount, uint64(v.Count))
		for _, bucket := range v.Buckets {
			entry := codec.AppendVarint(nil, fieldBucketCount, uint64(bucket.Count))
			entry = codec.AppendVarint(entry, fieldBucketLe, uint64(bucket.UpperBound))
			body = codec.AppendMessage(body, fieldHistogramBuckets, entry)
		}
		b = codec.AppendMessage(b, fieldMetricHistogram, body)
	case Unsupported:
		switch v.Variant {
		case variantPercentiles:
			b = codec.AppendMessage(b, fieldMetricPercentiles, nil)
		case variantTimeSerie:
			b = codec.AppendMessage(b, fieldMetricTimeSerie, nil)
		}
	}
	return b
}

// unmarshalProto decodes a FilteredMetrics message. As with any protobuf
// oneof, the last variant on the wire wins.
func (m *Metric) unmarshalProto(b []byte) error {
	m.Value = Unsupported{}
	return codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldMetricGauge:
			m.Value = Gauge(int64(f.Varint))
		case fieldMetricCount:
			m.Value = Counter(int64(f.Varint))
		case fieldMetricTime:
			m.Value = Duration(int64(f.Varint))
		case fieldMetricPercentiles:
			m.Value = Unsupported{Variant: variantPercentiles}
		case fieldMetricTimeSerie:
			m.Value = Unsupported{Variant: variantTimeSerie}
		case fieldMetricHistogram:
			h, err := decodeHistogram(f.Bytes)
			if err != nil {
				return fmt.Errorf("histogram: %w", err)
			}
			m.Value = h
		}
		return nil
	})
}

func decodeHistogram(b []byte) (Histogram, error) {
	var h Histogram
	err := codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldHistogramSum:
			h.Sum = float64(f.Varint)
		case fieldHistogramCount:
			h.Count = int64(f.Varint)
		case fieldHistogramBuckets:
			var bucket Bucket
			err := codec.RangeFields(f.Bytes, func(f codec.Field) error {
				switch f.Num {
				case fieldBucketCount:
					bucket.Count = int64(f.Varint)
				case fieldBucketLe:
					bucket.UpperBound = float64(f.Varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.Buckets = append(h.Buckets, bucket)
		}
		return nil
	})
	return h, err
}
