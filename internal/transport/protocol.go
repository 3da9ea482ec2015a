package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/codec"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
)

// Field numbers of the proxy command messages used by the connector.
const (
	// fieldRequestQueryMetrics is the query_metrics member of the
	// Request.request_type oneof.
	fieldRequestQueryMetrics protowire.Number = 38

	fieldOptionsList        protowire.Number = 1
	fieldOptionsClusterIDs  protowire.Number = 2
	fieldOptionsBackendIDs  protowire.Number = 3
	fieldOptionsMetricNames protowire.Number = 4
	fieldOptionsNoClusters  protowire.Number = 5
	fieldOptionsWorkers     protowire.Number = 6

	fieldResponseStatus  protowire.Number = 1
	fieldResponseMessage protowire.Number = 2
	fieldResponseContent protowire.Number = 3

	// fieldContentMetrics is the metrics (AggregatedMetrics) member of the
	// ResponseContent.content_type oneof.
	fieldContentMetrics protowire.Number = 2
)

// Status is the outcome carried by a [Response].
type Status int32

const (
	// StatusOk carries the requested content.
	StatusOk Status = 0
	// StatusProcessing means the proxy is still gathering data; the final
	// answer follows on the same channel.
	StatusProcessing Status = 1
	// StatusFailure carries an error message from the proxy.
	StatusFailure Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusProcessing:
		return "processing"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// QueryMetricsOptions narrows what the proxy reports. The connector forwards
// it as configured and never interprets the filters itself.
type QueryMetricsOptions struct {
	List        bool
	ClusterIDs  []string
	BackendIDs  []string
	MetricNames []string
	NoClusters  bool
	Workers     bool
}

func (o *QueryMetricsOptions) appendProto(b []byte) []byte {
	b = codec.AppendBool(b, fieldOptionsList, o.List)
	for _, id := range o.ClusterIDs {
		b = codec.AppendString(b, fieldOptionsClusterIDs, id)
	}
	for _, id := range o.BackendIDs {
		b = codec.AppendString(b, fieldOptionsBackendIDs, id)
	}
	for _, name := range o.MetricNames {
		b = codec.AppendString(b, fieldOptionsMetricNames, name)
	}
	b = codec.AppendBool(b, fieldOptionsNoClusters, o.NoClusters)
	return codec.AppendBool(b, fieldOptionsWorkers, o.Workers)
}

func (o *QueryMetricsOptions) unmarshalProto(b []byte) error {
	return codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldOptionsList:
			o.List = f.Varint != 0
		case fieldOptionsClusterIDs:
			o.ClusterIDs = append(o.ClusterIDs, string(f.Bytes))
		case fieldOptionsBackendIDs:
			o.BackendIDs = append(o.BackendIDs, string(f.Bytes))
		case fieldOptionsMetricNames:
			o.MetricNames = append(o.MetricNames, string(f.Bytes))
		case fieldOptionsNoClusters:
			o.NoClusters = f.Varint != 0
		case fieldOptionsWorkers:
			o.Workers = f.Varint != 0
		}
		return nil
	})
}

// Request is one command sent over the control channel. The connector only
// ever sends metrics queries; QueryMetrics is nil for any other command.
type Request struct {
	QueryMetrics *QueryMetricsOptions
}

// NewQueryMetricsRequest builds a metrics query.
func NewQueryMetricsRequest(opts QueryMetricsOptions) *Request {
	return &Request{QueryMetrics: &opts}
}

// AppendProto implements [codec.Marshaler].
func (r *Request) AppendProto(b []byte) []byte {
	if r.QueryMetrics == nil {
		return b
	}
	return codec.AppendMessage(b, fieldRequestQueryMetrics, r.QueryMetrics.appendProto(nil))
}

// UnmarshalProto implements [codec.Unmarshaler].
func (r *Request) UnmarshalProto(b []byte) error {
	*r = Request{}
	return codec.RangeFields(b, func(f codec.Field) error {
		if f.Num != fieldRequestQueryMetrics {
			return nil
		}
		r.QueryMetrics = &QueryMetricsOptions{}
		return r.QueryMetrics.unmarshalProto(f.Bytes)
	})
}

// Content is the payload of an ok [Response]. Only metrics are understood;
// any other content leaves Metrics nil.
type Content struct {
	Metrics *metrics.Snapshot
}

// Response is one reply read from the control channel.
type Response struct {
	Status  Status
	Message string
	Content *Content
}

// AppendProto implements [codec.Marshaler].
func (r *Response) AppendProto(b []byte) []byte {
	b = codec.AppendVarint(b, fieldResponseStatus, uint64(r.Status))
	b = codec.AppendString(b, fieldResponseMessage, r.Message)
	if r.Content != nil {
		var content []byte
		if r.Content.Metrics != nil {
			content = codec.AppendMessage(nil, fieldContentMetrics, r.Content.Metrics.AppendProto(nil))
		}
		b = codec.AppendMessage(b, fieldResponseContent, content)
	}
	return b
}

// UnmarshalProto implements [codec.Unmarshaler]. A reply without a status
// is rejected since the field is required.
func (r *Response) UnmarshalProto(b []byte) error {
	*r = Response{}
	hasStatus := false
	err := codec.RangeFields(b, func(f codec.Field) error {
		switch f.Num {
		case fieldResponseStatus:
			r.Status = Status(int32(f.Varint))
			hasStatus = true
		case fieldResponseMessage:
			r.Message = string(f.Bytes)
		case fieldResponseContent:
			r.Content = &Content{}
			return codec.RangeFields(f.Bytes, func(f codec.Field) error {
				if f.Num != fieldContentMetrics {
					return nil
				}
				r.Content.Metrics = &metrics.Snapshot{}
				return r.Content.Metrics.UnmarshalProto(f.Bytes)
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !hasStatus {
		return fmt.Errorf("%w: response without status", ErrMalformedResponse)
	}
	return nil
}
