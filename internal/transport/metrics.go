package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the connector's own instrumentation of the control channel.
//
// Metric catalogue:
//
//	connector_exchanges_total{result}          counter: query_metrics calls by result (ok, connect_error, exhausted)
//	connector_resurrections_total              counter: channels recreated after a failed exchange
//	connector_exchange_failures_total{reason}  counter: failed exchanges by reason (transport, protocol, malformed)
//	connector_connected                        gauge:   1 while a channel is open
//	connector_exchange_duration_seconds        histogram: wall time of a query_metrics call
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Exchanges        *prometheus.CounterVec
	Resurrections    prometheus.Counter
	ExchangeFailures *prometheus.CounterVec
	Connected        prometheus.Gauge
	ExchangeDuration prometheus.Histogram
}

// Exchange results.
const (
	resultOK           = "ok"
	resultConnectError = "connect_error"
	resultExhausted    = "exhausted"
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_exchanges_total",
			Help: "Total number of metrics queries sent to the proxy, by result.",
		}, []string{"result"}),
		Resurrections: f.NewCounter(prometheus.CounterOpts{
			Name: "connector_resurrections_total",
			Help: "Total number of times the command channel was recreated after a failure.",
		}),
		ExchangeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_exchange_failures_total",
			Help: "Total number of failed exchanges on the command channel, by reason.",
		}, []string{"reason"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "connector_connected",
			Help: "1 when a command channel to the proxy is open, 0 otherwise.",
		}),
		ExchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "connector_exchange_duration_seconds",
			Help:    "Wall time of a metrics query including resurrections.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ── nil-safe helpers ────────────────────────────────────────────────────────

func (m *Metrics) exchangeDone(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(result).Inc()
	m.ExchangeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) exchangeFailed(reason string) {
	if m == nil {
		return
	}
	m.ExchangeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) resurrected() {
	if m == nil {
		return
	}
	m.Resurrections.Inc()
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
