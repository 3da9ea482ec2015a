package rest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics counts requests served by the connector.
//
//	connector_http_requests_total{code}  counter: responses by status code
//
// A nil *HTTPMetrics is valid and records nothing.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
}

// NewHTTPMetrics creates the collectors and registers them with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	return &HTTPMetrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "connector_http_requests_total",
			Help: "Total number of HTTP requests served by the connector, by status code.",
		}, []string{"code"}),
	}
}

func (m *HTTPMetrics) observe(status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(strconv.Itoa(status)).Inc()
}
