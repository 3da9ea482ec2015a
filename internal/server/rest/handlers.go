package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/exposition"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport"
)

// contentTypeText is the Prometheus text exposition content type.
const contentTypeText = "text/plain; version=0.0.4; charset=utf-8"

// healthyMessage is the body message of the probe endpoints.
const healthyMessage = "Everything is fine! 🚀"

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in handler
// functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	source   Source
	logger   *slog.Logger
	gatherer prometheus.Gatherer // nil when self metrics are not exposed
	metrics  *HTTPMetrics
	compress bool
}

// ServerOption customises a [Server].
type ServerOption func(*Server)

// WithLogger sets the logger used by handlers and the access log.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSelfMetrics prepends the families gathered from g to every /metrics
// response.
func WithSelfMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHTTPMetrics counts served requests in m.
func WithHTTPMetrics(m *HTTPMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCompression gzips /metrics responses for clients that accept it.
func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compress = enabled
	}
}

// NewServer creates a new Server reading metrics from source.
func NewServer(source Source, opts ...ServerOption) *Server {
	s := &Server{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleHealthz responds to GET /healthz, /livez and /readyz.
//
// These endpoints do not require authentication and return HTTP 200 with a
// simple JSON body. The caller's X-Request-Id is echoed back and X-Timestamp
// carries the server time in Unix seconds.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = middleware.GetReqID(r.Context())
	}
	if requestID != "" {
		w.Header().Set(middleware.RequestIDHeader, requestID)
	}
	w.Header().Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	writeJSON(w, http.StatusOK, map[string]string{"message": healthyMessage})
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	State         string `json:"state"`
	CommandSocket string `json:"command_socket"`
}

// handleStatus responds to GET /status with the state of the command channel.
// It never waits for an in-flight exchange.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:         s.source.State().String(),
		CommandSocket: s.source.Path(),
	})
}

// handleMetrics responds to GET /metrics.
//
// The proxy is queried on every request. The body is the connector's own
// metrics (when enabled) followed by the proxy's, both in the Prometheus text
// format. Returns HTTP 500 with a JSON error when the proxy could not be
// reached; a partial body is never sent.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.source.QueryMetrics(r.Context())
	if err != nil {
		msg := "failed to query proxy metrics"
		switch {
		case errors.Is(err, transport.ErrConnect):
			msg = "could not connect to the proxy"
		case errors.Is(err, transport.ErrExhausted):
			msg = "proxy did not answer the metrics query"
		}
		s.logger.ErrorContext(r.Context(), "could not retrieve proxy metrics",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	var body bytes.Buffer
	if s.gatherer != nil {
		if err := writeGathered(&body, s.gatherer); err != nil {
			s.logger.WarnContext(r.Context(), "could not gather connector metrics", slog.Any("error", err))
			body.Reset()
		}
	}
	body.WriteString(exposition.Render(snapshot))

	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

// handleNotFound responds to unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// handleMethodNotAllowed responds to known routes called with the wrong method.
func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeGathered renders every family gathered from g in the text format.
func writeGathered(buf *bytes.Buffer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			return err
		}
	}
	return nil
}
