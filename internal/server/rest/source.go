package rest

import (
	"context"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport"
)

// Source is the subset of transport.Session used by the REST handlers.
// Defining an interface allows handlers to be tested without a live proxy
// command socket.
type Source interface {
	// QueryMetrics returns a fresh snapshot of the proxy's metrics.
	QueryMetrics(ctx context.Context) (*metrics.Snapshot, error)

	// State reports the lifecycle state of the command channel.
	State() transport.State

	// Path returns the command socket path.
	Path() string
}
