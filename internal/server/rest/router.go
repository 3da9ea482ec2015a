package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
)

// NewRouter returns a configured chi.Router for the connector.
//
// Route layout:
//
//	GET /healthz   – liveness probe (no authentication required)
//	GET /livez     – alias of /healthz
//	GET /readyz    – alias of /healthz
//	GET /status    – command channel state (no authentication required)
//	GET /metrics   – Prometheus scrape endpoint (JWT required when pubKey is set)
//
// Unknown routes answer 404 with a JSON error body.
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on
// /metrics. Pass nil to leave the endpoint open.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, jwtOpts ...JWTOption) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(srv.logger, srv.metrics))
	r.Use(middleware.Recoverer)

	r.NotFound(srv.handleNotFound)
	r.MethodNotAllowed(srv.handleMethodNotAllowed)

	// Probes – no authentication.
	r.Get("/healthz", srv.handleHealthz)
	r.Get("/livez", srv.handleHealthz)
	r.Get("/readyz", srv.handleHealthz)
	r.Get("/status", srv.handleStatus)

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			opts := append([]JWTOption{WithJWTLogger(srv.logger)}, jwtOpts...)
			r.Use(JWTMiddleware(pubKey, opts...))
		}
		if srv.compress {
			r.Use(gzipMiddleware)
		}

		r.Get("/metrics", srv.handleMetrics)
	})

	return r
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
