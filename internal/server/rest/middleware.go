// Package rest serves the connector's HTTP API: the Prometheus scrape
// endpoint, health probes and the command channel status.
//
// # Authentication
//
// When a public key is configured, GET /metrics requires an RS256 bearer
// token:
//
//	Authorization: Bearer <compact-JWT>
//
// [JWTMiddleware] verifies the signature, the expiry and, when configured, the
// issuer and audience, then stores the verified [Claims] in the request
// context. On any failure it responds with HTTP 401 and a JSON error body and
// does not call the next handler. Health and status routes are never
// authenticated.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

// ─── Context key ─────────────────────────────────────────────────────────────

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified registered claims of a bearer token.
type Claims = jwt.RegisteredClaims

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns nil for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// ─── Public-key helper ───────────────────────────────────────────────────────

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

// ─── JWT middleware ──────────────────────────────────────────────────────────

// JWTOption customises [JWTMiddleware].
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	parserOpts []jwt.ParserOption
	logger     *slog.Logger
}

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(c *jwtConfig) {
		if iss != "" {
			c.parserOpts = append(c.parserOpts, jwt.WithIssuer(iss))
		}
	}
}

// WithAudience requires aud to appear in the "aud" claim.
func WithAudience(aud string) JWTOption {
	return func(c *jwtConfig) {
		if aud != "" {
			c.parserOpts = append(c.parserOpts, jwt.WithAudience(aud))
		}
	}
}

// WithJWTLogger sets the logger used to record authentication failures.
// When unset, slog.Default() is used.
func WithJWTLogger(l *slog.Logger) JWTOption {
	return func(c *jwtConfig) {
		c.logger = l
	}
}

// JWTMiddleware returns middleware that enforces RS256 bearer-token
// authentication against pub.
func JWTMiddleware(pub *rsa.PublicKey, opts ...JWTOption) func(http.Handler) http.Handler {
	cfg := jwtConfig{
		parserOpts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithLeeway(5 * time.Second),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	parser := jwt.NewParser(cfg.parserOpts...)
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				cfg.logger.WarnContext(r.Context(), "jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate extracts the bearer token from r and verifies it.
func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

// ─── Access log ──────────────────────────────────────────────────────────────

// AccessLog logs one line per request and counts it in m. m may be nil.
func AccessLog(logger *slog.Logger, m *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.observe(status)

			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// writeJSONError writes an HTTP error response with a JSON body of the form
// {"error": detail}.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}
