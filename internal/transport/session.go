// Package transport talks to the proxy over its Unix command socket.
//
// # Channel
//
// A [Channel] carries length-prefixed protobuf frames (see package codec): the
// connector writes one [Request] and reads [Response] frames until the proxy
// answers with a final status. A "processing" reply is followed by more
// replies on the same channel without resending the request.
//
// # Session
//
// A [Session] owns at most one channel and serializes every exchange on it,
// so replies can never be attributed to the wrong request:
//
//	s := transport.New("/run/sozu/sozu.sock", logger,
//	    transport.WithMetrics(transport.NewMetrics(reg)))
//	defer s.Close()
//
//	snapshot, err := s.QueryMetrics(ctx)
//
// The channel is opened lazily and kept across calls. When an exchange fails
// the channel is dropped and recreated ("resurrected") up to a fixed number
// of times before the call gives up with [ErrExhausted]. If the very first
// open of a call fails the call ends immediately with [ErrConnect].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/codec"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
)

const (
	// DefaultMaxResurrections is how many times a failed channel is recreated
	// within one call.
	DefaultMaxResurrections = 3
	// DefaultMaxProcessingWaits bounds consecutive "processing" replies.
	DefaultMaxProcessingWaits = 16
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateDisconnected means no channel is open. Initial state.
	StateDisconnected State = iota
	// StateConnected means a channel is open and reusable.
	StateConnected
	// StateFailed means the last call exhausted its resurrections. The next
	// call starts over with a fresh open.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a [Session].
type Option func(*Session)

// WithDialer replaces the Unix socket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		s.dial = d
	}
}

// WithTimeout sets the per-frame receive timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxResurrections sets how many times a failed channel is recreated
// within one call. Zero disables resurrection.
func WithMaxResurrections(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxResurrections = n
		}
	}
}

// WithMaxProcessingWaits bounds how many "processing" replies are accepted
// for one request. Beyond that the exchange counts as a transport failure.
func WithMaxProcessingWaits(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxProcessingWaits = n
		}
	}
}

// WithMaxFrameSize bounds frames on channels opened by the default dialer.
// It has no effect when combined with [WithDialer].
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// WithQueryOptions sets the filters forwarded with every metrics query.
func WithQueryOptions(q QueryMetricsOptions) Option {
	return func(s *Session) {
		s.query = q
	}
}

// WithMetrics records the session's activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Session is a resilient, serialized client of the proxy command socket.
// Create one with [New]. It is safe for concurrent use.
type Session struct {
	path               string
	logger             *slog.Logger
	dial               Dialer
	timeout            time.Duration
	maxResurrections   int
	maxProcessingWaits int
	maxFrameSize       int
	query              QueryMetricsOptions
	metrics            *Metrics // nil when no instrumentation is requested

	// mu is held for a whole call, from open to final reply.
	mu   sync.Mutex
	conn Conn

	// state mirrors the lock-protected lifecycle for lock-free readers.
	state atomic.Int32
}

// New creates a Session for the command socket at path. No connection is
// made until the first [Session.QueryMetrics].
func New(path string, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		path:               path,
		logger:             logger,
		timeout:            DefaultTimeout,
		maxResurrections:   DefaultMaxResurrections,
		maxProcessingWaits: DefaultMaxProcessingWaits,
		maxFrameSize:       codec.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = UnixDialer(s.maxFrameSize)
	}
	return s
}

// Path returns the command socket path.
func (s *Session) Path() string {
	return s.path
}

// State returns the current lifecycle state without waiting for an
// in-flight call.
func (s *Session) State() State {
	return State(s.state.Load())
}

// QueryMetrics asks the proxy for its metrics.
//
// Calls are serialized; a call waits for any in-flight exchange to finish.
// Cancelling ctx does not interrupt an exchange once it has started, so the
// channel is never left with an unread reply.
//
// The returned error wraps [ErrConnect] when the first open of this call
// failed, or [ErrExhausted] when every resurrection failed. On success the
// channel stays open for the next call.
func (s *Session) QueryMetrics(ctx context.Context) (*metrics.Snapshot, error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	logger := s.logger.With(slog.String("exchange_id", uuid.NewString()))

	var (
		snapshot *metrics.Snapshot
		attempts int
	)

	op := func() error {
		first := attempts == 0
		attempts++

		if s.conn == nil {
			conn, err := s.dial(s.path)
			if err != nil {
				s.metrics.exchangeFailed("transport")
				if first {
					return backoff.Permanent(fmt.Errorf("%w %s: %w", ErrConnect, s.path, err))
				}
				return err
			}
			s.conn = conn
			s.setState(StateConnected)
		}

		snap, err := s.exchange(ctx, logger, s.conn)
		if err != nil {
			s.metrics.exchangeFailed(failureReason(err))
			s.dropConn(ctx)
			return err
		}
		snapshot = snap
		return nil
	}

	notify := func(err error, _ time.Duration) {
		s.metrics.resurrected()
		logger.WarnContext(ctx, "Recreating the channel",
			slog.Int("retry", attempts),
			slog.String("socket", s.path),
			slog.Any("error", err),
		)
	}

	policy := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(s.maxResurrections))
	err := backoff.RetryNotify(op, policy, notify)

	switch {
	case err == nil:
		s.metrics.exchangeDone(resultOK, time.Since(start))
		return snapshot, nil
	case errors.Is(err, ErrConnect):
		s.setState(StateDisconnected)
		s.metrics.exchangeDone(resultConnectError, time.Since(start))
		logger.ErrorContext(ctx, "could not connect to the proxy",
			slog.String("socket", s.path),
			slog.Any("error", err),
		)
		return nil, err
	default:
		s.setState(StateFailed)
		s.metrics.exchangeDone(resultExhausted, time.Since(start))
		logger.ErrorContext(ctx, "giving up on the command channel",
			slog.String("socket", s.path),
			slog.Int("resurrections", attempts-1),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w after %d resurrections: %w", ErrExhausted, attempts-1, err)
	}
}

// exchange sends one query and reads replies until a final status.
func (s *Session) exchange(ctx context.Context, logger *slog.Logger, conn Conn) (*metrics.Snapshot, error) {
	logger.DebugContext(ctx, "writing metrics request on the command channel")
	if err := conn.Send(NewQueryMetricsRequest(s.query)); err != nil {
		return nil, err
	}

	waits := 0
	for {
		resp, err := conn.Receive(s.timeout)
		if err != nil {
			return nil, err
		}
		switch resp.Status {
		case StatusProcessing:
			waits++
			logger.DebugContext(ctx, "proxy is processing the request", slog.Int("waits", waits))
			if waits > s.maxProcessingWaits {
				return nil, fmt.Errorf("%w: still processing after %d replies", ErrTransport, waits)
			}
		case StatusFailure:
			return nil, &ProtocolError{Message: resp.Message}
		case StatusOk:
			if resp.Content == nil || resp.Content.Metrics == nil {
				return nil, fmt.Errorf("%w: ok reply carries no metrics", ErrMalformedResponse)
			}
			return resp.Content.Metrics, nil
		default:
			return nil, fmt.Errorf("%w: unknown status %s", ErrMalformedResponse, resp.Status)
		}
	}
}

// Close closes the open channel, if any. The session can still be used
// afterwards; the next call reopens.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.setState(StateDisconnected)
	return err
}

// dropConn discards a channel after a failed exchange. Must hold s.mu.
func (s *Session) dropConn(ctx context.Context) {
	if err := s.conn.Close(); err != nil {
		s.logger.DebugContext(ctx, "closing failed channel", slog.Any("error", err))
	}
	s.conn = nil
	s.setState(StateDisconnected)
}

// setState must be called with s.mu held.
func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.setConnected(st == StateConnected)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrProtocolFailure):
		return "protocol"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "transport"
	}
}
