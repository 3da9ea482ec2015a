package transport

import (
	"errors"
	"fmt"
)

// Errors returned by [Session.QueryMetrics]. Both wrap the last underlying
// failure, so callers can still inspect it with errors.Is or errors.As.
var (
	// ErrConnect means the first attempt of a call could not open the
	// control socket.
	ErrConnect = errors.New("transport: could not connect to the proxy command socket")
	// ErrExhausted means every resurrection was spent without a metrics reply.
	ErrExhausted = errors.New("transport: resurrection budget exhausted")
)

// Errors describing a single failed exchange.
var (
	// ErrTransport covers I/O failures: dial, write, read, timeouts, a closed
	// peer or an oversized frame.
	ErrTransport = errors.New("transport: channel failure")
	// ErrProtocolFailure is matched by every [*ProtocolError].
	ErrProtocolFailure = errors.New("transport: proxy reported a failure")
	// ErrMalformedResponse means a reply had no or an unknown status, or an
	// ok reply did not carry metrics.
	ErrMalformedResponse = errors.New("transport: malformed response")
)

// ProtocolError is a failure status reported by the proxy. Message is kept
// verbatim.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: proxy reported a failure: %s", e.Message)
}

// Unwrap lets errors.Is(err, ErrProtocolFailure) match.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolFailure
}
