package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/codec"
)

const (
	// DefaultTimeout bounds a single Receive.
	DefaultTimeout = 5 * time.Second

	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Conn is a duplex, frame-oriented connection to the proxy. [*Channel] is the
// production implementation; tests substitute their own through [WithDialer].
type Conn interface {
	Send(req *Request) error
	Receive(timeout time.Duration) (*Response, error)
	Close() error
}

// Dialer opens a [Conn] to the command socket at path.
type Dialer func(path string) (Conn, error)

// Channel is an open connection to the proxy command socket. It is not safe
// for concurrent use; [Session] serializes access.
type Channel struct {
	conn         net.Conn
	maxFrameSize int
}

// Open dials the Unix socket at path. maxFrameSize bounds frames in both
// directions; zero selects [codec.DefaultMaxFrameSize].
func Open(path string, maxFrameSize int) (*Channel, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, path, err)
	}
	return &Channel{conn: conn, maxFrameSize: maxFrameSize}, nil
}

// UnixDialer returns a [Dialer] that opens a [*Channel] with the given frame
// limit.
func UnixDialer(maxFrameSize int) Dialer {
	return func(path string) (Conn, error) {
		return Open(path, maxFrameSize)
	}
}

// Send writes req as one frame.
func (c *Channel) Send(req *Request) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}
	if err := codec.WriteFrame(c.conn, req, c.maxFrameSize); err != nil {
		return fmt.Errorf("%w: send request: %w", ErrTransport, err)
	}
	return nil
}

// Receive blocks until one whole response frame is read or timeout elapses.
// A non-positive timeout selects [DefaultTimeout].
func (c *Channel) Receive(timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %w", ErrTransport, err)
	}

	var resp Response
	if err := codec.ReadFrame(c.conn, &resp, c.maxFrameSize); err != nil {
		return nil, fmt.Errorf("%w: receive: %w", ErrTransport, err)
	}
	return &resp, nil
}

// Close closes the underlying socket.
func (c *Channel) Close() error {
	return c.conn.Close()
}
