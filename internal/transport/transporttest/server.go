// Package transporttest provides a scripted stand-in for the proxy command
// socket.
//
// A [Server] listens on a Unix socket and answers each request frame by
// consuming steps from a shared script, across connections, in order:
//
//	srv := transporttest.NewServer(t,
//	    transporttest.Processing(),
//	    transporttest.OK(snapshot),
//	)
//	s := transport.New(srv.Path, logger)
//
// When the script runs out the fallback step is used (by default [Drop]).
package transporttest

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/codec"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport"
)

type stepKind int

const (
	stepReply stepKind = iota
	stepDrop
	stepHang
)

// Step is one scripted reaction to a request.
type Step struct {
	kind stepKind
	resp transport.Response
}

// final reports whether the step ends the handling of a request.
func (s Step) final() bool {
	return s.kind != stepReply || s.resp.Status != transport.StatusProcessing
}

// Processing replies with a "processing" status; the next step answers the
// same request.
func Processing() Step {
	return Step{resp: transport.Response{Status: transport.StatusProcessing}}
}

// Failure replies with a failure status carrying message.
func Failure(message string) Step {
	return Step{resp: transport.Response{Status: transport.StatusFailure, Message: message}}
}

// OK replies with the given snapshot.
func OK(s *metrics.Snapshot) Step {
	return Step{resp: transport.Response{
		Status:  transport.StatusOk,
		Content: &transport.Content{Metrics: s},
	}}
}

// Reply sends resp as is.
func Reply(resp transport.Response) Step {
	return Step{resp: resp}
}

// Drop closes the connection without replying.
func Drop() Step {
	return Step{kind: stepDrop}
}

// Hang never replies and keeps the connection open until the client leaves.
func Hang() Step {
	return Step{kind: stepHang}
}

// Server is a fake proxy command socket.
type Server struct {
	// Path is the Unix socket the server listens on.
	Path string

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	script   []Step
	fallback Step
	requests []transport.Request
	accepted int
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer starts a server in a fresh directory. It is shut down when the
// test ends.
func NewServer(t testing.TB, steps ...Step) *Server {
	t.Helper()

	// t.TempDir paths can exceed the Unix socket path limit.
	dir, err := os.MkdirTemp("", "sozu")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen on %s: %v", path, err)
	}

	s := &Server{
		Path:     path,
		listener: ln,
		script:   steps,
		fallback: Drop(),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Push appends steps to the script.
func (s *Server) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, steps...)
}

// SetFallback sets the step used once the script is empty.
func (s *Server) SetFallback(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = step
}

// Requests returns every request received so far.
func (s *Server) Requests() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Request(nil), s.requests...)
}

// Connections returns how many connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the listener, closes open connections and waits for their
// handlers. Safe to call more than once.
func (s *Server) Close() {
	s.listener.Close()

	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.accepted++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		var req transport.Request
		if err := codec.ReadFrame(conn, &req, 0); err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		for {
			step := s.next()
			switch step.kind {
			case stepDrop:
				return
			case stepHang:
				io.Copy(io.Discard, conn)
				return
			}

			resp := step.resp
			if err := codec.WriteFrame(conn, &resp, 0); err != nil {
				return
			}
			if step.final() {
				break
			}
		}
	}
}

func (s *Server) next() Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return s.fallback
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step
}
