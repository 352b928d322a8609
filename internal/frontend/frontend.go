// Package frontend accepts plain TCP connections from clients and feeds each
// newline-delimited JSON request frame to the dispatcher, writing back
// whatever synchronous reply it produces. Deferred replies (spawn, toolcall)
// are written later by the dispatcher's event-consuming loop through the
// same per-connection Socket, per spec.md §4.
package frontend

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arboras/mcpbridge/internal/router"
)

// IdleTimeout closes a client connection after this long without a request
// frame, per spec.md §4's "a socket that has sent nothing for 120 s is
// closed."
const IdleTimeout = 120 * time.Second

// maxFrameSize bounds a single request line to guard against an unbounded
// client write filling memory before a newline ever arrives.
const maxFrameSize = 4 << 20 // 4 MiB

// Dispatch is the surface the server needs from the dispatcher: parse and
// route one frame, returning the reply bytes to write back, or nil when the
// reply is deferred.
type Dispatch interface {
	Dispatch(sock router.Socket, frame []byte) []byte
}

// Server listens for client connections and drives each one through a
// Dispatch. It implements router.Socket writing for every open connection,
// so the dispatcher's event-consuming loop can also call WriteFrame for
// deferred replies via whatever Socket value it was handed at bind time.
type Server struct {
	addr     string
	dispatch Dispatch
	rtr      *router.Router
	log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
}

// New creates a Server listening on addr (host:port). It does not start
// listening until Serve is called.
func New(addr string, dispatch Dispatch, rtr *router.Router, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		dispatch: dispatch,
		rtr:      rtr,
		log:      log,
		conns:    make(map[*conn]struct{}),
	}
}

// Serve opens the listener and accepts connections until ctx is cancelled or
// an unrecoverable Accept error occurs. It blocks.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("frontend listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		c := s.newConn(nc)
		go s.serveConn(ctx, c)
	}
}

// Addr returns the listener's bound address. Only valid after Serve has
// started (useful for tests that bind port 0).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections and closes every open one.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.nc.Close()
	}
	return nil
}

func (s *Server) newConn(nc net.Conn) *conn {
	c := &conn{nc: nc, w: bufio.NewWriter(nc)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Server) forgetConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serveConn reads newline-delimited frames from nc until EOF, idle timeout,
// or an oversized line, dispatching each to s.dispatch and writing back any
// synchronous reply.
func (s *Server) serveConn(ctx context.Context, c *conn) {
	defer func() {
		s.forgetConn(c)
		s.rtr.OnSocketClose(c)
		c.nc.Close()
	}()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for {
		_ = c.nc.SetReadDeadline(time.Now().Add(IdleTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		// Copy: scanner reuses its buffer on the next Scan call, but the
		// dispatcher may retain frame bytes in a deferred reply closure.
		frame := append([]byte(nil), line...)

		reply := s.dispatch.Dispatch(c, frame)
		if reply == nil {
			continue // deferred: the event-consuming loop replies later
		}
		if err := c.WriteFrame(reply); err != nil {
			return
		}
	}
}

// conn adapts a net.Conn into a router.Socket, serializing writes from both
// the connection's own read loop and the dispatcher's event-consuming loop.
type conn struct {
	nc net.Conn
	mu sync.Mutex
	w  *bufio.Writer
}

// WriteFrame writes data followed by a newline and flushes. Safe for
// concurrent use.
func (c *conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
