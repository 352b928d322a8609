package frontend

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/arboras/mcpbridge/internal/router"
)

type echoDispatch struct{}

func (echoDispatch) Dispatch(sock router.Socket, frame []byte) []byte {
	out := append([]byte(nil), frame...)
	out = append(out, '\n')
	return out
}

type deferringDispatch struct {
	sock chan router.Socket
}

func (d deferringDispatch) Dispatch(sock router.Socket, frame []byte) []byte {
	d.sock <- sock
	return nil // deferred; caller replies later directly through sock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, d Dispatch) (*Server, net.Addr) {
	t.Helper()
	rtr := router.New()
	s := New("127.0.0.1:0", d, rtr, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
		if err != nil {
			t.Error(err)
			close(ready)
			return
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		close(ready)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			c := s.newConn(nc)
			go s.serveConn(ctx, c)
		}
	}()
	<-ready
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, s.Addr()
}

func TestServer_EchoesFrameWithNewline(t *testing.T) {
	s, addr := startServer(t, echoDispatch{})
	_ = s

	nc, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if _, err := nc.Write([]byte(`{"id":"1"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(nc)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != `{"id":"1"}`+"\n" {
		t.Errorf("unexpected echo: %q", line)
	}
}

func TestServer_BlankLinesAreSkipped(t *testing.T) {
	s, addr := startServer(t, echoDispatch{})
	_ = s

	nc, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if _, err := nc.Write([]byte("\n\n" + `{"id":"x"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(nc)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != `{"id":"x"}`+"\n" {
		t.Errorf("unexpected echo after blank lines: %q", line)
	}
}

func TestServer_OnSocketClose_DropsPending(t *testing.T) {
	socks := make(chan router.Socket, 1)
	rtr := router.New()
	s := New("127.0.0.1:0", deferringDispatch{sock: socks}, rtr, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
		if err != nil {
			t.Error(err)
			close(ready)
			return
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		close(ready)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			c := s.newConn(nc)
			go s.serveConn(ctx, c)
		}
	}()
	<-ready

	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if _, err := nc.Write([]byte(`{"id":"a","command":"toolcall"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sock router.Socket
	select {
	case sock = <-socks:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	rtr.BindCall("a", "a", sock, "svc")

	nc.Close()
	time.Sleep(100 * time.Millisecond)

	if _, ok := rtr.GetCall("a"); ok {
		t.Error("expected pending call to be dropped once the socket closed")
	}
}
