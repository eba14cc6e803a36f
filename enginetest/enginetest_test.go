// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package enginetest_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/channel"
	"github.com/creachadair/extmod/enginetest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a net.Conn whose reads report EOF and whose writes are
// discarded.
type fakeConn struct{ net.Conn }

func (fakeConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (fakeConn) Close() error                { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := enginetest.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			e, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, err := e.Next(t.Context()); !errors.Is(err, io.EOF) {
				t.Errorf("Next: got %v, want %v", err, io.EOF)
			}
			e.Close()

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := enginetest.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			e, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", e)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestEngine(t *testing.T) {
	defer leaktest.Check(t)()

	client, engine := channel.Direct()
	e := enginetest.New(engine)
	defer e.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	for _, line := range []string{"%%>setlocal:id:x", "%%>watch:a", "%%>message:1.1:1:a:"} {
		if err := client.Send(line); err != nil {
			t.Fatalf("Send %q: %v", line, err)
		}
	}
	if err := e.Expect(ctx, "%%>setlocal:id:x"); err != nil {
		t.Errorf("Expect: %v", err)
	}
	m, err := e.NextMessage(ctx)
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	if m.ID != "1.1" || m.Name != "a" {
		t.Errorf("NextMessage: got %v, want ID 1.1 name a", m)
	}

	t.Run("Timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if line, err := e.Next(tctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Next: got (%q, %v), want %v", line, err, context.DeadlineExceeded)
		}
	})

	if err := e.Send("%%<message:1.1:true:a:ok"); err != nil {
		t.Fatalf("Engine send: %v", err)
	}
	if got, err := client.Recv(); err != nil || got != "%%<message:1.1:true:a:ok" {
		t.Errorf("Client recv: got (%q, %v)", got, err)
	}

	client.Close()
	if _, err := e.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next after close: got %v, want %v", err, io.EOF)
	}
}

func TestDialer(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	d := enginetest.NewDialer()
	d.FailNext(1)
	if ch, err := d.Dial(ctx); err == nil {
		t.Errorf("Dial: got %v, want error", ch)
	}

	ch, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: unexpected error: %v", err)
	}
	e, err := d.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}
	if err := ch.Send("%%>output:hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := e.Expect(ctx, "%%>output:hello"); err != nil {
		t.Error(err)
	}
	ch.Close()
	e.Close()
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// Each engine answers every dispatched message with its own name.
	loop := taskgroup.Go(func() error {
		return enginetest.Loop(ctx, enginetest.NetAccepter(lst), answerAll)
	})
	t.Log("Started engine loop...")

	host, port, _ := net.SplitHostPort(addr)
	portNum, _ := strconv.Atoi(port)

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			c, err := extmod.New(extmod.Options{Host: host, Port: portNum, NoReconnect: true})
			if err != nil {
				return err
			}
			c.Detach().Connect(0)
			for j := range numCalls {
				rsp, err := c.Call(ctx, "test.echo", nil)
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				} else if rsp.Retval != "test.echo" {
					t.Errorf("Call %d: got %q, want %q", j+1, rsp.Retval, "test.echo")
				}
			}
			return c.Close()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func answerAll(ctx context.Context, e *enginetest.Engine) error {
	for {
		m, err := e.NextMessage(ctx)
		if err != nil {
			return nil
		}
		if err := e.Send("%%<message:" + m.ID + ":true:" + m.Name + ":" + m.Name); err != nil {
			return err
		}
	}
}
