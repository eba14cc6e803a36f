// Package enginetest provides a fake engine for testing clients of the
// external module protocol.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/channel"
	"github.com/creachadair/taskgroup"
)

// An Engine is the engine end of one client connection. Lines from the client
// are buffered as they arrive, so the client is never blocked by a test that
// has not yet read them.
type Engine struct {
	ch    extmod.Channel
	lines chan string
	pump  *taskgroup.Single[error]

	μ   sync.Mutex
	err error // set when lines is closed
}

// New constructs an engine that exchanges lines over ch.
func New(ch extmod.Channel) *Engine {
	e := &Engine{ch: ch, lines: make(chan string, 256)}
	e.pump = taskgroup.Go(func() error {
		defer close(e.lines)
		for {
			line, err := ch.Recv()
			if err != nil {
				e.μ.Lock()
				e.err = err
				e.μ.Unlock()
				return nil
			}
			e.lines <- line
		}
	})
	return e
}

// Send sends a line to the client.
func (e *Engine) Send(line string) error { return e.ch.Send(line) }

// Next returns the next line received from the client. It reports an error if
// ctx ends first, or if the client closed the connection.
func (e *Engine) Next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-e.lines:
		if !ok {
			e.μ.Lock()
			defer e.μ.Unlock()
			return "", e.err
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Expect reads the next line from the client and reports an error if it is
// not equal to want.
func (e *Engine) Expect(ctx context.Context, want string) error {
	got, err := e.Next(ctx)
	if err != nil {
		return fmt.Errorf("expecting %q: %w", want, err)
	} else if got != want {
		return fmt.Errorf("got line %q, want %q", got, want)
	}
	return nil
}

// NextTag reads lines from the client, discarding any whose verb tag is not
// tag, and returns the first line that matches.
func (e *Engine) NextTag(ctx context.Context, tag string) (string, error) {
	for {
		line, err := e.Next(ctx)
		if err != nil {
			return "", fmt.Errorf("waiting for %q: %w", tag, err)
		}
		if got, _, _ := strings.Cut(line, ":"); got == tag {
			return line, nil
		}
	}
}

// NextMessage reads lines from the client until it receives a dispatched
// message, and returns it decoded.
func (e *Engine) NextMessage(ctx context.Context) (*extmod.Message, error) {
	line, err := e.NextTag(ctx, "%%>message")
	if err != nil {
		return nil, err
	}
	return extmod.ParseMessage(line, false)
}

// Close closes the connection to the client and waits for the receive
// buffer to drain.
func (e *Engine) Close() error {
	err := e.ch.Close()
	for range e.lines {
		// discard unread lines so the pump can exit
	}
	e.pump.Wait()
	return err
}

// Dialer hands out the client ends of in-memory connections, for use as
// [extmod.Options.Dial], and delivers the engine ends to Accept.
type Dialer struct {
	engines chan *Engine

	μ    sync.Mutex
	fail int
}

// NewDialer constructs a new, empty Dialer.
func NewDialer() *Dialer { return &Dialer{engines: make(chan *Engine, 16)} }

// Dial implements [extmod.Dialer].
func (d *Dialer) Dial(ctx context.Context) (extmod.Channel, error) {
	d.μ.Lock()
	if d.fail > 0 {
		d.fail--
		d.μ.Unlock()
		return nil, errors.New("connection refused")
	}
	d.μ.Unlock()

	client, engine := channel.Direct()
	select {
	case d.engines <- New(engine):
		return client, nil
	case <-ctx.Done():
		client.Close()
		engine.Close()
		return nil, ctx.Err()
	}
}

// FailNext causes the next n calls to Dial to fail.
func (d *Dialer) FailNext(n int) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.fail = n
}

// Accept returns the engine end of the next connection dialed.
func (d *Dialer) Accept(ctx context.Context) (*Engine, error) {
	select {
	case e := <-d.engines:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// An Accepter accepts client connections.
type Accepter interface {
	Accept(context.Context) (*Engine, error)
}

// Loop accepts connections from acc and runs serve for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running engines are closed. When acc closes, the
// loop waits for running engines to exit before returning.
func Loop(ctx context.Context, acc Accepter, serve func(context.Context, *Engine) error) error {
	g := taskgroup.New(nil)
	for {
		e, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			defer e.Close()

			go func() { <-sctx.Done(); e.ch.Close() }()
			return serve(sctx, e)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (*Engine, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return New(channel.IO(conn, conn)), nil
}
