// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides line transports for use with an extmod.Conn.
//
// Each implementation satisfies the extmod.Channel interface: it sends and
// receives whole protocol lines, without the trailing newline.
package channel

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
)

// maxLine is the longest line accepted from the engine.
const maxLine = 1 << 20

// directBuffer is the number of lines each direction of a Direct pair can
// hold before Send blocks.
const directBuffer = 64

// Direct constructs a connected pair of in-memory channels that pass lines
// without encoding. Lines sent to A are received by B and vice versa.
//
// Closing either end causes Send on both ends to fail. Lines already sent
// before the close remain available to Recv on the other end, after which it
// reports io.EOF.
func Direct() (A, B *DirectChannel) {
	a2b := make(chan string, directBuffer)
	b2a := make(chan string, directBuffer)
	aDone := &closer{ch: make(chan struct{})}
	bDone := &closer{ch: make(chan struct{})}
	A = &DirectChannel{out: a2b, in: b2a, self: aDone, peer: bDone}
	B = &DirectChannel{out: b2a, in: a2b, self: bDone, peer: aDone}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

func (c *closer) close() { c.once.Do(func() { close(c.ch) }) }

// A DirectChannel is one end of an in-memory channel pair.
type DirectChannel struct {
	out  chan<- string
	in   <-chan string
	self *closer
	peer *closer
}

// Send implements a method of the [extmod.Channel] interface.
func (d *DirectChannel) Send(line string) error {
	select {
	case <-d.self.ch:
		return net.ErrClosed
	case <-d.peer.ch:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- line:
		return nil
	case <-d.self.ch:
		return net.ErrClosed
	case <-d.peer.ch:
		return net.ErrClosed
	}
}

// Recv implements a method of the [extmod.Channel] interface.
func (d *DirectChannel) Recv() (string, error) {
	select {
	case line := <-d.in:
		return line, nil
	case <-d.self.ch:
		return "", net.ErrClosed
	case <-d.peer.ch:
		// Deliver anything sent before the peer closed.
		select {
		case line := <-d.in:
			return line, nil
		default:
			return "", io.EOF
		}
	}
}

// Close implements a method of the [extmod.Channel] interface.
func (d *DirectChannel) Close() error { d.self.close(); return nil }

// IO constructs a channel that receives lines from r and sends to wc.
// If r also implements io.Closer, it is closed along with wc.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLine)
	ch := &IOChannel{s: s, w: bufio.NewWriter(wc), c: []io.Closer{wc}}
	if rc, ok := r.(io.Closer); ok && rc != io.Closer(wc) {
		ch.c = append(ch.c, rc)
	}
	return ch
}

// Stdio constructs a channel that receives from os.Stdin and sends to
// os.Stdout. This is how the engine talks to a module it launched itself.
//
// Standard input is copied by a background goroutine that lives until the
// input ends, so that Close does not wait for a pending read.
func Stdio() *IOChannel {
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, os.Stdin)
		pw.CloseWithError(err)
	}()
	return IO(pr, os.Stdout)
}

// Dial connects to the engine at the given network address and returns a
// channel for the connection. The network is "tcp" or "unix".
func Dial(ctx context.Context, network, address string) (*IOChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}

// An IOChannel sends and receives lines on a reader and a writer.
type IOChannel struct {
	s *bufio.Scanner

	μ sync.Mutex
	w *bufio.Writer
	c []io.Closer
}

// Send implements a method of the [extmod.Channel] interface.
func (c *IOChannel) Send(line string) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [extmod.Channel] interface.
// A trailing carriage return is removed along with the newline.
func (c *IOChannel) Recv() (string, error) {
	if !c.s.Scan() {
		if err := c.s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSuffix(c.s.Text(), "\r"), nil
}

// Close implements a method of the [extmod.Channel] interface.
func (c *IOChannel) Close() error {
	var first error
	for _, cl := range c.c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SplitAddress parses an address string to guess a network type and target.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
