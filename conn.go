// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/extmod/channel"
	"github.com/creachadair/extmod/param"
	"github.com/creachadair/extmod/wire"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Channel is a reliable ordered stream of protocol lines shared with the
// engine. Lines do not include the trailing newline.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the line to the engine.
	Send(line string) error

	// Receive the next available line from the engine. At the end of input,
	// Recv reports io.EOF.
	Recv() (string, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error.
	Close() error
}

// A Dialer opens a new channel to the engine. It should give up and report
// an error when ctx ends.
type Dialer func(ctx context.Context) (Channel, error)

// A Handler processes an incoming message the connection has subscribed to.
// The handler may read and modify m.Params, which are returned to the engine
// in the acknowledgment. The string it returns becomes the return value of
// the message. A handler can obtain its connection from ctx using
// ContextConn.
//
// If the handler reports an error or panics, the message is acknowledged as
// not processed, with its return value and parameters as they were received,
// discarding any changes the handler made, and the error is reported
// as an EventError carrying a *HandlerError.
type Handler func(ctx context.Context, m *Message) (string, error)

// A ReplyFunc receives the outcome of a dispatched message. On success, reply
// is the engine's answer, with its return value trimmed of surrounding
// whitespace. Otherwise reply is nil and err reports why.
type ReplyFunc func(reply *Message, err error)

// A LocalFunc receives the outcome of a parameter get or set.
type LocalFunc func(value string, err error)

// A WatchFunc receives a notification that a watched message was finalized.
// Notifications are read-only and are not acknowledged.
type WatchFunc func(m *Message)

// A LineLogger logs a line exchanged with the engine.
type LineLogger func(LineInfo)

// A LineInfo combines a line and a flag indicating whether the line was sent
// or received.
type LineInfo struct {
	Line string // the line, without its trailing newline
	Sent bool   // whether the line was sent (true) or received (false)
}

// String renders the line prefixed by ">" if it was sent or "<" if received.
func (l LineInfo) String() string { return value.Cond(l.Sent, ">", "<") + l.Line }

// State is the state of a connection.
type State byte

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state %d", byte(s))
	}
}

// EventType identifies a connection event.
type EventType byte

const (
	EventConnect    EventType = iota + 1 // the connection is established and reinstated
	EventConnecting                      // a socket connection attempt started
	EventDisconnect                      // the engine closed a socket connection
	EventError                           // see Event.Err
	EventWarning                         // a subscription or watch was rejected
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConnecting:
		return "connecting"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	default:
		return fmt.Sprintf("event %d", byte(e))
	}
}

// An Event reports a change in the connection or an asynchronous failure.
type Event struct {
	Type EventType
	Err  error // for EventError and EventWarning
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Type, e.Err)
	}
	return e.Type.String()
}

// Options configure a Conn. A zero Options selects pipe mode on the standard
// input and output of the process.
type Options struct {
	// Host and Port select a TCP socket connection. If Port is set and Host
	// is empty, the host is 127.0.0.1.
	Host string
	Port int

	// Path selects a UNIX socket connection. It takes precedence over Port.
	Path string

	// Dial, if set, selects socket mode and opens each connection, instead of
	// dialing Host, Port, or Path.
	Dial Dialer

	// Pipe, if set in pipe mode, is used instead of the standard input and
	// output.
	Pipe Channel

	// ReconnectTimeout is the delay before reconnecting after a socket
	// connection ends or fails, and the time allowed for each attempt.
	// If zero, it defaults to 500ms.
	ReconnectTimeout time.Duration

	// NoReconnect disables automatic reconnection. Pipe mode never
	// reconnects.
	NoReconnect bool

	// NoDecorate disables the structural transform of message parameters:
	// each parameter is exchanged as a string under its full dotted key.
	NoDecorate bool

	// Parameters are local parameters set on every connection.
	// Each name and value must be accepted by CheckLocal.
	Parameters map[string]any

	// Role, if set in socket mode, is announced to the engine before
	// anything else on each connection (for example "global").
	Role string

	// CallTimeout bounds the wait for the answer to a dispatch.
	// If zero, it defaults to 10s.
	CallTimeout time.Duration

	// Logger receives diagnostic logs. If nil, logs are discarded.
	Logger *zerolog.Logger
}

const (
	defaultHost             = "127.0.0.1"
	defaultReconnectTimeout = 500 * time.Millisecond
	defaultCallTimeout      = 10 * time.Second
	defaultTrackParam       = "extmod"

	// pipeStartDelay is how long a pipe connection waits after Connect
	// before it is treated as connected.
	pipeStartDelay = 100 * time.Millisecond
)

// A Conn is a client connection to the engine. Construct one with New, then
// call Connect to activate it.
//
// All callbacks (handlers, reply and local callbacks, watch listeners, and
// the event callback) are invoked one at a time on a single goroutine, in the
// order the triggering lines were received. The methods of a Conn are safe
// for concurrent use, and may be called from callbacks, except Close, Wait,
// and Call, which block on the callback goroutine.
type Conn struct {
	opts Options
	pipe bool
	dial Dialer
	log  zerolog.Logger

	ctx    context.Context // governs dials and handler contexts
	cancel context.CancelFunc
	work   chan func()   // callbacks for the dispatcher loop
	done   chan struct{} // closed when the dispatcher loop exits
	fin    sync.Once

	μ sync.Mutex

	tasks     *taskgroup.Group
	metrics   *connMetrics
	state     State
	closed    bool
	reconnect bool
	err       error   // terminal error reported by Wait
	ch        Channel // current transport, nil unless connected
	gen       uint64  // current transport generation
	timer     *time.Timer
	tgen      uint64 // current connect timer generation

	pnames  []string          // local parameter names in first-set order
	params  map[string]string // local parameter values
	queue   *queue.Queue[*Message]
	pending map[string]*pendingCall
	locals  map[string]LocalFunc
	subs    map[string]*subscription
	watches map[string]WatchFunc

	onEvent func(Event)
	llog    LineLogger
}

type pendingCall struct {
	name  string
	reply ReplyFunc
	timer *time.Timer
}

type subscription struct {
	priority    string
	filterKey   string
	filterValue string
	handler     Handler
}

func (s *subscription) installLine(name string) string {
	if s.filterKey == "" {
		return wire.Join(tagInstall, s.priority, name)
	}
	return wire.Join(tagInstall, s.priority, name, s.filterKey, s.filterValue)
}

// New constructs an inactive connection with the given options. It reports
// an error without side effects if any parameter in opts is invalid.
func New(opts Options) (*Conn, error) {
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = defaultReconnectTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:    opts,
		pipe:    opts.Dial == nil && opts.Port == 0 && opts.Path == "",
		dial:    opts.Dial,
		log:     zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		work:    make(chan func(), 64),
		done:    make(chan struct{}),
		metrics: rootMetrics,
		params:  make(map[string]string),
		queue:   queue.New[*Message](),
		pending: make(map[string]*pendingCall),
		locals:  make(map[string]LocalFunc),
		subs:    make(map[string]*subscription),
		watches: make(map[string]WatchFunc),
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	}
	c.reconnect = !opts.NoReconnect && !c.pipe
	if c.dial == nil {
		c.dial = c.defaultDial
	}

	c.setParamLocked("trackparam", defaultTrackParam)
	for _, name := range slices.Sorted(maps.Keys(opts.Parameters)) {
		v, err := CheckLocal(name, opts.Parameters[name])
		if err != nil {
			cancel()
			return nil, err
		}
		c.setParamLocked(name, v)
	}
	if c.pipe {
		c.setParamLocked("restart", "true")
	}
	return c, nil
}

func (c *Conn) defaultDial(ctx context.Context) (Channel, error) {
	var ch *channel.IOChannel
	var err error
	if c.opts.Path != "" {
		ch, err = channel.Dial(ctx, "unix", c.opts.Path)
	} else {
		ch, err = channel.Dial(ctx, "tcp", net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port)))
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Metrics returns a metrics map for the connection. It is safe for the caller
// to add additional metrics to the map while the connection is active.
func (c *Conn) Metrics() *expvar.Map {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.metrics.emap
}

// Detach detaches c from the global metrics, so that it thereafter records
// its own. Detach must be called before Connect. It returns c to permit
// chaining.
func (c *Conn) Detach() *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.metrics = newConnMetrics()
	return c
}

// OnEvent registers a callback invoked for each connection event. Passing
// nil removes the callback. OnEvent returns c to permit chaining.
func (c *Conn) OnEvent(f func(Event)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onEvent = f
	return c
}

// LogLines registers a callback invoked for each line exchanged with the
// engine, including lines that fail to decode. It is invoked synchronously
// with sending and receiving, and must be safe for concurrent use. It must
// not call methods of c. Passing nil disables line logging. LogLines returns
// c to permit chaining.
func (c *Conn) LogLines(log LineLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.llog = log
	return c
}

// State reports the current state of the connection.
func (c *Conn) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Connect activates the connection after the given delay. Connect does
// nothing if c is already connected or a connection is already pending, or
// if c has been closed.
//
// In socket mode, a connection that fails is retried after the reconnect
// timeout unless reconnection is disabled; in that case an EventError is
// reported, and the caller may call Connect again. In pipe mode, the delay
// is ignored in favor of a short fixed delay.
func (c *Conn) Connect(delay time.Duration) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed || c.state != Disconnected {
		return
	}
	c.startLocked()
	if c.pipe {
		if c.timer != nil {
			return // already pending
		}
		c.tgen++
		tgen := c.tgen
		c.timer = time.AfterFunc(pipeStartDelay, func() {
			c.post(func() { c.startPipe(tgen) })
		})
		return
	}
	c.scheduleLocked(delay.Round(time.Millisecond))
}

// startLocked starts the dispatcher loop, if it is not already running.
func (c *Conn) startLocked() {
	if c.tasks != nil {
		return
	}
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		for {
			select {
			case fn := <-c.work:
				fn()
			case <-c.done:
				return nil
			}
		}
	})
}

// post queues fn for the dispatcher loop. It reports false if the loop has
// exited.
func (c *Conn) post(fn func()) bool {
	select {
	case c.work <- fn:
		return true
	case <-c.done:
		return false
	}
}

// scheduleLocked arms the connect timer to fire after delay, replacing any
// timer already pending.
func (c *Conn) scheduleLocked(delay time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.tgen++
	tgen := c.tgen
	c.state = Reconnecting
	c.timer = time.AfterFunc(max(delay, 0), func() {
		c.post(func() { c.attempt(tgen) })
	})
	c.log.Debug().Dur("delay", delay).Msg("connect scheduled")
}

// attempt starts a socket connection attempt, if the timer that triggered it
// is still current.
func (c *Conn) attempt(tgen uint64) {
	c.μ.Lock()
	if c.closed || tgen != c.tgen || c.state != Reconnecting {
		c.μ.Unlock()
		return
	}
	c.timer = nil
	c.state = Connecting
	c.μ.Unlock()

	c.log.Debug().Str("state", Connecting.String()).Msg("connecting")
	c.emit(Event{Type: EventConnecting})

	c.tasks.Go(func() error {
		// The dial deadline is the watchdog for the attempt.
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReconnectTimeout)
		defer cancel()
		ch, err := c.dial(ctx)
		if !c.post(func() { c.dialed(ch, err) }) && err == nil {
			ch.Close()
		}
		return nil
	})
}

// dialed completes a connection attempt.
func (c *Conn) dialed(ch Channel, err error) {
	if err == nil {
		c.connected(ch)
		return
	}
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return
	}
	c.state = Disconnected
	retry := c.reconnect
	if retry {
		c.metrics.reconnects.Add(1)
		c.scheduleLocked(c.opts.ReconnectTimeout)
	}
	c.μ.Unlock()

	c.log.Debug().Err(err).Bool("retry", retry).Msg("connect failed")
	if !retry {
		c.emit(Event{Type: EventError, Err: fmt.Errorf("connect: %w", err)})
	}
}

// startPipe connects in pipe mode, if the timer that triggered it is still
// current.
func (c *Conn) startPipe(tgen uint64) {
	c.μ.Lock()
	if c.closed || tgen != c.tgen {
		c.μ.Unlock()
		return
	}
	ch := c.opts.Pipe
	c.μ.Unlock()
	if ch == nil {
		ch = channel.Stdio()
	}
	c.connected(ch)
}

// connected installs ch as the current transport, starts reading from it,
// and reinstates the connection state.
func (c *Conn) connected(ch Channel) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		ch.Close()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.tgen++
	c.state = Connected
	c.ch = ch
	c.gen++
	gen := c.gen
	c.tasks.Go(func() error {
		for {
			line, err := ch.Recv()
			if err != nil {
				c.post(func() { c.lost(gen, err) })
				return nil
			}
			if !c.post(func() { c.receive(gen, line) }) {
				return nil
			}
		}
	})
	c.reinstateLocked()
	c.μ.Unlock()

	c.log.Debug().Str("state", Connected.String()).Msg("connected")
	c.emit(Event{Type: EventConnect})
}

// reinstateLocked sends the local parameters, subscriptions, and watches to
// the engine, then drains the outbound queue, in that order.
func (c *Conn) reinstateLocked() {
	if c.opts.Role != "" && !c.pipe {
		c.sendLocked(wire.Join(tagConnect, c.opts.Role))
	}
	for _, name := range c.pnames {
		c.sendLocked(wire.Join(tagSetLocal, name, c.params[name]))
	}
	for _, name := range slices.Sorted(maps.Keys(c.subs)) {
		c.sendLocked(c.subs[name].installLine(name))
	}
	for _, name := range slices.Sorted(maps.Keys(c.watches)) {
		c.sendLocked(wire.Join(tagWatch, name))
	}

	var msgs []*Message
	for !c.queue.IsEmpty() {
		m, _ := c.queue.Pop()
		msgs = append(msgs, m)
	}
	for i, m := range msgs {
		if err := c.sendMessageLocked(m); err != nil {
			// Keep the rest, in order, for the next connection.
			for _, r := range msgs[i:] {
				c.queue.Add(r)
			}
			break
		}
		c.metrics.queued.Add(-1)
	}
	c.log.Debug().Int("params", len(c.pnames)).Int("subs", len(c.subs)).
		Int("watches", len(c.watches)).Int("drained", len(msgs)).Msg("reinstated")
}

// lost handles the end of the transport with the given generation.
func (c *Conn) lost(gen uint64, err error) {
	c.μ.Lock()
	if c.closed || gen != c.gen || c.ch == nil {
		c.μ.Unlock()
		return
	}
	c.ch.Close()
	c.ch = nil
	c.state = Disconnected
	ended := isEnd(err)
	if c.pipe {
		c.μ.Unlock()
		c.log.Debug().Err(err).Msg("pipe closed")
		if ended {
			c.shutdown(nil)
		} else {
			c.emit(Event{Type: EventError, Err: err})
			c.shutdown(err)
		}
		c.finish()
		return
	}
	retry := c.reconnect
	if retry {
		c.metrics.reconnects.Add(1)
		c.scheduleLocked(c.opts.ReconnectTimeout)
	}
	c.μ.Unlock()

	c.log.Debug().Err(err).Bool("retry", retry).Msg("disconnected")
	if ended {
		c.emit(Event{Type: EventDisconnect})
	} else if !retry {
		c.emit(Event{Type: EventError, Err: err})
	}
}

func isEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Close shuts down the connection: it disables reconnection, closes the
// transport, and stops the dispatcher loop. Dispatches still awaiting an
// answer report ErrClosed, and messages still queued are discarded. Close
// blocks until c has stopped and returns the same value as Wait. Close must
// not be called from a callback.
//
// Close is the hook for a host process to call when it is interrupted.
func (c *Conn) Close() error {
	c.shutdown(nil)
	c.μ.Lock()
	running := c.tasks != nil
	c.μ.Unlock()
	if !running || !c.post(c.finish) {
		c.finish()
	}
	return c.Wait()
}

// Wait blocks until c has stopped, either because Close was called or because
// the engine closed a pipe connection, and reports the error that caused it
// to stop, if any. If c was never activated, Wait returns nil immediately.
func (c *Conn) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil
	}
	<-c.done
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	return c.err
}

// shutdown marks c closed and releases its transport and timers.
func (c *Conn) shutdown(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reconnect = false
	c.err = err
	c.state = Disconnected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	c.cancel()
}

// finish fails all pending dispatches, discards queued messages, and stops
// the dispatcher loop.
// It runs on the dispatcher loop, or in place of it if the loop has exited or
// never started.
func (c *Conn) finish() {
	c.fin.Do(func() {
		c.μ.Lock()
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		c.metrics.queued.Add(-int64(c.queue.Len()))
		c.queue.Clear()
		c.μ.Unlock()

		for _, id := range slices.Sorted(maps.Keys(pending)) {
			pc := pending[id]
			pc.timer.Stop()
			c.metrics.pending.Add(-1)
			pc.reply(nil, fmt.Errorf("dispatch %q: %w", pc.name, ErrClosed))
		}
		close(c.done)
	})
}

// emit delivers an event to the registered callback, if any.
func (c *Conn) emit(ev Event) {
	c.μ.Lock()
	f := c.onEvent
	c.μ.Unlock()
	if ev.Type == EventWarning {
		c.log.Warn().Err(ev.Err).Msg("warning")
	}
	if f != nil {
		f(ev)
	}
}

// sendLocked writes a line to the current transport. If the write fails, the
// transport is closed so the reader reports its loss.
func (c *Conn) sendLocked(line string) error {
	if c.ch == nil {
		return ErrNotConnected
	}
	if c.llog != nil {
		c.llog(LineInfo{Line: line, Sent: true})
	}
	c.metrics.lineSent.Add(1)
	if err := c.ch.Send(line); err != nil {
		c.log.Debug().Err(err).Msg("send failed")
		c.ch.Close()
		return err
	}
	return nil
}

// sendMessageLocked encodes and writes m, advancing its kind on success.
func (c *Conn) sendMessageLocked(m *Message) error {
	line, err := m.Encode(c.opts.NoDecorate)
	if err != nil {
		return err
	}
	if err := c.sendLocked(line); err != nil {
		return err
	}
	switch m.Kind {
	case KindOutgoing:
		m.Kind = KindEnqueued
	case KindIncoming:
		m.Kind = KindAcknowledged
	}
	return nil
}

// setParamLocked records a local parameter for reinstatement.
func (c *Conn) setParamLocked(name, value string) {
	if _, ok := c.params[name]; !ok {
		c.pnames = append(c.pnames, name)
	}
	c.params[name] = value
}

// receive decodes and routes one line from the transport with the given
// generation.
func (c *Conn) receive(gen uint64, line string) {
	c.μ.Lock()
	stale := c.closed || gen != c.gen
	llog := c.llog
	c.μ.Unlock()
	if stale {
		return
	}
	c.metrics.lineRecv.Add(1)
	if llog != nil {
		llog(LineInfo{Line: line})
	}

	m, err := ParseMessage(line, c.opts.NoDecorate)
	if err != nil {
		c.metrics.decodeErr.Add(1)
		c.log.Error().Err(err).Msg("decode failed")
		c.emit(Event{Type: EventError, Err: err})
		return
	}
	switch m.Kind {
	case KindIncoming:
		c.handleIncoming(m)
	case KindAnswer:
		c.handleAnswer(m)
	case KindNotification:
		c.handleNotification(m)
	case KindInstall:
		c.handleInstalled(m)
	case KindWatch:
		c.handleWatched(m)
	case KindSetLocal:
		c.handleLocal(m)
	default:
		c.log.Debug().Str("kind", m.Kind.String()).Str("name", m.Name).
			Bool("success", m.Success).Msg("confirmation")
	}
}

func (c *Conn) handleIncoming(m *Message) {
	c.metrics.incoming.Add(1)
	c.μ.Lock()
	sub := c.subs[m.Name]
	c.μ.Unlock()

	if sub != nil {
		var retval string
		orig, origRetval := m.Params.Clone(), m.Retval
		err := c.invoke(func(ctx context.Context) (err error) {
			retval, err = sub.handler(ctx, m)
			return err
		})
		if err != nil {
			c.metrics.handlerErr.Add(1)
			m.Processed = false
			m.Params, m.Retval = orig, origRetval
			c.emit(Event{Type: EventError, Err: &HandlerError{Name: m.Name, ID: m.ID, Err: err}})
		} else {
			m.Retval = retval
			m.Processed = true
		}
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if err := c.sendMessageLocked(m); err != nil {
		c.log.Error().Err(err).Str("id", m.ID).Str("name", m.Name).Msg("acknowledge failed")
	}
}

// invoke calls f with a handler context, converting a panic into an error.
func (c *Conn) invoke(f func(context.Context) error) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return f(context.WithValue(c.ctx, connContextKey{}, c))
}

func (c *Conn) handleAnswer(m *Message) {
	c.μ.Lock()
	pc, ok := c.pending[m.ID]
	if ok {
		delete(c.pending, m.ID)
		pc.timer.Stop()
	}
	c.μ.Unlock()
	if !ok {
		return // no callback, or it already timed out
	}

	c.metrics.pending.Add(-1)
	if !m.Processed {
		c.metrics.dispatchErr.Add(1)
		pc.reply(nil, fmt.Errorf("dispatch %q: %w", pc.name, ErrNotProcessed))
		return
	}
	m.Retval = strings.TrimSpace(m.Retval)
	pc.reply(m, nil)
}

// expire fails the pending dispatch with the given ID, if it is still
// awaiting an answer.
func (c *Conn) expire(id string) {
	c.μ.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.μ.Unlock()
	if !ok {
		return
	}
	c.metrics.pending.Add(-1)
	c.metrics.dispatchErr.Add(1)
	pc.reply(nil, fmt.Errorf("dispatch %q: %w", pc.name, ErrTimeout))
}

func (c *Conn) handleNotification(m *Message) {
	c.μ.Lock()
	w := c.watches[m.Name]
	c.μ.Unlock()
	if w == nil {
		return
	}
	c.metrics.notified.Add(1)
	if err := c.invoke(func(context.Context) error { w(m); return nil }); err != nil {
		c.emit(Event{Type: EventError, Err: &HandlerError{Name: m.Name, Err: err}})
	}
}

func (c *Conn) handleInstalled(m *Message) {
	if m.Success {
		return
	}
	c.μ.Lock()
	delete(c.subs, m.Name)
	c.μ.Unlock()
	c.emit(Event{Type: EventWarning, Err: fmt.Errorf("install %q: %w", m.Name, ErrRejected)})
}

func (c *Conn) handleWatched(m *Message) {
	if m.Success {
		return
	}
	c.μ.Lock()
	delete(c.watches, m.Name)
	c.μ.Unlock()
	c.emit(Event{Type: EventWarning, Err: fmt.Errorf("watch %q: %w", m.Name, ErrRejected)})
}

func (c *Conn) handleLocal(m *Message) {
	c.μ.Lock()
	cb, ok := c.locals[m.Name]
	delete(c.locals, m.Name)
	c.μ.Unlock()
	if !ok {
		return
	}
	if !m.Success {
		cb("", fmt.Errorf("setlocal %q: %w", m.Name, ErrRejected))
		return
	}
	cb(m.Retval, nil)
}

// Dispatch sends a message with the given name and parameters to the engine.
// If c is not connected, the message is queued and sent, in order, when the
// connection is established.
//
// If reply != nil, it is called once with the engine's answer, or with an
// error if the engine did not process the message or did not answer within
// the call timeout. If reply == nil, no answer is awaited.
func (c *Conn) Dispatch(name string, params param.Object, reply ReplyFunc) error {
	if name == "" {
		return ErrInvalidName
	}
	m := NewMessage(name, params)

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.metrics.dispatched.Add(1)
	if reply != nil {
		c.startLocked() // the timeout is delivered by the dispatcher loop
		id := m.ID
		c.pending[id] = &pendingCall{
			name:  name,
			reply: reply,
			timer: time.AfterFunc(c.opts.CallTimeout, func() {
				c.post(func() { c.expire(id) })
			}),
		}
		c.metrics.pending.Add(1)
	}
	if c.state == Connected {
		if err := c.sendMessageLocked(m); err == nil {
			return nil
		}
		// The transport failed; keep the message for the next connection.
	}
	c.queue.Add(m)
	c.metrics.queued.Add(1)
	return nil
}

// Call dispatches a message and blocks until the answer arrives or ctx ends.
// Call must not be used from a callback.
func (c *Conn) Call(ctx context.Context, name string, params param.Object) (*Message, error) {
	type result struct {
		m   *Message
		err error
	}
	ch := make(chan result, 1)
	if err := c.Dispatch(name, params, func(m *Message, err error) {
		ch <- result{m, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.m, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Command asks the engine to execute a command line, as if typed on its
// console. The reply carries the command output as its return value.
func (c *Conn) Command(line string, reply ReplyFunc) error {
	return c.Dispatch("engine.command", param.Object{"line": param.String(line)}, reply)
}

// Status requests the status of the named module, or of the whole engine if
// module == "".
func (c *Conn) Status(module string, reply ReplyFunc) error {
	params := param.Object{}
	if module != "" {
		params["module"] = param.String(module)
	}
	return c.Dispatch("engine.status", params, reply)
}

// SetLocal sets a local parameter, checked with CheckLocal. The parameter is
// sent at once if c is connected, and again on every connection.
//
// If cb != nil, it is called with the value reported by the engine. Only the
// most recent callback for each name is kept; an earlier request for the same
// name still awaiting its answer is not called.
func (c *Conn) SetLocal(name string, value any, cb LocalFunc) error {
	v, err := CheckLocal(name, value)
	if err != nil {
		return err
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.params[name]; !ok || v != "" {
		// A query does not replace a value already set.
		c.setParamLocked(name, v)
	}
	if cb != nil {
		c.locals[name] = cb
	}
	if c.state == Connected {
		c.sendLocked(wire.Join(tagSetLocal, name, v))
	}
	return nil
}

// GetLocal queries the value of a local parameter.
func (c *Conn) GetLocal(name string, cb LocalFunc) error { return c.SetLocal(name, "", cb) }

// GetConfig queries the value of key in the given section of the engine
// configuration file.
func (c *Conn) GetConfig(section, key string, cb LocalFunc) error {
	return c.GetLocal("config."+section+"."+key, cb)
}

// Subscribe installs h as the handler for incoming messages with the given
// name. The priority is a decimal number of at most 5 digits; if it is empty
// the engine chooses. There may be only one subscription for each name.
func (c *Conn) Subscribe(name, priority string, h Handler) error {
	return c.subscribe(name, &subscription{priority: priority, handler: h})
}

// SubscribeFilter is as Subscribe, but the engine only offers messages whose
// parameter key has the given value.
func (c *Conn) SubscribeFilter(name, priority, key, value string, h Handler) error {
	return c.subscribe(name, &subscription{
		priority: priority, filterKey: key, filterValue: value, handler: h,
	})
}

func (c *Conn) subscribe(name string, sub *subscription) error {
	if name == "" {
		return ErrInvalidName
	} else if !isPriority(sub.priority) {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, sub.priority)
	} else if sub.handler == nil {
		return fmt.Errorf("subscribe %q: nil handler", name)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.subs[name]; ok {
		return fmt.Errorf("subscribe %q: %w", name, ErrDuplicate)
	}
	c.subs[name] = sub
	if c.state == Connected {
		c.sendLocked(sub.installLine(name))
	}
	return nil
}

func isPriority(s string) bool {
	if len(s) > 5 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Unsubscribe removes the subscription for name, if there is one.
func (c *Conn) Unsubscribe(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.subs[name]; !ok {
		return nil
	}
	delete(c.subs, name)
	if c.state == Connected {
		c.sendLocked(wire.Join(tagUninstall, name))
	}
	return nil
}

// Watch registers w to be notified when messages with the given name are
// finalized by the engine. There may be only one watch for each name.
//
// The first watch enables the "selfwatch" parameter, so that messages
// dispatched by c are also reported.
func (c *Conn) Watch(name string, w WatchFunc) error {
	if name == "" {
		return ErrInvalidName
	} else if w == nil {
		return fmt.Errorf("watch %q: nil listener", name)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.watches[name]; ok {
		return fmt.Errorf("watch %q: %w", name, ErrDuplicate)
	}
	c.watches[name] = w
	connected := c.state == Connected
	if c.params["selfwatch"] != "true" {
		c.setParamLocked("selfwatch", "true")
		if connected {
			c.sendLocked(wire.Join(tagSetLocal, "selfwatch", "true"))
		}
	}
	if connected {
		c.sendLocked(wire.Join(tagWatch, name))
	}
	return nil
}

// Unwatch removes the watch for name, if there is one.
func (c *Conn) Unwatch(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.watches[name]; !ok {
		return nil
	}
	delete(c.watches, name)
	if c.state == Connected {
		c.sendLocked(wire.Join(tagUnwatch, name))
	}
	return nil
}

// Output sends text to the engine log. Each line of text is sent separately.
func (c *Conn) Output(text string) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != Connected {
		return ErrNotConnected
	}
	for line := range strings.SplitSeq(text, "\n") {
		if err := c.sendLocked(tagOutput + ":" + line); err != nil {
			return err
		}
	}
	return nil
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined. The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
