// Program extmod is a command-line utility for interacting with a telephony
// engine over the external module protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/handler"
	"github.com/creachadair/extmod/param"
	"github.com/creachadair/extmod/stream"
	"github.com/creachadair/extmod/wire"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"
)

var flags struct {
	Config      string        `flag:"config,Configuration file (.toml, .yaml, .yml)"`
	Addr        string        `flag:"addr,Engine address (host:port or socket path; empty for stdio)"`
	Role        string        `flag:"role,Connection role announced to the engine"`
	Timeout     time.Duration `flag:"timeout,Time to wait for each answer (default 10s)"`
	NoReconnect bool          `flag:"no-reconnect,Do not reconnect when the connection drops"`
	NoDecorate  bool          `flag:"no-decorate,Exchange parameters without nesting dotted keys"`
}

var handleFlags struct {
	Priority string `flag:"priority,Subscription priority (0-99999)"`
	Filter   string `flag:"filter,Only handle messages matching key=value"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for interacting with an engine over the external module protocol.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "dispatch",
				Usage: "<name> [key=value...]",
				Help: `Dispatch a message to the engine and print its answer.

Parameters with dotted keys are nested unless -no-decorate is set.`,
				Run: runDispatch,
			},
			{
				Name:  "watch",
				Usage: "<name>",
				Help:  "Print notifications of messages with the given name until interrupted.",
				Run:   runWatch,
			},
			{
				Name:     "handle",
				Usage:    "<name> <retval>",
				Help:     "Handle messages with the given name, answering retval, until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &handleFlags),
				Run:      runHandle,
			},
			{
				Name:  "get",
				Usage: "<parameter>",
				Help: `Query a local parameter.

Engine values are named "engine.<name>" (for example engine.version).
Configuration values are named "config.<section>.<key>".`,
				Run: runGet,
			},
			{
				Name:  "set",
				Usage: "<parameter> <value>",
				Help:  "Set a local parameter and print the value the engine reports.",
				Run:   runSet,
			},
			{
				Name:  "command",
				Usage: "<command-line>...",
				Help:  "Execute a command line on the engine console and print its output.",
				Run:   runCommand,
			},
			{
				Name:  "status",
				Usage: "[module]",
				Help:  "Print the status of the engine or of one module.",
				Run:   runStatus,
			},
			{
				Name:  "escape",
				Usage: "<text>",
				Help:  "Print text escaped for the protocol.",
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("Missing text argument")
					}
					fmt.Println(wire.Escape(env.Args[0], 0))
					return nil
				},
			},
			{
				Name:  "unescape",
				Usage: "<text>",
				Help:  "Print protocol-escaped text in its original form.",
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("Missing text argument")
					}
					fmt.Println(wire.Unescape(env.Args[0]))
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// A session is an active connection for one command.
type session struct {
	c    *extmod.Conn
	log  zerolog.Logger
	pipe bool
	out  io.Writer
}

// openSession connects to the engine using the configuration file and flags.
// The caller must close the session.
func openSession() (*session, error) {
	cfg := new(fileConfig)
	if flags.Config != "" {
		var err error
		cfg, err = loadConfig(flags.Config)
		if err != nil {
			return nil, err
		}
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.Role != "" {
		cfg.Role = flags.Role
	}
	cfg.NoReconnect = cfg.NoReconnect || flags.NoReconnect
	cfg.NoDecorate = cfg.NoDecorate || flags.NoDecorate

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	if flags.Timeout > 0 {
		opts.CallTimeout = flags.Timeout
	}

	// In pipe mode stdout carries the protocol, so logs go to stderr always.
	log := newLogger(os.Stderr)
	opts.Logger = &log
	c, err := extmod.New(opts)
	if err != nil {
		return nil, err
	}
	c.OnEvent(func(ev extmod.Event) {
		switch ev.Type {
		case extmod.EventError:
			log.Error().Err(ev.Err).Msg("connection error")
		case extmod.EventWarning:
			log.Warn().Err(ev.Err).Msg("connection warning")
		default:
			log.Info().Str("event", ev.Type.String()).Msg("connection event")
		}
	})
	c.Connect(0)
	return &session{
		c:    c,
		log:  log,
		pipe: opts.Port == 0 && opts.Path == "" && opts.Dial == nil,
		out:  os.Stdout,
	}, nil
}

// printf reports a result. In pipe mode the result goes to the engine log.
func (s *session) printf(msg string, args ...any) {
	text := fmt.Sprintf(msg, args...)
	if s.pipe {
		if err := s.c.Output(text); err != nil {
			s.log.Error().Err(err).Msg("output failed")
		}
		return
	}
	fmt.Fprintln(s.out, text)
}

// printMessage reports the return value and parameters of m.
func (s *session) printMessage(m *extmod.Message) {
	s.printf("%s = %q", m.Name, m.Retval)
	flat := param.Flatten(m.Params)
	for _, k := range slices.Sorted(maps.Keys(flat)) {
		s.printf("  %s = %q", k, flat[k])
	}
}

func (s *session) Close() error { return s.c.Close() }

// interruptContext returns a context that ends when the process is
// interrupted.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// parseParams parses key=value arguments into message parameters.
func parseParams(args []string, flat bool) (param.Object, error) {
	kv := make(map[string]string)
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		kv[k] = v
	}
	if flat {
		return param.FromStrings(kv), nil
	}
	return param.Nest(kv), nil
}

func runDispatch(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing message name")
	}
	params, err := parseParams(env.Args[1:], flags.NoDecorate)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptContext()
	defer cancel()
	rsp, err := s.c.Call(ctx, env.Args[0], params)
	if err != nil {
		return err
	}
	s.printMessage(rsp)
	return nil
}

func runWatch(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing message name")
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptContext()
	defer cancel()
	for m, err := range stream.Watch(ctx, s.c, env.Args[0]) {
		if errors.Is(err, context.Canceled) {
			return nil
		} else if err != nil {
			return err
		}
		s.printMessage(m)
	}
	return nil
}

func runHandle(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Wrong number of arguments")
	}
	name, retval := env.Args[0], env.Args[1]
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	h := handler.ParamResult(func(ctx context.Context, p map[string]string) string {
		m := handler.ContextMessage(ctx)
		s.log.Info().Str("id", m.ID).Str("name", m.Name).Int("params", len(p)).Msg("handled")
		return retval
	})
	if key, value, ok := strings.Cut(handleFlags.Filter, "="); ok {
		err = s.c.SubscribeFilter(name, handleFlags.Priority, key, value, h)
	} else if handleFlags.Filter != "" {
		return env.Usagef("Invalid filter %q (want key=value)", handleFlags.Filter)
	} else {
		err = s.c.Subscribe(name, handleFlags.Priority, h)
	}
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()
	if s.pipe {
		// The connection ends when the engine closes the pipe.
		go func() { <-ctx.Done(); s.c.Close() }()
		return s.c.Wait()
	}
	<-ctx.Done()
	return nil
}

// waitLocal issues a parameter request and waits for its answer.
func (s *session) waitLocal(name string, value any) (string, error) {
	type result struct {
		v   string
		err error
	}
	ch := make(chan result, 1)
	if err := s.c.SetLocal(name, value, func(v string, err error) {
		ch <- result{v, err}
	}); err != nil {
		return "", err
	}
	ctx, cancel := interruptContext()
	defer cancel()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func runGet(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing parameter name")
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.waitLocal(env.Args[0], nil)
	if err != nil {
		return err
	}
	s.printf("%s = %q", env.Args[0], v)
	return nil
}

func runSet(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Wrong number of arguments")
	}
	if _, err := extmod.CheckLocal(env.Args[0], env.Args[1]); err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.waitLocal(env.Args[0], env.Args[1])
	if err != nil {
		return err
	}
	s.printf("%s = %q", env.Args[0], v)
	return nil
}

// waitReply issues a dispatch with send and waits for its answer.
func (s *session) waitReply(send func(extmod.ReplyFunc) error) (*extmod.Message, error) {
	type result struct {
		m   *extmod.Message
		err error
	}
	ch := make(chan result, 1)
	if err := send(func(m *extmod.Message, err error) { ch <- result{m, err} }); err != nil {
		return nil, err
	}
	ctx, cancel := interruptContext()
	defer cancel()
	select {
	case r := <-ch:
		return r.m, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runCommand(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing command line")
	}
	line := strings.Join(env.Args, " ")
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	rsp, err := s.waitReply(func(r extmod.ReplyFunc) error { return s.c.Command(line, r) })
	if err != nil {
		return err
	}
	s.printf("%s", rsp.Retval)
	return nil
}

func runStatus(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("Extra arguments after module name")
	}
	var module string
	if len(env.Args) == 1 {
		module = env.Args[0]
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	rsp, err := s.waitReply(func(r extmod.ReplyFunc) error { return s.c.Status(module, r) })
	if err != nil {
		return err
	}
	s.printf("%s", rsp.Retval)
	return nil
}
