// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package extmod implements a client for the external module protocol of a
// telephony engine.
//
// The protocol is line oriented. The client dispatches messages into the
// engine and awaits their answers, subscribes to messages the engine offers
// for handling, watches messages after the engine has finalized them, and
// gets and sets parameters of the connection and the engine. The engine is
// reached either over a TCP or UNIX socket, or over the standard input and
// output of a process the engine launched (pipe mode).
//
// # Connections
//
// The core type defined by this package is the [Conn]. To create a new,
// inactive connection:
//
//	c, err := extmod.New(extmod.Options{Port: 5039})
//	if err != nil {
//	   log.Fatalf("New: %v", err)
//	}
//
// To activate it, call Connect:
//
//	c.Connect(0)
//
// In socket mode, a connection that ends or fails is retried after the
// reconnect timeout unless [Options.NoReconnect] is set. Each time the
// connection is established, the client sends its local parameters,
// subscriptions, and watches to the engine, then sends any messages that were
// dispatched while it was disconnected, in order.
//
// A zero [Options] selects pipe mode on the standard input and output. In
// pipe mode, the connection stops when the engine closes the input. Call
// [Conn.Wait] to wait for that:
//
//	if err := c.Wait(); err != nil {
//	   log.Fatalf("Connection failed: %v", err)
//	}
//
// To shut down a connection, for example when the process is interrupted,
// call [Conn.Close].
//
// # Dispatch
//
// To send a message to the engine and receive its answer:
//
//	err := c.Dispatch("call.execute", param.Object{
//	   "callto": param.String("sip/1234@example.com"),
//	}, func(reply *extmod.Message, err error) {
//	   if err != nil {
//	      log.Printf("Dispatch failed: %v", err)
//	      return
//	   }
//	   log.Printf("Result: %q", reply.Retval)
//	})
//
// The callback is called exactly once: with the answer, with an error
// wrapping [ErrNotProcessed] if no handler in the engine processed the
// message, or with an error wrapping [ErrTimeout] if no answer arrived in
// time. [Conn.Call] is a blocking equivalent.
//
// # Subscriptions
//
// To handle messages of a given name:
//
//	c.Subscribe("call.route", "80", func(ctx context.Context, m *extmod.Message) (string, error) {
//	   m.Params["location"] = param.String("sip/5678@example.com")
//	   return "ok", nil
//	})
//
// The engine offers each matching message to the handler and waits for the
// acknowledgment, which carries the return value and the (possibly modified)
// parameters back to the engine. Every incoming message is acknowledged,
// even if its handler fails.
//
// # Callbacks
//
// Handlers, reply callbacks, parameter callbacks, watch listeners, and the
// event callback all run one at a time on a single goroutine owned by the
// connection, in the order the lines that triggered them arrived. A callback
// that blocks delays all the others. Callbacks may use the methods of the
// connection, other than [Conn.Close], [Conn.Wait], and [Conn.Call].
//
// # Parameters
//
// Message parameters are a tree of [param.Value]. On the wire they are flat
// key=value pairs; unless [Options.NoDecorate] is set, dotted keys are nested
// into objects on receipt and flattened again on send. See package param.
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing them. By
// default, metrics are shared globally among all connections; [Conn.Detach]
// gives a connection its own.
//
// The metrics currently exported include:
//
//   - lines_received: counter of lines received
//   - lines_sent: counter of lines sent
//   - dispatched: counter of messages dispatched
//   - dispatch_failed: counter of dispatches resulting in errors
//   - dispatch_pending: gauge of dispatches awaiting an answer
//   - queued: gauge of dispatches awaiting a connection
//   - incoming: counter of incoming messages offered by the engine
//   - handler_failed: counter of handlers reporting errors
//   - notifications: counter of watch notifications delivered
//   - decode_errors: counter of lines that could not be decoded
//   - reconnects: counter of reconnections scheduled
package extmod
