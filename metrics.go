// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	lineRecv    expvar.Int
	lineSent    expvar.Int
	dispatched  expvar.Int // number of messages dispatched
	dispatchErr expvar.Int // number of dispatches reporting an error
	pending     expvar.Int // dispatches awaiting an answer
	queued      expvar.Int // dispatches waiting for a connection
	incoming    expvar.Int // number of incoming messages received
	handlerErr  expvar.Int // number of handlers reporting an error
	notified    expvar.Int // number of watch notifications received
	decodeErr   expvar.Int
	reconnects  expvar.Int

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("lines_received", &cm.lineRecv)
	cm.emap.Set("lines_sent", &cm.lineSent)
	cm.emap.Set("dispatched", &cm.dispatched)
	cm.emap.Set("dispatch_failed", &cm.dispatchErr)
	cm.emap.Set("dispatch_pending", &cm.pending)
	cm.emap.Set("queued", &cm.queued)
	cm.emap.Set("incoming", &cm.incoming)
	cm.emap.Set("handler_failed", &cm.handlerErr)
	cm.emap.Set("notifications", &cm.notified)
	cm.emap.Set("decode_errors", &cm.decodeErr)
	cm.emap.Set("reconnects", &cm.reconnects)
	return cm
}
