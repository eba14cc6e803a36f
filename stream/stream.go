// Package stream provides an iterator over the notifications of a watched
// message, for consumers that prefer a loop to a callback.
package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/creachadair/extmod"
	"github.com/creachadair/mds/queue"
)

// Watch registers a watch for messages with the given name on c, and yields
// each notification in the order it arrives. The stream ends when the
// consumer stops iterating, or when ctx ends; the watch is removed when the
// iterator returns.
//
// The returned iterator yields zero or more (m, nil) values. If the stream
// ends because ctx ended or the watch could not be registered, the iterator
// ends with a final (nil, err) tuple.
//
// Notifications are buffered without bound while the consumer is busy, so
// the connection is never blocked by a slow consumer.
func Watch(ctx context.Context, c *extmod.Conn, name string) iter.Seq2[*extmod.Message, error] {
	return func(yield func(*extmod.Message, error) bool) {
		// The listener runs on the connection's callback goroutine, which
		// must not block waiting for us. Buffer notifications in a queue and
		// wake the iterator with a signal that never blocks.
		var μ sync.Mutex
		q := queue.New[*extmod.Message]()
		ready := make(chan struct{}, 1)

		if err := c.Watch(name, func(m *extmod.Message) {
			μ.Lock()
			q.Add(m)
			μ.Unlock()
			select {
			case ready <- struct{}{}:
			default:
			}
		}); err != nil {
			yield(nil, err)
			return
		}
		defer c.Unwatch(name)

		for {
			μ.Lock()
			m, ok := q.Pop()
			μ.Unlock()
			if ok {
				if !yield(m, nil) {
					return
				}
				continue
			}
			select {
			case <-ready:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}
