// SPDX-License-Identifier: MPL-2.0

package connection

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type (
	// BlockingListener records every event it receives into an unbounded queue per
	// event kind. Wait block-pulls from those queues, which turns the synchronous
	// listener callbacks into something a test can assert against.
	BlockingListener struct {
		queues [numEventKinds]*eventQueue
	}

	eventQueue struct {
		mu    sync.Mutex
		items []Event
		ready chan struct{}
	}
)

// NewBlockingListener creates an empty BlockingListener.
func NewBlockingListener() *BlockingListener {
	b := &BlockingListener{}
	for i := range b.queues {
		b.queues[i] = &eventQueue{ready: make(chan struct{}, 1)}
	}
	return b
}

// ConnectionStarted implements Listener.
func (b *BlockingListener) ConnectionStarted(c Connection) {
	b.queues[EventStarted].push(Event{Kind: EventStarted, Conn: c})
}

// ConnectionClosing implements Listener.
func (b *BlockingListener) ConnectionClosing(c Connection) {
	b.queues[EventClosing].push(Event{Kind: EventClosing, Conn: c})
}

// ConnectionClosed implements Listener.
func (b *BlockingListener) ConnectionClosed(c Connection) {
	b.queues[EventClosed].push(Event{Kind: EventClosed, Conn: c})
}

// ConnectionInterrupted implements Listener.
func (b *BlockingListener) ConnectionInterrupted(c Connection, err error) {
	b.queues[EventInterrupted].push(Event{Kind: EventInterrupted, Conn: c, Err: err})
}

// Wait removes and returns the oldest queued event of the given kind, blocking
// until one arrives or ctx is done.
func (b *BlockingListener) Wait(ctx context.Context, kind EventKind) (Event, error) {
	if err := kind.Validate(); err != nil {
		return Event{}, err
	}
	ev, err := b.queues[kind].pop(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("waiting for %s event: %w", kind, err)
	}
	return ev, nil
}

// WaitTimeout is Wait with a deadline of d from now.
func (b *BlockingListener) WaitTimeout(kind EventKind, d time.Duration) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Wait(ctx, kind)
}

// Pending returns how many events of the given kind are queued.
func (b *BlockingListener) Pending(kind EventKind) int {
	if kind.Validate() != nil {
		return 0
	}
	q := b.queues[kind]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
