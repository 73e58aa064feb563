package engine

import (
	"sync"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/protocol"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	// eventInbound carries one transport delivery.
	eventInbound eventType = iota + 1
	// eventRequestDownload asks to move an item to Downloading.
	eventRequestDownload
	// eventRefresh asks the backend for changes after the update cursor.
	eventRefresh
	// eventSweep expires downloads older than the configured timeout.
	eventSweep
	// eventFlush is a barrier; it completes once every earlier event has.
	eventFlush
)

func (t eventType) String() string {
	switch t {
	case eventInbound:
		return "inbound"
	case eventRequestDownload:
		return "request_download"
	case eventRefresh:
		return "refresh"
	case eventSweep:
		return "sweep"
	case eventFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// event is one unit of work for the Run loop. reply, when set, receives the
// outcome exactly once.
type event struct {
	typ     eventType
	message protocol.ReceivedMessage
	itemID  catalog.ItemID
	reply   chan error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so the transport listener never blocks on a slow
// store write; the loopback transport delivers echoes from inside the Run
// loop and would deadlock against a bounded queue.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Clear the slot so the payload and reply channel can be collected.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
