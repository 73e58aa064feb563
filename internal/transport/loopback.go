package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/xdcshop/internal/protocol"
)

// Loopback is an in-process Transport backed by an append-only log.
// Sends are echoed to the listener like a real shared channel; Publish
// injects backend messages.
type Loopback struct {
	mu      sync.Mutex
	log     []protocol.ReceivedMessage
	sent    []protocol.StatusUpdate
	handler Handler
	closed  bool
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// SendUpdate appends update to the log and delivers it to the listener.
func (l *Loopback) SendUpdate(_ context.Context, update protocol.StatusUpdate) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.sent = append(l.sent, update)
	l.mu.Unlock()

	l.Publish(update.Payload)
	return nil
}

// Publish appends a payload as if the backend sent it and returns its serial.
func (l *Loopback) Publish(payload json.RawMessage) int64 {
	l.mu.Lock()
	msg := protocol.ReceivedMessage{
		Serial:  int64(len(l.log)) + 1,
		Payload: append(json.RawMessage(nil), payload...),
	}
	l.log = append(l.log, msg)
	h := l.handler
	if l.closed {
		h = nil
	}
	l.mu.Unlock()

	if h != nil {
		h(msg)
	}
	return msg.Serial
}

// SetUpdateListener replaces the listener and replays the log after since.
func (l *Loopback) SetUpdateListener(_ context.Context, handler Handler, since int64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.handler = handler
	backlog := l.after(since)
	l.mu.Unlock()

	for _, msg := range backlog {
		handler(msg)
	}
	return nil
}

// Redeliver sends every logged message after since to the listener again.
func (l *Loopback) Redeliver(since int64) {
	l.mu.Lock()
	h := l.handler
	backlog := l.after(since)
	l.mu.Unlock()

	if h == nil {
		return
	}
	for _, msg := range backlog {
		h(msg)
	}
}

// Sent returns every update passed to SendUpdate.
func (l *Loopback) Sent() []protocol.StatusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.StatusUpdate, len(l.sent))
	copy(out, l.sent)
	return out
}

// Serial returns the serial of the newest logged message.
func (l *Loopback) Serial() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.log))
}

// Close detaches the listener. Further sends fail.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handler = nil
	return nil
}

// after returns log entries with serial > since. Caller holds mu.
func (l *Loopback) after(since int64) []protocol.ReceivedMessage {
	if since < 0 {
		since = 0
	}
	if since >= int64(len(l.log)) {
		return nil
	}
	out := make([]protocol.ReceivedMessage, len(l.log)-int(since))
	copy(out, l.log[since:])
	return out
}
