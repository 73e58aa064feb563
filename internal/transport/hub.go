package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/xdcshop/internal/protocol"
)

// maxFrameBytes bounds one websocket frame; catalog batches carry images.
const maxFrameBytes = 32 << 20

// Hub is a websocket relay with a shared, append-only update log. Every
// update sent by any client is logged and streamed to all subscribers,
// the sender included.
type Hub struct {
	mu      sync.Mutex
	log     []protocol.ReceivedMessage
	changed chan struct{}
	onSend  func(protocol.StatusUpdate)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSendHook calls fn, outside the hub lock, for every update a client
// sends. A backend uses it to answer requests with Publish.
func WithSendHook(fn func(protocol.StatusUpdate)) HubOption {
	return func(h *Hub) {
		h.onSend = fn
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{changed: make(chan struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish appends payload to the log and returns its serial.
func (h *Hub) Publish(payload json.RawMessage) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	serial := int64(len(h.log)) + 1
	h.log = append(h.log, protocol.ReceivedMessage{
		Serial:  serial,
		Payload: append(json.RawMessage(nil), payload...),
	})

	close(h.changed)
	h.changed = make(chan struct{})
	return serial
}

// Serial returns the serial of the newest logged update.
func (h *Hub) Serial() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.log))
}

// since returns entries after serial and a channel closed on the next append.
func (h *Hub) since(serial int64) ([]protocol.ReceivedMessage, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	serial = max(serial, 0)
	if serial >= int64(len(h.log)) {
		return nil, h.changed
	}
	out := make([]protocol.ReceivedMessage, len(h.log)-int(serial))
	copy(out, h.log[serial:])
	return out, h.changed
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	err = h.serve(ctx, conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		slog.Warn("hub client failed", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusInternalError, "relay error")
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var followOnce sync.Once
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return err
		}

		switch f.Type {
		case frameSend:
			h.Publish(f.Payload)
			if h.onSend != nil {
				h.onSend(protocol.StatusUpdate{Payload: f.Payload, Descr: f.Descr})
			}
		case frameSubscribe:
			since := f.Since
			followOnce.Do(func() {
				go func() {
					if err := h.follow(ctx, conn, since); err != nil {
						cancel(err)
					}
				}()
			})
		default:
			slog.Debug("hub ignoring frame", "type", f.Type)
		}
	}
}

// follow streams logged updates after since until ctx ends.
func (h *Hub) follow(ctx context.Context, conn *websocket.Conn, since int64) error {
	for {
		backlog, changed := h.since(since)
		for _, msg := range backlog {
			if err := wsjson.Write(ctx, conn, frame{Type: frameUpdate, Serial: msg.Serial, Payload: msg.Payload}); err != nil {
				return err
			}
			since = msg.Serial
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
