// Package transport moves status updates between the shop client and the
// backend. Delivery is at-least-once: a listener may see a serial again after
// reconnecting with a stale since value, and must deduplicate itself.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/roach88/xdcshop/internal/protocol"
)

// Handler receives deliveries in serial order for one connection.
type Handler func(protocol.ReceivedMessage)

// Transport is the send/receive boundary.
type Transport interface {
	// SendUpdate publishes an update to every peer, the sender included.
	SendUpdate(ctx context.Context, update protocol.StatusUpdate) error

	// SetUpdateListener registers handler and replays every update with a
	// serial greater than since. Only one listener is active at a time.
	SetUpdateListener(ctx context.Context, handler Handler, since int64) error

	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport closed")

// frame is one websocket message in either direction.
type frame struct {
	Type    frameType       `json:"type"`
	Serial  int64           `json:"serial,omitempty"`
	Since   int64           `json:"since,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Descr   string          `json:"descr,omitempty"`
}

type frameType string

const (
	// frameSend: client to server, publish Payload.
	frameSend frameType = "send"
	// frameSubscribe: client to server, stream updates after Since.
	frameSubscribe frameType = "subscribe"
	// frameUpdate: server to client, one logged update.
	frameUpdate frameType = "update"
)
