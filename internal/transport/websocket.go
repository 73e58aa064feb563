package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/xdcshop/internal/protocol"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// WebSocket is a Transport speaking JSON frames to a Hub.
type WebSocket struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listening bool
	done      chan struct{}
	err       error
}

// DialWebSocket connects to a hub at url. A non-positive timeout selects
// DefaultDialTimeout.
func DialWebSocket(ctx context.Context, url string, timeout time.Duration) (*WebSocket, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	connCtx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// SendUpdate publishes update through the hub.
func (w *WebSocket) SendUpdate(ctx context.Context, update protocol.StatusUpdate) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	f := frame{Type: frameSend, Payload: update.Payload, Descr: update.Descr}
	if err := wsjson.Write(ctx, w.conn, f); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// SetUpdateListener subscribes after since and starts delivering to handler
// from a background reader. It may be called once per connection.
func (w *WebSocket) SetUpdateListener(ctx context.Context, handler Handler, since int64) error {
	w.mu.Lock()
	if w.listening {
		w.mu.Unlock()
		return errors.New("websocket listener already set")
	}
	w.listening = true
	w.mu.Unlock()

	if err := wsjson.Write(ctx, w.conn, frame{Type: frameSubscribe, Since: since}); err != nil {
		// No reader was started, so Close must not wait for one.
		w.mu.Lock()
		w.listening = false
		w.mu.Unlock()
		return fmt.Errorf("websocket subscribe: %w", err)
	}

	go w.read(handler)
	return nil
}

// Done is closed when the reader stops.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// Err returns why the reader stopped, or nil after a clean Close.
func (w *WebSocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close ends the connection and waits for the reader, if any.
// Errors from the closing handshake are logged, not returned.
func (w *WebSocket) Close() error {
	if err := w.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		slog.Debug("websocket close", "error", err)
	}
	w.cancel()

	w.mu.Lock()
	listening := w.listening
	w.mu.Unlock()
	if listening {
		<-w.done
	}
	return nil
}

func (w *WebSocket) read(handler Handler) {
	defer close(w.done)

	for {
		var f frame
		if err := wsjson.Read(w.ctx, w.conn, &f); err != nil {
			if w.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("websocket reader stopped", "error", err)
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
			}
			return
		}

		if f.Type != frameUpdate {
			slog.Debug("websocket ignoring frame", "type", f.Type)
			continue
		}
		handler(protocol.ReceivedMessage{Serial: f.Serial, Payload: f.Payload})
	}
}
