// Package wsconn carries one bridge session over one websocket connection.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"

	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const logPrefix = "wsconn:conn"

const closeWriteWait = time.Second

// Subprotocol names the websocket subprotocol for codec. Both ends must agree
// on it; the handshake fails otherwise.
func Subprotocol(codec wire.Codec) string {
	return "bridge." + codec.Name()
}

// Options configures a Conn. Nil or zero values use defaults.
type Options struct {
	// Codec decides the message type: text frames for JSON, binary otherwise.
	Codec wire.Codec
	// PingInterval enables keepalive pings. The peer is considered gone after
	// two intervals without a pong.
	PingInterval time.Duration
}

// Conn adapts a websocket connection to transport.Session.
type Conn struct {
	ws          *websocket.Conn
	id          string
	messageType int
	inbox       *transport.Inbox

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ transport.Session = (*Conn)(nil)

// New wraps an established websocket connection and starts reading from it.
// Pass nil for opts to use defaults.
func New(ws *websocket.Conn, opts *Options) *Conn {
	codec, ping := wire.Codec(wire.JSON), time.Duration(0)
	if opts != nil {
		if opts.Codec != nil {
			codec = opts.Codec
		}
		ping = opts.PingInterval
	}
	c := &Conn{
		ws:          ws,
		id:          nuid.Next(),
		messageType: websocket.BinaryMessage,
		inbox:       transport.NewInbox(transport.DefaultInboxSize),
	}
	if codec.Name() == wire.JSON.Name() {
		c.messageType = websocket.TextMessage
	}
	if ping > 0 {
		c.keepalive(ping)
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn(fmt.Sprintf("%s - session %s read failed: %v", logPrefix, c.id, err))
			} else {
				slog.Debug(fmt.Sprintf("%s - session %s closed: %v", logPrefix, c.id, err))
			}
			return
		}
		if err := c.inbox.Put(context.Background(), frame); err != nil {
			return
		}
	}
}

func (c *Conn) keepalive(interval time.Duration) {
	grace := 2 * interval
	_ = c.ws.SetReadDeadline(time.Now().Add(grace))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(grace))
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
					slog.Debug(fmt.Sprintf("%s - session %s ping failed: %v", logPrefix, c.id, err))
					return
				}
			case <-c.inbox.Done():
				return
			}
		}
	}()
}

// ID returns the session id assigned when the connection was wrapped.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.inbox.Done() }

// Send writes frame as one websocket message. A ctx deadline becomes the
// write deadline.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.inbox.Done():
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%s - session %s: %w", logPrefix, c.id, err)
	}
	if err := c.ws.WriteMessage(c.messageType, frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return fmt.Errorf("%s - session %s write: %w", logPrefix, c.id, err)
	}
	return nil
}

// OnReceive installs the inbound listener.
func (c *Conn) OnReceive(listener transport.Listener) {
	c.inbox.SetListener(listener)
}

// Close sends a normal close message and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		err = c.ws.Close()
		c.inbox.Close()
	})
	return err
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		c.inbox.Close()
	})
}
