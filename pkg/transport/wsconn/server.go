package wsconn

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/ui-bridge/pkg/wire"
)

const serverLogPrefix = "wsconn:server"

// HandlerOpts configures Handler. Nil or zero values use defaults.
type HandlerOpts struct {
	Codec        wire.Codec
	PingInterval time.Duration
	// CheckOrigin overrides the same-origin check; nil allows any origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades each request to a websocket and hands the resulting
// session to accept. accept must install its listener before returning.
func Handler(opts *HandlerOpts, accept func(*Conn)) http.Handler {
	codec := wire.Codec(wire.JSON)
	var ping time.Duration
	checkOrigin := func(*http.Request) bool { return true }
	if opts != nil {
		if opts.Codec != nil {
			codec = opts.Codec
		}
		ping = opts.PingInterval
		if opts.CheckOrigin != nil {
			checkOrigin = opts.CheckOrigin
		}
	}
	protocol := Subprotocol(codec)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{protocol},
		CheckOrigin:     checkOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - upgrade from %s failed: %v", serverLogPrefix, r.RemoteAddr, err))
			return
		}
		if got := ws.Subprotocol(); got != protocol {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected subprotocol "+protocol)
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
			_ = ws.Close()
			slog.Warn(fmt.Sprintf("%s - rejected %s: subprotocol %q, want %q", serverLogPrefix, r.RemoteAddr, got, protocol))
			return
		}

		c := New(ws, &Options{Codec: codec, PingInterval: ping})
		slog.Debug(fmt.Sprintf("%s - Accepted session %s from %s", serverLogPrefix, c.ID(), r.RemoteAddr))
		accept(c)
	})
}
