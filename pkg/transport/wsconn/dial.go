package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/morezero/ui-bridge/pkg/wire"
)

const dialLogPrefix = "wsconn:dial"

// DialOpts configures Dial. Nil or zero values use defaults.
type DialOpts struct {
	Codec        wire.Codec
	PingInterval time.Duration
	Header       http.Header
	// MaxAttempts bounds connection attempts; defaults to 5.
	MaxAttempts int
	// MaxRetryInterval caps the backoff between attempts; defaults to 5s.
	MaxRetryInterval time.Duration
}

// Dial connects to a bridge websocket endpoint, retrying with exponential
// backoff until it succeeds, attempts run out or ctx ends.
func Dial(ctx context.Context, url string, opts *DialOpts) (*Conn, error) {
	codec := wire.Codec(wire.JSON)
	attempts, maxRetry := 5, 5*time.Second
	var ping time.Duration
	var header http.Header
	if opts != nil {
		if opts.Codec != nil {
			codec = opts.Codec
		}
		if opts.MaxAttempts > 0 {
			attempts = opts.MaxAttempts
		}
		if opts.MaxRetryInterval > 0 {
			maxRetry = opts.MaxRetryInterval
		}
		ping = opts.PingInterval
		header = opts.Header
	}

	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol(codec)},
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: maxRetry}

	var lastErr error
	for {
		ws, _, err := d.DialContext(ctx, url, header)
		if err == nil {
			c := New(ws, &Options{Codec: codec, PingInterval: ping})
			slog.Info(fmt.Sprintf("%s - Connected to %s (session %s)", dialLogPrefix, url, c.ID()))
			return c, nil
		}
		lastErr = err

		attempt := int(b.Attempt()) + 1
		if attempt >= attempts {
			break
		}
		wait := b.Duration()
		slog.Warn(fmt.Sprintf("%s - Connection error: %v (attempt %d/%d), retrying in %s", dialLogPrefix, err, attempt, attempts, wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s - dial %s: %w", dialLogPrefix, url, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%s - dial %s: giving up after %d attempts: %w", dialLogPrefix, url, attempts, lastErr)
}
