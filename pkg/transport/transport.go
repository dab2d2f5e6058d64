// Package transport defines the duplex frame channel a bridge runs over and
// provides an in-memory implementation.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send once the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Listener receives one inbound frame. It is invoked serially, in delivery
// order, and must not retain frame after returning.
type Listener func(frame []byte)

// Transport delivers opaque frames between the two sides of a bridge. Send
// order is preserved per direction; delivery itself is not guaranteed.
type Transport interface {
	// Send transmits frame to the peer.
	Send(ctx context.Context, frame []byte) error

	// OnReceive installs the inbound listener. There is a single registration
	// point: a second call replaces the previous listener.
	OnReceive(listener Listener)

	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// Session is a Transport bound to one remote peer. Done is closed once the
// session ends, whether closed locally or by the peer.
type Session interface {
	Transport
	ID() string
	Done() <-chan struct{}
}
