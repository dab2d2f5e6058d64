// Package natsbus carries bridge sessions over COMMS (NATS). Each session
// uses one subject per direction; the host accepts sessions announced on the
// connect subject.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/morezero/ui-bridge/pkg/commsutil"
	"github.com/morezero/ui-bridge/pkg/transport"
)

const logPrefix = "natsbus:conn"

// Control messages travel on the data subjects, marked by a header so they
// can never be confused with frames.
const (
	controlHeader = "Bridge-Control"
	controlClose  = "close"
)

// Conn is one end of a bridge session. It implements transport.Session.
type Conn struct {
	nc      *comms.Conn
	session string
	send    string
	inbox   *transport.Inbox
	sub     *comms.Subscription

	closeOnce sync.Once
}

var _ transport.Session = (*Conn)(nil)

func open(nc *comms.Conn, session, recvSubject, sendSubject string) (*Conn, error) {
	c := &Conn{
		nc:      nc,
		session: session,
		send:    sendSubject,
		inbox:   transport.NewInbox(transport.DefaultInboxSize),
	}
	sub, err := nc.Subscribe(recvSubject, c.receive)
	if err != nil {
		c.inbox.Close()
		return nil, fmt.Errorf("%s - subscribe %s: %w", logPrefix, recvSubject, err)
	}
	c.sub = sub
	return c, nil
}

func (c *Conn) receive(msg *comms.Msg) {
	if msg.Header != nil && msg.Header.Get(controlHeader) == controlClose {
		slog.Debug(fmt.Sprintf("%s - peer closed session %s", logPrefix, c.session))
		c.shutdown()
		return
	}
	if err := c.inbox.Put(context.Background(), msg.Data); err != nil {
		slog.Debug(fmt.Sprintf("%s - dropping frame for session %s: %v", logPrefix, c.session, err))
	}
}

// ID returns the session id.
func (c *Conn) ID() string { return c.session }

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.inbox.Done() }

// Send publishes frame to the peer's subject.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.inbox.Done():
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := c.nc.Publish(c.send, frame); err != nil {
		return fmt.Errorf("%s - publish %s: %w", logPrefix, c.send, err)
	}
	return nil
}

// OnReceive installs the inbound listener.
func (c *Conn) OnReceive(listener transport.Listener) {
	c.inbox.SetListener(listener)
}

// Close ends the session and tells the peer. It does not close the COMMS
// connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := comms.NewMsg(c.send)
		msg.Header.Set(controlHeader, controlClose)
		if pubErr := c.nc.PublishMsg(msg); pubErr != nil {
			err = fmt.Errorf("%s - announce close of %s: %w", logPrefix, c.session, pubErr)
		}
		c.shutdown()
	})
	return err
}

func (c *Conn) shutdown() {
	c.inbox.Close()
	if err := c.sub.Unsubscribe(); err != nil && err != comms.ErrConnectionClosed && err != comms.ErrBadSubscription {
		slog.Debug(fmt.Sprintf("%s - unsubscribe session %s: %v", logPrefix, c.session, err))
	}
}

// DialOpts configures Dial. Nil or zero values use defaults.
type DialOpts struct {
	// Prefix roots the session subjects; defaults to commsutil.DefaultPrefix.
	Prefix string
	// Session fixes the session id instead of generating one.
	Session string
}

// Dial opens the UI end of a new session and waits until a host has accepted
// it. ctx bounds the wait.
func Dial(ctx context.Context, nc *comms.Conn, opts *DialOpts) (*Conn, error) {
	prefix, session := commsutil.DefaultPrefix, ""
	if opts != nil {
		if opts.Prefix != "" {
			prefix = opts.Prefix
		}
		session = opts.Session
	}
	if session == "" {
		session = nuid.Next()
	}
	if err := commsutil.ValidateToken(session); err != nil {
		return nil, fmt.Errorf("%s - dial: %w", logPrefix, err)
	}

	c, err := open(nc, session, commsutil.BuildUISubject(prefix, session), commsutil.BuildHostSubject(prefix, session))
	if err != nil {
		return nil, err
	}

	connect := commsutil.BuildConnectSubject(prefix)
	if _, err := nc.RequestWithContext(ctx, connect, []byte(session)); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("%s - no host accepted session %s on %s: %w", logPrefix, session, connect, err)
	}

	slog.Info(fmt.Sprintf("%s - Session %s established on %s", logPrefix, session, prefix))
	return c, nil
}
