// Package pgnotify carries bridge sessions over Postgres LISTEN/NOTIFY. Each
// session uses one notification channel per direction; hosts accept sessions
// announced on the connect channel.
package pgnotify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/morezero/ui-bridge/pkg/transport"
)

const logPrefix = "pgnotify:conn"

// DefaultPrefix roots channel names unless BRIDGE_PG_CHANNEL_PREFIX overrides it.
const DefaultPrefix = "bridge"

// MaxPayload is the largest NOTIFY payload Postgres accepts by default.
const MaxPayload = 7999

const maxIdentifier = 63

// Control payloads start with a byte that neither a JSON object nor base64
// text can start with.
const (
	controlReady   = "!ready"
	controlClose   = "!close"
	controlRefused = "!refused"
)

// DefaultSendTimeout bounds a NOTIFY whose context carries no deadline.
const DefaultSendTimeout = 10 * time.Second

// DefaultNotifyReserve is the number of pooled connections a Listener keeps
// free for NOTIFY. Every live session holds one connection in LISTEN.
const DefaultNotifyReserve = 1

// ErrFrameTooLarge is returned by Send for frames that do not fit in one
// notification.
var ErrFrameTooLarge = errors.New("frame exceeds notification payload limit")

// ErrRefused is returned by Dial when the host has no pool capacity left for
// another session.
var ErrRefused = errors.New("host refused session: no connection capacity")

// hasHeadroom reports whether one more LISTEN connection still leaves reserve
// connections for NOTIFY.
func hasHeadroom(acquired, maxConns, reserve int32) bool {
	return acquired+1+reserve <= maxConns
}

// ConnectChannel returns the channel UIs announce new sessions on.
func ConnectChannel(prefix string) string {
	return prefix + "_connect"
}

// HostChannel returns the channel carrying frames UI -> host.
func HostChannel(prefix, session string) string {
	return prefix + "_" + session + "_host"
}

// UIChannel returns the channel carrying frames host -> UI.
func UIChannel(prefix, session string) string {
	return prefix + "_" + session + "_ui"
}

// ValidateName checks that s is usable inside a channel name.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("%s - empty name", logPrefix)
	}
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return fmt.Errorf("%s - invalid character %q in %q", logPrefix, r, s)
		}
	}
	return nil
}

func validateChannels(prefix, session string) error {
	if err := ValidateName(prefix); err != nil {
		return err
	}
	if err := ValidateName(session); err != nil {
		return err
	}
	if n := len(HostChannel(prefix, session)); n > maxIdentifier {
		return fmt.Errorf("%s - channel name for session %s is %d bytes, limit %d", logPrefix, session, n, maxIdentifier)
	}
	return nil
}

func encodePayload(frame []byte, binary bool) string {
	if binary {
		return base64.StdEncoding.EncodeToString(frame)
	}
	return string(frame)
}

func decodePayload(payload string, binary bool) ([]byte, error) {
	if binary {
		return base64.StdEncoding.DecodeString(payload)
	}
	return []byte(payload), nil
}

// listen holds a pooled connection in LISTEN on channel and calls fn with
// every payload until stop is called.
func listen(ctx context.Context, pool *pgxpool.Pool, channel string, fn func(payload string)) (stop func(), err error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - acquire listener connection: %w", logPrefix, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%s - listen %s: %w", logPrefix, channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					slog.Error(fmt.Sprintf("%s - listener on %s failed: %v", logPrefix, channel, err))
				}
				return
			}
			fn(n.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if !conn.Conn().IsClosed() {
				unlistenCtx, cancelUnlisten := context.WithTimeout(context.Background(), time.Second)
				_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
				cancelUnlisten()
			}
			conn.Release()
		})
	}, nil
}

func notify(ctx context.Context, pool *pgxpool.Pool, channel, payload string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSendTimeout)
		defer cancel()
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("%s - notify %s: %w", logPrefix, channel, err)
	}
	return nil
}

// Conn is one end of a bridge session. It implements transport.Session.
type Conn struct {
	pool    *pgxpool.Pool
	session string
	send    string
	binary  bool
	inbox   *transport.Inbox
	stop    func()
	ready   chan struct{}
	refused chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
}

var _ transport.Session = (*Conn)(nil)

func open(ctx context.Context, pool *pgxpool.Pool, session, recv, send string, binary bool) (*Conn, error) {
	c := &Conn{
		pool:    pool,
		session: session,
		send:    send,
		binary:  binary,
		inbox:   transport.NewInbox(transport.DefaultInboxSize),
		ready:   make(chan struct{}),
		refused: make(chan struct{}),
	}
	stop, err := listen(ctx, pool, recv, c.receive)
	if err != nil {
		c.inbox.Close()
		return nil, err
	}
	c.stop = stop
	return c, nil
}

func (c *Conn) receive(payload string) {
	switch payload {
	case controlReady:
		c.readyOnce.Do(func() { close(c.ready) })
		return
	case controlRefused:
		c.readyOnce.Do(func() { close(c.refused) })
		return
	case controlClose:
		slog.Debug(fmt.Sprintf("%s - peer closed session %s", logPrefix, c.session))
		// stop waits for this goroutine, so it must run elsewhere.
		go c.shutdown()
		return
	}
	if strings.HasPrefix(payload, "!") {
		slog.Debug(fmt.Sprintf("%s - ignoring unknown control %q on session %s", logPrefix, payload, c.session))
		return
	}
	frame, err := decodePayload(payload, c.binary)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable payload on session %s: %v", logPrefix, c.session, err))
		return
	}
	if err := c.inbox.Put(context.Background(), frame); err != nil {
		slog.Debug(fmt.Sprintf("%s - dropping frame for session %s: %v", logPrefix, c.session, err))
	}
}

// ID returns the session id.
func (c *Conn) ID() string { return c.session }

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.inbox.Done() }

// Send notifies the peer's channel with frame.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.inbox.Done():
		return transport.ErrClosed
	default:
	}
	payload := encodePayload(frame, c.binary)
	if len(payload) > MaxPayload {
		return fmt.Errorf("%s - session %s: %d bytes: %w", logPrefix, c.session, len(payload), ErrFrameTooLarge)
	}
	return notify(ctx, c.pool, c.send, payload)
}

// OnReceive installs the inbound listener.
func (c *Conn) OnReceive(listener transport.Listener) {
	c.inbox.SetListener(listener)
}

// Close ends the session and tells the peer. It does not close the pool.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = notify(ctx, c.pool, c.send, controlClose)
		cancel()
		c.inbox.Close()
		c.stop()
	})
	return err
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.inbox.Close()
		c.stop()
	})
}

// DialOpts configures Dial. Nil or zero values use defaults.
type DialOpts struct {
	Prefix  string
	Session string
	// Binary base64-encodes frames; required for non-text codecs.
	Binary bool
}

// Dial opens the UI end of a new session and waits until a host has accepted
// it. ctx bounds the wait.
func Dial(ctx context.Context, pool *pgxpool.Pool, opts *DialOpts) (*Conn, error) {
	prefix, session, binary := DefaultPrefix, "", false
	if opts != nil {
		if opts.Prefix != "" {
			prefix = opts.Prefix
		}
		session, binary = opts.Session, opts.Binary
	}
	if session == "" {
		session = nuid.Next()
	}
	if err := validateChannels(prefix, session); err != nil {
		return nil, fmt.Errorf("%s - dial: %w", logPrefix, err)
	}

	c, err := open(ctx, pool, session, UIChannel(prefix, session), HostChannel(prefix, session), binary)
	if err != nil {
		return nil, err
	}
	if err := notify(ctx, pool, ConnectChannel(prefix), session); err != nil {
		c.shutdown()
		return nil, err
	}

	select {
	case <-c.ready:
	case <-c.refused:
		c.shutdown()
		return nil, fmt.Errorf("%s - session %s: %w", logPrefix, session, ErrRefused)
	case <-ctx.Done():
		c.shutdown()
		return nil, fmt.Errorf("%s - no host accepted session %s: %w", logPrefix, session, ctx.Err())
	}
	slog.Info(fmt.Sprintf("%s - Session %s established on %s", logPrefix, session, prefix))
	return c, nil
}

// ListenerOpts configures Listen. Nil or zero values use defaults.
type ListenerOpts struct {
	Prefix string
	Binary bool
	// NotifyReserve is how many pool connections stay free for NOTIFY;
	// announcements beyond that are refused. Defaults to DefaultNotifyReserve.
	NotifyReserve int32
}

// Listener accepts sessions announced on the connect channel.
type Listener struct {
	stop func()
}

// Listen starts accepting sessions. accept is called with the host end of
// every new session before the UI is told the session is ready.
func Listen(ctx context.Context, pool *pgxpool.Pool, opts *ListenerOpts, accept func(*Conn)) (*Listener, error) {
	prefix, binary, reserve := DefaultPrefix, false, int32(DefaultNotifyReserve)
	if opts != nil {
		if opts.Prefix != "" {
			prefix = opts.Prefix
		}
		binary = opts.Binary
		if opts.NotifyReserve > 0 {
			reserve = opts.NotifyReserve
		}
	}
	if err := ValidateName(prefix); err != nil {
		return nil, fmt.Errorf("%s - listen: %w", logPrefix, err)
	}
	// The connect listener itself holds one connection.
	if maxConns := pool.Config().MaxConns; !hasHeadroom(1, maxConns, reserve) {
		return nil, fmt.Errorf("%s - listen: pool of %d connections leaves no room for sessions with %d reserved for NOTIFY", logPrefix, maxConns, reserve)
	}

	stop, err := listen(ctx, pool, ConnectChannel(prefix), func(session string) {
		if err := validateChannels(prefix, session); err != nil {
			slog.Warn(fmt.Sprintf("%s - rejecting session announcement: %v", logPrefix, err))
			return
		}
		openCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if st := pool.Stat(); !hasHeadroom(st.AcquiredConns(), st.MaxConns(), reserve) {
			slog.Warn(fmt.Sprintf("%s - refusing session %s: %d of %d connections in use, %d reserved for NOTIFY",
				logPrefix, session, st.AcquiredConns(), st.MaxConns(), reserve))
			if err := notify(openCtx, pool, UIChannel(prefix, session), controlRefused); err != nil {
				slog.Error(fmt.Sprintf("%s - failed to refuse session %s: %v", logPrefix, session, err))
			}
			return
		}
		c, err := open(openCtx, pool, session, HostChannel(prefix, session), UIChannel(prefix, session), binary)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to open session %s: %v", logPrefix, session, err))
			return
		}
		accept(c)
		if err := notify(openCtx, pool, UIChannel(prefix, session), controlReady); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to acknowledge session %s: %v", logPrefix, session, err))
			c.shutdown()
			return
		}
		slog.Debug(fmt.Sprintf("%s - Accepted session %s", logPrefix, session))
	})
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - Listening for sessions on %s", logPrefix, ConnectChannel(prefix)))
	return &Listener{stop: stop}, nil
}

// Close stops accepting sessions. Established sessions are unaffected.
func (l *Listener) Close() error {
	l.stop()
	return nil
}
