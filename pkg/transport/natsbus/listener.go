package natsbus

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/ui-bridge/pkg/commsutil"
)

const listenerLogPrefix = "natsbus:listener"

// ListenerOpts configures Listen. Nil or zero values use defaults.
type ListenerOpts struct {
	// Prefix roots the session subjects; defaults to commsutil.DefaultPrefix.
	Prefix string
	// Queue, when set, load-balances session announcements across every host
	// listening with the same queue name.
	Queue string
}

// Listener accepts sessions announced on the connect subject.
type Listener struct {
	sub *comms.Subscription
}

// Listen subscribes to the connect subject. accept is called with the host
// end of every new session before the UI is told the session is ready, so
// accept must install its listener before returning.
func Listen(nc *comms.Conn, opts *ListenerOpts, accept func(*Conn)) (*Listener, error) {
	prefix, queue := commsutil.DefaultPrefix, ""
	if opts != nil {
		if opts.Prefix != "" {
			prefix = opts.Prefix
		}
		queue = opts.Queue
	}
	if err := commsutil.ValidatePrefix(prefix); err != nil {
		return nil, fmt.Errorf("%s - listen: %w", listenerLogPrefix, err)
	}

	handler := func(msg *comms.Msg) {
		session := string(msg.Data)
		if err := commsutil.ValidateToken(session); err != nil {
			slog.Warn(fmt.Sprintf("%s - rejecting session announcement: %v", listenerLogPrefix, err))
			return
		}
		c, err := open(nc, session, commsutil.BuildHostSubject(prefix, session), commsutil.BuildUISubject(prefix, session))
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to open session %s: %v", listenerLogPrefix, session, err))
			return
		}
		accept(c)
		if err := msg.Respond([]byte("ok")); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to acknowledge session %s: %v", listenerLogPrefix, session, err))
			c.shutdown()
			return
		}
		slog.Debug(fmt.Sprintf("%s - Accepted session %s", listenerLogPrefix, session))
	}

	subject := commsutil.BuildConnectSubject(prefix)
	var sub *comms.Subscription
	var err error
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", listenerLogPrefix, subject, err)
	}

	slog.Info(fmt.Sprintf("%s - Listening for sessions on %s", listenerLogPrefix, subject))
	return &Listener{sub: sub}, nil
}

// Close stops accepting sessions. Established sessions are unaffected.
func (l *Listener) Close() error {
	if err := l.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("%s - unsubscribe: %w", listenerLogPrefix, err)
	}
	return nil
}
