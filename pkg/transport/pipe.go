package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory transports. Frames sent on one end are
// delivered, in order, to the listener of the other. Frames sent before the
// peer has a listener are held until one is installed. Closing either end
// closes both.
func Pipe() (Transport, Transport) {
	shared := &pipeState{}
	a := &pipeEnd{shared: shared, inbox: NewInbox(DefaultInboxSize)}
	b := &pipeEnd{shared: shared, inbox: NewInbox(DefaultInboxSize)}
	a.peer, b.peer = b, a
	return a, b
}

type pipeState struct {
	once sync.Once
}

type pipeEnd struct {
	shared *pipeState
	peer   *pipeEnd
	inbox  *Inbox
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.inbox.Done():
		return ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return p.peer.inbox.Put(ctx, cp)
}

func (p *pipeEnd) OnReceive(listener Listener) {
	p.inbox.SetListener(listener)
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() {
		p.inbox.Close()
		p.peer.inbox.Close()
	})
	return nil
}
