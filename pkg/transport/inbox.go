package transport

import (
	"context"
	"sync"
)

// DefaultInboxSize is the number of frames an Inbox buffers before Put blocks.
const DefaultInboxSize = 256

// Inbox queues received frames and hands them to the installed listener
// serially, in arrival order, from its own goroutine. Frames that arrive
// before a listener is installed are held until one is.
type Inbox struct {
	frames chan []byte

	mu        sync.Mutex
	listener  Listener
	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

// NewInbox creates an Inbox buffering up to size frames and starts its
// delivery goroutine.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	in := &Inbox{
		frames: make(chan []byte, size),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go in.run()
	return in
}

// Put enqueues frame, blocking while the buffer is full. The Inbox takes
// ownership of frame.
func (in *Inbox) Put(ctx context.Context, frame []byte) error {
	select {
	case <-in.done:
		return ErrClosed
	default:
	}
	select {
	case in.frames <- frame:
		return nil
	case <-in.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetListener installs or replaces the listener.
func (in *Inbox) SetListener(listener Listener) {
	in.mu.Lock()
	in.listener = listener
	in.mu.Unlock()
	if listener != nil {
		in.readyOnce.Do(func() { close(in.ready) })
	}
}

// Close stops delivery. Queued frames are discarded.
func (in *Inbox) Close() {
	in.doneOnce.Do(func() { close(in.done) })
}

// Done is closed by Close.
func (in *Inbox) Done() <-chan struct{} { return in.done }

func (in *Inbox) run() {
	select {
	case <-in.ready:
	case <-in.done:
		return
	}
	for {
		select {
		case frame := <-in.frames:
			in.mu.Lock()
			listener := in.listener
			in.mu.Unlock()
			if listener != nil {
				listener(frame)
			}
		case <-in.done:
			return
		}
	}
}
