// Package caller is the UI side of the bridge. It turns method calls into
// request frames, correlates responses back to the waiting call by id,
// enforces call timeouts and fans push notifications out to subscribers.
package caller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/ui-bridge/pkg/clock"
	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const logPrefix = "caller:caller"

// DefaultTimeout bounds a call when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Options configures a Caller. Nil or zero values use defaults.
type Options struct {
	// Codec frames envelopes; defaults to wire.JSON. Must match the host.
	Codec wire.Codec
	// Timeout bounds every call not exempted by its proxy. Negative disables
	// timeouts entirely; zero means DefaultTimeout.
	Timeout time.Duration
	// Clock drives call timeouts; defaults to clock.Real().
	Clock clock.Clock
}

// Caller owns the pending-call table and the subscriber set for one bridge.
type Caller struct {
	tr      transport.Transport
	codec   wire.Codec
	timeout time.Duration
	clock   clock.Clock

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*Future
	subs    map[string][]*Subscription
	closed  bool
}

// New creates a Caller on tr. Call Start to begin receiving. Pass nil for
// opts to use defaults.
func New(tr transport.Transport, opts *Options) *Caller {
	c := &Caller{
		tr:      tr,
		codec:   wire.JSON,
		timeout: DefaultTimeout,
		clock:   clock.Real(),
		pending: make(map[int64]*Future),
		subs:    make(map[string][]*Subscription),
	}
	if opts != nil {
		if opts.Codec != nil {
			c.codec = opts.Codec
		}
		if opts.Timeout != 0 {
			c.timeout = opts.Timeout
		}
		if opts.Clock != nil {
			c.clock = opts.Clock
		}
	}
	return c
}

// Start installs the receive loop on the transport.
func (c *Caller) Start() {
	c.tr.OnReceive(c.receive)
}

// Codec returns the codec results must be decoded with.
func (c *Caller) Codec() wire.Codec { return c.codec }

// Go sends a call and returns its future without waiting. ctx bounds only
// the send.
func (c *Caller) Go(ctx context.Context, channel, method string, args ...any) *Future {
	return c.call(ctx, channel, method, args, false)
}

// Invoke sends a call and waits for its result. If ctx ends first the call is
// abandoned locally: its entry is freed and a late response is dropped.
func (c *Caller) Invoke(ctx context.Context, channel, method string, args ...any) (wire.Value, error) {
	return c.wait(ctx, c.call(ctx, channel, method, args, false))
}

func (c *Caller) wait(ctx context.Context, f *Future) (wire.Value, error) {
	value, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil && !f.Settled() {
		if claimed, timer := c.take(f.id); claimed != nil {
			stop(timer)
			claimed.settle(nil, ctx.Err())
		}
		return f.Wait(context.Background())
	}
	return value, err
}

// call runs the per-call state machine: allocate an id, register the
// future, arm the timeout, send the request.
func (c *Caller) call(ctx context.Context, channel, method string, args []any, noTimeout bool) *Future {
	values, err := wire.NewValues(c.codec, args)
	if err != nil {
		return failed(channel, method, c.codec, fmt.Errorf("%s - %s.%s: %w", logPrefix, channel, method, err))
	}

	id := c.nextID.Add(1)
	f := newFuture(id, channel, method, c.codec)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return failed(channel, method, c.codec, ErrClosed)
	}
	c.pending[id] = f
	c.mu.Unlock()

	if !noTimeout && c.timeout > 0 {
		after := c.timeout
		timer := c.clock.AfterFunc(after, func() { c.expire(id, after) })
		c.mu.Lock()
		if _, ok := c.pending[id]; ok {
			f.timer = timer
		} else {
			timer.Stop()
		}
		c.mu.Unlock()
	}

	frame, err := wire.Encode(c.codec, &wire.Request{ID: id, Channel: channel, Method: method, Args: values})
	if err == nil {
		err = c.tr.Send(ctx, frame)
	}
	if err != nil {
		if claimed, timer := c.take(id); claimed != nil {
			stop(timer)
			claimed.settle(nil, fmt.Errorf("%s - send %s.%s: %w", logPrefix, channel, method, err))
		}
	}
	return f
}

// take removes id from the pending table. Only the caller that gets a
// non-nil future back may settle it.
func (c *Caller) take(id int64) (*Future, *clock.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil, nil
	}
	delete(c.pending, id)
	timer := f.timer
	f.timer = nil
	return f, timer
}

func (c *Caller) expire(id int64, after time.Duration) {
	f, _ := c.take(id)
	if f == nil {
		return
	}
	slog.Debug(fmt.Sprintf("%s - call %d %s.%s timed out after %s", logPrefix, id, f.channel, f.method, after))
	f.settle(nil, &TimeoutError{Channel: f.channel, Method: f.method, After: after})
}

func stop(timer *clock.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// receive is the single transport listener. Each frame is classified on its
// own; responses and pushes may interleave freely.
func (c *Caller) receive(frame []byte) {
	switch kind := wire.Classify(c.codec, frame); kind {
	case wire.KindResponse:
		c.handleResponse(frame)
	case wire.KindPush:
		c.handlePush(frame)
	default:
		slog.Debug(fmt.Sprintf("%s - ignoring unrecognized %s frame (%d bytes)", logPrefix, kind, len(frame)))
	}
}

func (c *Caller) handleResponse(frame []byte) {
	resp, err := wire.DecodeResponse(c.codec, frame)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable response: %v", logPrefix, err))
		return
	}

	f, timer := c.take(resp.ID)
	if f == nil {
		slog.Debug(fmt.Sprintf("%s - no pending call for response %d (%s.%s)", logPrefix, resp.ID, resp.Channel, resp.Method))
		return
	}
	stop(timer)

	if resp.Failed() {
		f.settle(nil, &RemoteError{Channel: f.channel, Method: f.method, Message: resp.Error})
		return
	}
	f.settle(resp.Body, nil)
}

// Pending returns the number of outstanding calls.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close settles every outstanding call with ErrClosed and drops all
// subscriptions. It does not close the transport.
func (c *Caller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	outstanding := c.pending
	c.pending = make(map[int64]*Future)
	c.subs = make(map[string][]*Subscription)
	c.mu.Unlock()

	for _, f := range outstanding {
		stop(f.timer)
		f.timer = nil
		f.settle(nil, ErrClosed)
	}
}
