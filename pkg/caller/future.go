package caller

import (
	"context"

	"github.com/morezero/ui-bridge/pkg/clock"
	"github.com/morezero/ui-bridge/pkg/wire"
)

// Future is the pending result of one call. It is settled exactly once, by
// whichever of response arrival, timeout, cancellation or Close claims the
// call's entry in the pending table first.
type Future struct {
	id      int64
	channel string
	method  string
	codec   wire.Codec

	done  chan struct{}
	value wire.Value
	err   error

	// timer is guarded by the owning Caller's mutex.
	timer *clock.Timer
}

func newFuture(id int64, channel, method string, codec wire.Codec) *Future {
	return &Future{
		id:      id,
		channel: channel,
		method:  method,
		codec:   codec,
		done:    make(chan struct{}),
	}
}

// failed returns an already-settled future.
func failed(channel, method string, codec wire.Codec, err error) *Future {
	f := newFuture(0, channel, method, codec)
	f.settle(nil, err)
	return f
}

// settle must only be called by the party that removed the future from the
// pending table, or on a future that was never registered.
func (f *Future) settle(value wire.Value, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// ID returns the call's correlation id, or 0 if the call was never sent.
func (f *Future) ID() int64 { return f.id }

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the call settles or ctx is done. A ctx expiry only stops
// the wait; the call itself stays pending.
func (f *Future) Wait(ctx context.Context) (wire.Value, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the call has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Decode waits for the call and decodes its result into target.
func (f *Future) Decode(ctx context.Context, target any) error {
	value, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return value.Decode(f.codec, target)
}
