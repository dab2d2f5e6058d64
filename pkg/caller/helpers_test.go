package caller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

// fakeHost plays the host side of a pipe by hand so tests control exactly
// when and in which order responses arrive.
type fakeHost struct {
	t        *testing.T
	tr       transport.Transport
	requests chan *wire.Request
}

func newFakeHost(t *testing.T, tr transport.Transport) *fakeHost {
	t.Helper()
	h := &fakeHost{t: t, tr: tr, requests: make(chan *wire.Request, 64)}
	tr.OnReceive(func(frame []byte) {
		req, err := wire.DecodeRequest(wire.JSON, frame)
		if err != nil {
			t.Errorf("caller:helpers_test - host got undecodable frame %q: %v", frame, err)
			return
		}
		h.requests <- req
	})
	return h
}

func (h *fakeHost) next() *wire.Request {
	h.t.Helper()
	select {
	case req := <-h.requests:
		return req
	case <-time.After(5 * time.Second):
		h.t.Fatal("caller:helpers_test - timeout waiting for request")
		return nil
	}
}

func (h *fakeHost) send(envelope any) {
	h.t.Helper()
	frame, err := wire.Encode(wire.JSON, envelope)
	if err != nil {
		h.t.Fatalf("caller:helpers_test - encode: %v", err)
	}
	h.raw(frame)
}

func (h *fakeHost) raw(frame []byte) {
	h.t.Helper()
	if err := h.tr.Send(context.Background(), frame); err != nil {
		h.t.Fatalf("caller:helpers_test - send: %v", err)
	}
}

func (h *fakeHost) reply(req *wire.Request, body any) {
	h.t.Helper()
	v, err := wire.NewValue(wire.JSON, body)
	if err != nil {
		h.t.Fatalf("caller:helpers_test - encode body: %v", err)
	}
	h.send(wire.Success(req, v))
}

func (h *fakeHost) fail(req *wire.Request, message string) {
	h.t.Helper()
	h.send(wire.Failure(req, message))
}

func (h *fakeHost) push(channel string, body any) {
	h.t.Helper()
	v, err := wire.NewValue(wire.JSON, body)
	if err != nil {
		h.t.Fatalf("caller:helpers_test - encode body: %v", err)
	}
	h.send(&wire.Push{ID: channel, Body: v})
}

// barrier pushes a marker and waits until the caller delivers it. The pipe
// is ordered, so every frame the host sent before the marker has been
// processed when barrier returns.
func (h *fakeHost) barrier(c *Caller) {
	h.t.Helper()
	reached := make(chan struct{})
	var once sync.Once
	sub := c.Subscribe("test.barrier", func(wire.Value) { once.Do(func() { close(reached) }) })
	defer sub.Unsubscribe()

	h.push("test.barrier", true)
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		h.t.Fatal("caller:helpers_test - barrier never reached")
	}
}

func newPair(t *testing.T, opts *Options) (*Caller, *fakeHost) {
	t.Helper()
	hostEnd, uiEnd := transport.Pipe()
	t.Cleanup(func() { hostEnd.Close() })

	host := newFakeHost(t, hostEnd)
	c := New(uiEnd, opts)
	c.Start()
	t.Cleanup(c.Close)
	return c, host
}

func waitValue(t *testing.T, f *Future) (wire.Value, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("caller:helpers_test - future never settled")
	}
	return v, err
}
