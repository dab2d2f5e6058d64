package caller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/morezero/ui-bridge/pkg/clock"
	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const callerTestPrefix = "caller:caller_test"

func TestCorrelation_OutOfOrderResponses(t *testing.T) {
	c, host := newPair(t, nil)
	ctx := context.Background()

	futures := []*Future{
		c.Go(ctx, "echo", "say", "a"),
		c.Go(ctx, "echo", "say", "b"),
		c.Go(ctx, "echo", "say", "c"),
	}

	var reqs []*wire.Request
	for i := 0; i < 3; i++ {
		req := host.next()
		if req.ID != int64(i+1) {
			t.Fatalf("%s - request %d has id %d, want %d", callerTestPrefix, i, req.ID, i+1)
		}
		reqs = append(reqs, req)
	}

	for i := len(reqs) - 1; i >= 0; i-- {
		var word string
		if err := reqs[i].Args[0].Decode(wire.JSON, &word); err != nil {
			t.Fatalf("%s - decode arg: %v", callerTestPrefix, err)
		}
		host.reply(reqs[i], fmt.Sprintf("reply-%d-%s", reqs[i].ID, word))
	}

	want := []string{"reply-1-a", "reply-2-b", "reply-3-c"}
	for i, f := range futures {
		var got string
		if err := f.Decode(context.Background(), &got); err != nil {
			t.Fatalf("%s - future %d: %v", callerTestPrefix, i, err)
		}
		if got != want[i] {
			t.Errorf("%s - future %d = %q, want %q", callerTestPrefix, i, got, want[i])
		}
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("%s - Pending = %d, want 0", callerTestPrefix, n)
	}
}

func TestRemoteError_MessageIsExact(t *testing.T) {
	c, host := newPair(t, nil)

	f := c.Go(context.Background(), "jobs", "run")
	host.fail(host.next(), "boom")

	_, err := waitValue(t, f)
	if err == nil {
		t.Fatalf("%s - expected error", callerTestPrefix)
	}
	if err.Error() != "boom" {
		t.Errorf("%s - Error() = %q, want boom", callerTestPrefix, err.Error())
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Channel != "jobs" || remote.Method != "run" {
		t.Errorf("%s - expected *RemoteError for jobs.run, got %#v", callerTestPrefix, err)
	}
}

func TestTimeout_LateResponseIgnored(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c, host := newPair(t, &Options{Timeout: time.Second, Clock: clk})

	f := c.Go(context.Background(), "slow", "work")
	req := host.next()

	clk.Advance(time.Second)

	_, err := waitValue(t, f)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - err = %v, want ErrTimeout", callerTestPrefix, err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Channel != "slow" || te.Method != "work" || te.After != time.Second {
		t.Errorf("%s - unexpected timeout error %#v", callerTestPrefix, err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("%s - Pending after timeout = %d, want 0", callerTestPrefix, n)
	}

	// The late response must be dropped without touching the settled future.
	host.reply(req, "too late")
	host.barrier(c)

	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("%s - future changed after late response: %v", callerTestPrefix, err)
	}
}

func TestTimeout_ResponseFirstDisarmsTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c, host := newPair(t, &Options{Timeout: time.Second, Clock: clk})

	f := c.Go(context.Background(), "fast", "work")
	if got := clk.PendingCount(); got != 1 {
		t.Fatalf("%s - armed timers = %d, want 1", callerTestPrefix, got)
	}
	host.reply(host.next(), "done")

	var got string
	if err := f.Decode(context.Background(), &got); err != nil || got != "done" {
		t.Fatalf("%s - result = %q (%v), want done", callerTestPrefix, got, err)
	}
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("%s - timer still armed after response: %d", callerTestPrefix, n)
	}

	// Settling twice would close the done channel twice and panic.
	clk.Advance(time.Hour)

	v, err := f.Wait(context.Background())
	if err != nil || string(v) != `"done"` {
		t.Errorf("%s - future changed after timer window: %s, %v", callerTestPrefix, v, err)
	}
}

func TestProxy_NoTimeoutMethods(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c, host := newPair(t, &Options{Timeout: time.Second, Clock: clk})
	p := c.Proxy("archive", &ProxyOptions{NoTimeoutMethods: []string{"export"}})

	if p.Channel() != "archive" {
		t.Errorf("%s - Channel() = %q", callerTestPrefix, p.Channel())
	}

	export := p.Go(context.Background(), "export")
	exportReq := host.next()
	quick := p.Go(context.Background(), "status")
	host.next()

	clk.Advance(time.Hour)

	if _, err := waitValue(t, quick); !errors.Is(err, ErrTimeout) {
		t.Errorf("%s - status err = %v, want timeout", callerTestPrefix, err)
	}
	if export.Settled() {
		t.Fatalf("%s - exempt call was settled by the timer", callerTestPrefix)
	}
	if n := c.Pending(); n != 1 {
		t.Errorf("%s - Pending = %d, want 1", callerTestPrefix, n)
	}

	host.reply(exportReq, 12)
	var n int
	if err := export.Decode(context.Background(), &n); err != nil || n != 12 {
		t.Errorf("%s - export = %d (%v), want 12", callerTestPrefix, n, err)
	}
}

func TestNegativeTimeoutDisablesTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c, host := newPair(t, &Options{Timeout: -1, Clock: clk})

	f := c.Go(context.Background(), "any", "thing")
	host.next()
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("%s - timers armed with timeouts disabled: %d", callerTestPrefix, n)
	}
	if f.Settled() {
		t.Errorf("%s - future settled without a response", callerTestPrefix)
	}
}

func TestInvoke_ContextCancelAbandonsCall(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c, host := newPair(t, &Options{Timeout: time.Second, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		host.next()
		cancel()
	}()

	_, err := c.Invoke(ctx, "slow", "work")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("%s - err = %v, want context.Canceled", callerTestPrefix, err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("%s - Pending after cancel = %d, want 0", callerTestPrefix, n)
	}
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("%s - timeout still armed after cancel: %d", callerTestPrefix, n)
	}
}

func TestGo_SendFailureSettles(t *testing.T) {
	hostEnd, uiEnd := transport.Pipe()
	hostEnd.Close()

	c := New(uiEnd, nil)
	c.Start()
	defer c.Close()

	_, err := waitValue(t, c.Go(context.Background(), "c", "m"))
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("%s - err = %v, want ErrClosed from transport", callerTestPrefix, err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("%s - Pending after failed send = %d, want 0", callerTestPrefix, n)
	}
}

func TestGo_UnencodableArgument(t *testing.T) {
	c, _ := newPair(t, nil)
	f := c.Go(context.Background(), "c", "m", make(chan int))
	if _, err := waitValue(t, f); err == nil {
		t.Errorf("%s - expected encode error", callerTestPrefix)
	}
	if f.ID() != 0 {
		t.Errorf("%s - unsent call should have id 0, got %d", callerTestPrefix, f.ID())
	}
}

func TestClose_SettlesOutstanding(t *testing.T) {
	c, host := newPair(t, nil)

	f := c.Go(context.Background(), "c", "m")
	host.next()
	c.Close()

	if _, err := waitValue(t, f); !errors.Is(err, ErrClosed) {
		t.Errorf("%s - err = %v, want ErrClosed", callerTestPrefix, err)
	}
	if _, err := waitValue(t, c.Go(context.Background(), "c", "m")); !errors.Is(err, ErrClosed) {
		t.Errorf("%s - call after Close err = %v, want ErrClosed", callerTestPrefix, err)
	}
}

func TestReceive_IgnoresForeignFrames(t *testing.T) {
	c, host := newPair(t, nil)

	host.raw([]byte("garbage"))
	host.raw([]byte(`{"id":1,"channel":"c","method":"m","args":[]}`))
	host.raw([]byte(`{"id":999,"channel":"c","method":"m","args":[],"status":"success","body":1}`))
	host.push("nobody.listens", 1)
	host.barrier(c)

	f := c.Go(context.Background(), "c", "m")
	host.reply(host.next(), "still works")
	var got string
	if err := f.Decode(context.Background(), &got); err != nil || got != "still works" {
		t.Errorf("%s - call after foreign frames = %q (%v)", callerTestPrefix, got, err)
	}
}

func TestCallAs_DecodesResult(t *testing.T) {
	c, host := newPair(t, nil)
	p := c.Proxy("geo", nil)

	type point struct {
		X, Y int
	}
	go func() {
		req := host.next()
		host.reply(req, point{X: 3, Y: 4})
	}()

	got, err := CallAs[point](context.Background(), p, "origin")
	if err != nil {
		t.Fatalf("%s - CallAs: %v", callerTestPrefix, err)
	}
	if got != (point{X: 3, Y: 4}) {
		t.Errorf("%s - CallAs = %+v", callerTestPrefix, got)
	}

	go func() { host.reply(host.next(), "not a point") }()
	if _, err := CallAs[point](context.Background(), p, "origin"); err == nil {
		t.Errorf("%s - expected decode error", callerTestPrefix)
	}
}

func TestMethod_BindsName(t *testing.T) {
	c, host := newPair(t, nil)
	ping := c.Proxy("system", nil).Method("ping")

	go func() {
		req := host.next()
		if req.Channel != "system" || req.Method != "ping" || len(req.Args) != 1 {
			t.Errorf("%s - unexpected request %+v", callerTestPrefix, req)
		}
		host.reply(req, "pong")
	}()

	v, err := ping(context.Background(), "hello")
	if err != nil || string(v) != `"pong"` {
		t.Errorf("%s - ping = %s (%v)", callerTestPrefix, v, err)
	}
}
