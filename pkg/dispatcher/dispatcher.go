// Package dispatcher is the host side of the bridge: it owns the channel
// registry, turns inbound requests into handler invocations and sends back
// exactly one response per request. It also pushes one-way notifications.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/ui-bridge/pkg/contract"
	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const logPrefix = "dispatcher:dispatch"

// IntrospectionChannel is registered on every dispatcher. Its methods are
// describe(channel) and channels().
const IntrospectionChannel = wire.IntrospectionChannel

// DefaultSendTimeout bounds every response and push send when
// Options.SendTimeout is zero.
const DefaultSendTimeout = 10 * time.Second

// Options configures a Dispatcher. Nil or zero values use defaults.
type Options struct {
	// Codec frames envelopes; defaults to wire.JSON.
	Codec wire.Codec
	// Context is the parent of every handler context; defaults to
	// context.Background().
	Context context.Context
	// SendTimeout bounds each response and push send; defaults to
	// DefaultSendTimeout.
	SendTimeout time.Duration
}

// Dispatcher routes requests arriving on a transport to registered targets.
type Dispatcher struct {
	tr     transport.Transport
	codec  wire.Codec
	ctx    context.Context
	cancel context.CancelFunc

	sendTimeout time.Duration

	mu      sync.RWMutex
	targets map[string]*registration
	closed  bool

	inflight sync.WaitGroup
}

type registration struct {
	target   *target
	contract *contract.Contract
}

// New creates a Dispatcher on tr. Call Start to begin serving. Pass nil for
// opts to use defaults.
func New(tr transport.Transport, opts *Options) *Dispatcher {
	codec := wire.JSON
	parent := context.Background()
	sendTimeout := DefaultSendTimeout
	if opts != nil {
		if opts.SendTimeout > 0 {
			sendTimeout = opts.SendTimeout
		}
		if opts.Codec != nil {
			codec = opts.Codec
		}
		if opts.Context != nil {
			parent = opts.Context
		}
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		tr:      tr,
		codec:   codec,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*registration),

		sendTimeout: sendTimeout,
	}
	intro, _ := newTarget(introspection{d: d})
	d.targets[IntrospectionChannel] = &registration{target: intro}
	return d
}

// Register associates channel with target. A target is a func (invoked for
// any method name with the request args spread positionally), a Methods
// table, or any value whose exported methods are invoked by name.
// Registering an already-used channel replaces the previous target.
func (d *Dispatcher) Register(channel string, target any) error {
	t, err := newTarget(target)
	if err != nil {
		return fmt.Errorf("%s - register %s: %w", logPrefix, channel, err)
	}
	d.store(channel, &registration{target: t})
	return nil
}

// RegisterContract registers target together with the contract describing
// it. Every method the contract lists must resolve on the target.
func (d *Dispatcher) RegisterContract(channel string, target any, c contract.Contract) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%s - register %s: %w", logPrefix, channel, err)
	}
	t, err := newTarget(target)
	if err != nil {
		return fmt.Errorf("%s - register %s: %w", logPrefix, channel, err)
	}
	for _, m := range c.Methods {
		if _, ok := t.lookup(m); !ok {
			return fmt.Errorf("%s - register %s: contract method %q has no handler", logPrefix, channel, m)
		}
	}
	d.store(channel, &registration{target: t, contract: &c})
	return nil
}

func (d *Dispatcher) store(channel string, reg *registration) {
	d.mu.Lock()
	_, replaced := d.targets[channel]
	d.targets[channel] = reg
	d.mu.Unlock()

	if replaced {
		slog.Info(fmt.Sprintf("%s - Replaced target for channel %s", logPrefix, channel))
	} else {
		slog.Debug(fmt.Sprintf("%s - Registered channel %s", logPrefix, channel))
	}
}

// Unregister removes channel. Later requests for it get an unknown-channel
// error response.
func (d *Dispatcher) Unregister(channel string) {
	d.mu.Lock()
	delete(d.targets, channel)
	d.mu.Unlock()
}

// Channels lists the registered channel names, sorted, without the
// introspection channel.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.targets))
	for name := range d.targets {
		if name == IntrospectionChannel {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe returns the descriptor of a registered channel.
func (d *Dispatcher) Describe(channel string) (*contract.Descriptor, error) {
	d.mu.RLock()
	reg, ok := d.targets[channel]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.New(unknownChannel(channel))
	}
	if reg.contract != nil {
		return reg.contract.Describe(channel), nil
	}
	return &contract.Descriptor{Channel: channel, Methods: reg.target.names()}, nil
}

// Start installs the dispatcher's listener on the transport. Each request is
// handled on its own goroutine, so responses may leave in a different order
// than requests arrived.
func (d *Dispatcher) Start() {
	d.tr.OnReceive(func(frame []byte) {
		d.mu.RLock()
		closed := d.closed
		if !closed {
			d.inflight.Add(1)
		}
		d.mu.RUnlock()
		if closed {
			slog.Debug(fmt.Sprintf("%s - dispatcher closed, dropping frame", logPrefix))
			return
		}

		buf := append([]byte(nil), frame...)
		go func() {
			defer d.inflight.Done()
			if err := d.HandleInbound(d.ctx, buf); err != nil {
				slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
			}
		}()
	})
}

// HandleInbound processes one raw frame. Frames that are not requests are
// logged and dropped. The returned error is a transport failure while
// sending the response; handler failures become error responses.
func (d *Dispatcher) HandleInbound(ctx context.Context, frame []byte) error {
	if kind := wire.Classify(d.codec, frame); kind != wire.KindRequest {
		slog.Debug(fmt.Sprintf("%s - dropping %s frame (%d bytes)", logPrefix, kind, len(frame)))
		return nil
	}

	req, err := wire.DecodeRequest(d.codec, frame)
	if err != nil {
		// The shape matched, so the header is usually readable and the
		// caller is waiting on it.
		hdr, herr := decodeHeader(d.codec, frame)
		if herr != nil {
			slog.Warn(fmt.Sprintf("%s - dropping malformed request: %v", logPrefix, err))
			return nil
		}
		return d.respond(ctx, wire.Failure(hdr, "malformed request: "+err.Error()))
	}
	return d.respond(ctx, d.Handle(ctx, req))
}

// Handle invokes the target for req and builds its response. It never
// panics and never returns nil.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Request) *wire.Response {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Debug(fmt.Sprintf("%s - channel=%s method=%s id=%d", logPrefix, req.Channel, req.Method, req.ID))

	d.mu.RLock()
	reg, ok := d.targets[req.Channel]
	d.mu.RUnlock()
	if !ok {
		slog.Warn(fmt.Sprintf("%s - request %d for unknown channel %s", logPrefix, req.ID, req.Channel))
		return wire.Failure(req, unknownChannel(req.Channel))
	}

	h, ok := reg.target.lookup(req.Method)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - request %d for unknown method %s.%s", logPrefix, req.ID, req.Channel, req.Method))
		return wire.Failure(req, unknownMethod(req.Channel, req.Method))
	}

	result, err := h.call(ctx, d.codec, req.Args)
	if err != nil {
		msg := errorMessage(err)
		slog.Debug(fmt.Sprintf("%s - %s.%s failed: %s", logPrefix, req.Channel, req.Method, msg))
		return wire.Failure(req, msg)
	}

	body, err := wire.NewValue(d.codec, result)
	if err != nil {
		return wire.Failure(req, fmt.Sprintf("encode result: %v", err))
	}
	return wire.Success(req, body)
}

func (d *Dispatcher) respond(ctx context.Context, resp *wire.Response) error {
	frame, err := wire.Encode(d.codec, resp)
	if err != nil {
		return fmt.Errorf("%s - encode response %d: %w", logPrefix, resp.ID, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// A handler that returned after Close cancelled its context still owes
	// the caller an answer.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()
	if err := d.tr.Send(sendCtx, frame); err != nil {
		return fmt.Errorf("%s - send response %d: %w", logPrefix, resp.ID, err)
	}
	return nil
}

// Push sends value to the UI side under channel. Delivery is fire-and-forget:
// there is no error for a channel nobody subscribed to, and failed sends are
// not retried.
func (d *Dispatcher) Push(ctx context.Context, channel string, value any) error {
	body, err := wire.NewValue(d.codec, value)
	if err != nil {
		return fmt.Errorf("%s - push %s: %w", logPrefix, channel, err)
	}
	frame, err := wire.Encode(d.codec, &wire.Push{ID: channel, Body: body})
	if err != nil {
		return fmt.Errorf("%s - push %s: %w", logPrefix, channel, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.tr.Send(sendCtx, frame); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to push to %s: %v", logPrefix, channel, err))
		return fmt.Errorf("%s - push %s: %w", logPrefix, channel, err)
	}
	return nil
}

// Close stops accepting frames, cancels the context of in-flight handlers,
// waits for them to return and clears the registry. It does not close the
// transport.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.inflight.Wait()

	d.mu.Lock()
	d.targets = make(map[string]*registration)
	d.mu.Unlock()
}

func decodeHeader(codec wire.Codec, frame []byte) (*wire.Request, error) {
	var hdr struct {
		ID      int64  `json:"id"`
		Channel string `json:"channel"`
		Method  string `json:"method"`
	}
	if err := codec.Unmarshal(frame, &hdr); err != nil {
		return nil, err
	}
	return &wire.Request{ID: hdr.ID, Channel: hdr.Channel, Method: hdr.Method}, nil
}

// introspection backs IntrospectionChannel.
type introspection struct {
	d *Dispatcher
}

func (i introspection) Describe(channel string) (*contract.Descriptor, error) {
	return i.d.Describe(channel)
}

func (i introspection) Channels() []string {
	return i.d.Channels()
}
