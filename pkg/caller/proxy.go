package caller

import (
	"context"
	"fmt"

	"github.com/morezero/ui-bridge/pkg/contract"
	"github.com/morezero/ui-bridge/pkg/wire"
)

// ProxyOptions configures a Proxy.
type ProxyOptions struct {
	// NoTimeoutMethods are methods of this channel that may run
	// arbitrarily long and are never timed out.
	NoTimeoutMethods []string
}

// Proxy is a generic client stub for one channel. It has no fixed method
// list: any method name is forwarded, and a name the host does not serve
// fails at call time with an unknown-method error.
type Proxy struct {
	caller    *Caller
	channel   string
	noTimeout map[string]struct{}
}

// MethodFunc is a proxy method bound to its name.
type MethodFunc func(ctx context.Context, args ...any) (wire.Value, error)

// Proxy returns a stub for channel. Pass nil for opts to use defaults.
func (c *Caller) Proxy(channel string, opts *ProxyOptions) *Proxy {
	p := &Proxy{caller: c, channel: channel, noTimeout: make(map[string]struct{})}
	if opts != nil {
		for _, m := range opts.NoTimeoutMethods {
			p.noTimeout[m] = struct{}{}
		}
	}
	return p
}

// Channel returns the channel the proxy calls.
func (p *Proxy) Channel() string { return p.channel }

// Go sends method without waiting.
func (p *Proxy) Go(ctx context.Context, method string, args ...any) *Future {
	_, exempt := p.noTimeout[method]
	return p.caller.call(ctx, p.channel, method, args, exempt)
}

// Call sends method and waits for its result.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (wire.Value, error) {
	return p.caller.wait(ctx, p.Go(ctx, method, args...))
}

// Method binds a method name, for code that wants a func value per method.
func (p *Proxy) Method(name string) MethodFunc {
	return func(ctx context.Context, args ...any) (wire.Value, error) {
		return p.Call(ctx, name, args...)
	}
}

// CallAs calls method on p and decodes the result into T.
func CallAs[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var out T
	value, err := p.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if err := value.Decode(p.caller.codec, &out); err != nil {
		return out, fmt.Errorf("%s - decode %s.%s result: %w", logPrefix, p.channel, method, err)
	}
	return out, nil
}

// Describe asks the host for the channel's descriptor.
func (p *Proxy) Describe(ctx context.Context) (*contract.Descriptor, error) {
	intro := p.caller.Proxy(wire.IntrospectionChannel, nil)
	return CallAs[*contract.Descriptor](ctx, intro, "describe", p.channel)
}

// RequireContract fails unless the host serves the channel at a version
// matching constraint.
func (p *Proxy) RequireContract(ctx context.Context, constraint string) (*contract.Descriptor, error) {
	desc, err := p.Describe(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := desc.Satisfies(constraint)
	if err != nil {
		return nil, err
	}
	if !ok {
		version := desc.Version
		if version == "" {
			version = "unversioned"
		}
		return nil, fmt.Errorf("%s - channel %s is %s, want %s", logPrefix, p.channel, version, constraint)
	}
	return desc, nil
}
