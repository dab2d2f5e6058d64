package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/spf13/pflag"

	"github.com/morezero/ui-bridge/internal/config"
	"github.com/morezero/ui-bridge/pkg/caller"
	"github.com/morezero/ui-bridge/pkg/commsutil"
	"github.com/morezero/ui-bridge/pkg/contract"
	"github.com/morezero/ui-bridge/pkg/db"
	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/transport/natsbus"
	"github.com/morezero/ui-bridge/pkg/transport/pgnotify"
	"github.com/morezero/ui-bridge/pkg/transport/wsconn"
	"github.com/morezero/ui-bridge/pkg/wire"
)

// clientFlags binds the flags shared by call and watch onto cfg, so a flag
// overrides the environment.
func clientFlags(name string, cfg *config.Config, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "carrier: websocket, nats or postgres")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "frame codec: json or cbor")
	fs.StringVar(&cfg.WSURL, "url", cfg.WSURL, "websocket endpoint of the host")
	fs.StringVar(&cfg.COMMSURL, "nats-url", cfg.COMMSURL, "NATS server URL")
	fs.StringVar(&cfg.Session, "session", cfg.Session, "fixed session id (nats, postgres)")
	fs.DurationVar(&cfg.CallTimeout, "timeout", cfg.CallTimeout, "per-call timeout")
	return fs
}

// clientSetup loads config, applies flags and returns the positional args.
// A nil config with a nil error means help was printed.
func clientSetup(name string, args []string, out io.Writer, extra func(*pflag.FlagSet)) (*config.Config, wire.Codec, []string, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	fs := clientFlags(name, cfg, out)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	cfg.Normalize()
	if err := cfg.ValidateForClient(); err != nil {
		return nil, nil, nil, err
	}
	codec, err := cfg.WireCodec()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, codec, fs.Args(), nil
}

func runCall(ctx context.Context, args []string, out io.Writer) error {
	var noTimeout bool
	cfg, codec, rest, err := clientSetup("call", args, out, func(fs *pflag.FlagSet) {
		fs.BoolVar(&noTimeout, "no-timeout", false, "never time the call out")
	})
	if err != nil || cfg == nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("require <channel[@constraint]> <method> [arg...]")
	}
	ref, err := contract.ParseRef(rest[0])
	if err != nil {
		return err
	}
	method := rest[1]
	callArgs := parseArgs(rest[2:])

	tr, closeTransport, err := dial(ctx, cfg, codec)
	if err != nil {
		return err
	}
	defer closeTransport()

	c := caller.New(tr, &caller.Options{Codec: codec, Timeout: cfg.CallTimeout})
	c.Start()
	defer c.Close()

	opts := &caller.ProxyOptions{}
	if noTimeout {
		opts.NoTimeoutMethods = []string{method}
	}
	p := c.Proxy(ref.Channel, opts)
	if ref.Constraint != "" {
		if _, err := p.RequireContract(ctx, ref.Constraint); err != nil {
			return err
		}
	}

	value, err := p.Call(ctx, method, callArgs...)
	if err != nil {
		return err
	}
	var result any
	if !value.IsEmpty() {
		if err := value.Decode(codec, &result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	cfg, codec, channels, err := clientSetup("watch", args, out, nil)
	if err != nil || cfg == nil {
		return err
	}
	if len(channels) == 0 {
		return fmt.Errorf("require at least one <channel>")
	}

	tr, closeTransport, err := dial(ctx, cfg, codec)
	if err != nil {
		return err
	}
	defer closeTransport()

	c := caller.New(tr, &caller.Options{Codec: codec, Timeout: cfg.CallTimeout})
	c.Start()
	defer c.Close()

	var mu sync.Mutex
	for _, channel := range channels {
		channel := channel
		c.Subscribe(channel, func(body wire.Value) {
			var v any
			if !body.IsEmpty() {
				if err := body.Decode(codec, &v); err != nil {
					v = fmt.Sprintf("undecodable body: %v", err)
				}
			}
			line, err := json.Marshal(v)
			if err != nil {
				line = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
			}
			mu.Lock()
			fmt.Fprintf(out, "%s %s\n", channel, line)
			mu.Unlock()
		})
	}

	select {
	case <-ctx.Done():
		return nil
	case <-tr.Done():
		return fmt.Errorf("host closed session %s", tr.ID())
	}
}

// dial opens a client session over the configured carrier.
func dial(ctx context.Context, cfg *config.Config, codec wire.Codec) (transport.Session, func(), error) {
	switch cfg.Transport {
	case config.TransportNATS:
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS: %w", err)
		}
		conn, err := natsbus.Dial(ctx, nc, &natsbus.DialOpts{Prefix: cfg.SubjectPrefix, Session: cfg.Session})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return conn, func() {
			_ = conn.Close()
			nc.Close()
		}, nil
	case config.TransportPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, &db.PoolOpts{MaxConns: 4, MinConns: 1})
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		conn, err := pgnotify.Dial(ctx, pool, &pgnotify.DialOpts{
			Prefix:  cfg.PGChannelPrefix,
			Session: cfg.Session,
			Binary:  codec.Name() != wire.JSON.Name(),
		})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return conn, func() {
			_ = conn.Close()
			pool.Close()
		}, nil
	default:
		conn, err := wsconn.Dial(ctx, cfg.WSURL, &wsconn.DialOpts{Codec: codec, PingInterval: cfg.WSPingInterval})
		if err != nil {
			return nil, nil, err
		}
		return conn, func() { _ = conn.Close() }, nil
	}
}

// parseArgs reads each argument as JSON, falling back to the raw string.
// Integral numbers become int64 so they decode into integer parameters under
// every codec.
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			out[i] = s
			continue
		}
		out[i] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalize(x[k])
		}
		return x
	default:
		return v
	}
}
