package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/ui-bridge/pkg/commsutil"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Prefix roots the event subjects (e.g. from BRIDGE_SUBJECT_PREFIX).
	Prefix string
	// Codec frames the mirrored pushes; defaults to wire.JSON.
	Codec wire.Codec
}

// CommsPublisher mirrors pushes onto COMMS subjects as push frames so bus
// observers can follow host events without holding a session.
type CommsPublisher struct {
	nc     *comms.Conn
	prefix string
	codec  wire.Codec
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, prefix: commsutil.DefaultPrefix, codec: wire.JSON}
	if opts != nil {
		if opts.Prefix != "" {
			p.prefix = opts.Prefix
		}
		if opts.Codec != nil {
			p.codec = opts.Codec
		}
	}
	return p
}

// Publish encodes value as a push frame and publishes it to the topic's
// event subject.
func (p *CommsPublisher) Publish(_ context.Context, topic string, value any) error {
	body, err := wire.NewValue(p.codec, value)
	if err != nil {
		return fmt.Errorf("%s - failed to encode %s: %w", commsPublisherLogPrefix, topic, err)
	}
	frame, err := wire.Encode(p.codec, &wire.Push{ID: topic, Body: body})
	if err != nil {
		return fmt.Errorf("%s - failed to frame %s: %w", commsPublisherLogPrefix, topic, err)
	}

	subject := commsutil.BuildEventSubject(p.prefix, topic)
	if err := p.nc.Publish(subject, frame); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return fmt.Errorf("%s - publish %s: %w", commsPublisherLogPrefix, subject, err)
	}

	slog.Debug(fmt.Sprintf("%s - Published %s", commsPublisherLogPrefix, subject))
	return nil
}
