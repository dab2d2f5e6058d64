package events

import (
	"context"
	"errors"
)

// Publisher delivers a push payload under a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, value any) error
}

// NoOpPublisher is a Publisher that does nothing (for hosts without pushes).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ string, _ any) error {
	return nil
}

// CallbackPublisher is a Publisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, topic string, value any) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, topic string, value any) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, topic string, value any) error {
	return p.callback(ctx, topic, value)
}

// MultiPublisher publishes to every member and joins their errors. A failing
// member does not stop the others.
type MultiPublisher []Publisher

// Publish publishes value to each member in order.
func (m MultiPublisher) Publish(ctx context.Context, topic string, value any) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
