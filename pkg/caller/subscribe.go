package caller

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/morezero/ui-bridge/pkg/wire"
)

// Listener receives push notifications. Listener values that are comparable
// are deduplicated per channel by SubscribeListener.
type Listener interface {
	OnPush(channel string, body wire.Value)
}

// Subscription is one registration of a listener on a push channel.
type Subscription struct {
	caller   *Caller
	channel  string
	fn       func(wire.Value)
	listener Listener
	once     sync.Once
}

// Channel returns the push channel the subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes exactly this registration. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.caller.remove(s) })
}

func (s *Subscription) deliver(body wire.Value) {
	if s.listener != nil {
		s.listener.OnPush(s.channel, body)
		return
	}
	s.fn(body)
}

// Subscribe registers fn for pushes on channel. Every call adds a distinct
// registration, even for the same function.
//
// Listeners run on the transport's receive goroutine. A listener that needs
// to make calls over the same bridge must do so from another goroutine.
func (c *Caller) Subscribe(channel string, fn func(body wire.Value)) *Subscription {
	return c.add(&Subscription{caller: c, channel: channel, fn: fn})
}

// SubscribeListener registers l for pushes on channel. Registering the same
// comparable listener twice on a channel returns the existing subscription.
func (c *Caller) SubscribeListener(channel string, l Listener) *Subscription {
	if t := reflect.TypeOf(l); t != nil && t.Comparable() {
		c.mu.Lock()
		for _, s := range c.subs[channel] {
			if s.listener == l {
				c.mu.Unlock()
				return s
			}
		}
		c.mu.Unlock()
	}
	return c.add(&Subscription{caller: c, channel: channel, listener: l})
}

// SubscribeAs registers fn for pushes on channel, decoding each body into T.
// Bodies that fail to decode are logged and skipped.
func SubscribeAs[T any](c *Caller, channel string, fn func(T)) *Subscription {
	return c.Subscribe(channel, func(body wire.Value) {
		var v T
		if err := body.Decode(c.codec, &v); err != nil {
			slog.Warn(fmt.Sprintf("%s - push on %s does not decode as %T: %v", logPrefix, channel, v, err))
			return
		}
		fn(v)
	})
}

func (c *Caller) add(s *Subscription) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.subs[s.channel] = append(c.subs[s.channel], s)
	}
	return s
}

func (c *Caller) remove(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[s.channel]
	for i, existing := range list {
		if existing != s {
			continue
		}
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(c.subs, s.channel)
		} else {
			c.subs[s.channel] = next
		}
		return
	}
}

// Subscribers returns the number of registrations on channel.
func (c *Caller) Subscribers(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[channel])
}

func (c *Caller) handlePush(frame []byte) {
	push, err := wire.DecodePush(c.codec, frame)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable push: %v", logPrefix, err))
		return
	}

	c.mu.Lock()
	listeners := c.subs[push.ID]
	c.mu.Unlock()

	if len(listeners) == 0 {
		slog.Debug(fmt.Sprintf("%s - no subscribers for push %s", logPrefix, push.ID))
		return
	}
	for _, s := range listeners {
		c.deliver(s, push.Body)
	}
}

// deliver isolates listener panics so one listener cannot starve the others
// or the receive loop.
func (c *Caller) deliver(s *Subscription, body wire.Value) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - listener on %s panicked: %v", logPrefix, s.channel, r))
		}
	}()
	s.deliver(body)
}
