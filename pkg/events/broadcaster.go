package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const broadcasterLogPrefix = "events:broadcaster"

// Pusher sends one push to one UI session. *dispatcher.Dispatcher satisfies it.
type Pusher interface {
	Push(ctx context.Context, channel string, value any) error
}

// Broadcaster fans a publish out to every attached session.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]Pusher
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sessions: make(map[string]Pusher)}
}

// Attach adds a session, replacing any previous pusher under the same id.
func (b *Broadcaster) Attach(id string, p Pusher) {
	b.mu.Lock()
	b.sessions[id] = p
	b.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - Attached session %s", broadcasterLogPrefix, id))
}

// Detach removes a session and reports whether it was attached.
func (b *Broadcaster) Detach(id string) bool {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		slog.Debug(fmt.Sprintf("%s - Detached session %s", broadcasterLogPrefix, id))
	}
	return ok
}

// Sessions returns the attached session ids, sorted.
func (b *Broadcaster) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of attached sessions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Publish pushes value on topic to every attached session. Delivery is
// best-effort: every session is tried and the failures are joined.
func (b *Broadcaster) Publish(ctx context.Context, topic string, value any) error {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	targets := make([]Pusher, 0, len(b.sessions))
	for id, p := range b.sessions {
		ids = append(ids, id)
		targets = append(targets, p)
	}
	b.mu.RUnlock()

	var errs []error
	for i, p := range targets {
		if err := p.Push(ctx, topic, value); err != nil {
			slog.Warn(fmt.Sprintf("%s - push %s to session %s failed: %v", broadcasterLogPrefix, topic, ids[i], err))
			errs = append(errs, fmt.Errorf("%s - session %s: %w", broadcasterLogPrefix, ids[i], err))
		}
	}
	return errors.Join(errs...)
}
