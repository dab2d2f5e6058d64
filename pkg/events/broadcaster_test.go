package events

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const broadcasterTestPrefix = "events:broadcaster_test"

type recordingPusher struct {
	mu     sync.Mutex
	pushes []string
	err    error
}

func (p *recordingPusher) Push(_ context.Context, channel string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, channel)
	return p.err
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func TestBroadcaster_FansOutToEverySession(t *testing.T) {
	b := NewBroadcaster()
	a, c := &recordingPusher{}, &recordingPusher{}
	b.Attach("a", a)
	b.Attach("c", c)

	if err := b.Publish(context.Background(), TopicHeartbeat, &Heartbeat{Seq: 1}); err != nil {
		t.Fatalf("%s - Publish: %v", broadcasterTestPrefix, err)
	}
	if a.count() != 1 || c.count() != 1 {
		t.Errorf("%s - pushes a=%d c=%d, want 1 each", broadcasterTestPrefix, a.count(), c.count())
	}

	if got := b.Sessions(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("%s - Sessions = %v", broadcasterTestPrefix, got)
	}
}

func TestBroadcaster_DetachStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	a := &recordingPusher{}
	b.Attach("a", a)

	if !b.Detach("a") {
		t.Errorf("%s - Detach of attached session returned false", broadcasterTestPrefix)
	}
	if b.Detach("a") {
		t.Errorf("%s - second Detach returned true", broadcasterTestPrefix)
	}
	if err := b.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("%s - Publish: %v", broadcasterTestPrefix, err)
	}
	if a.count() != 0 || b.Len() != 0 {
		t.Errorf("%s - detached session still reached", broadcasterTestPrefix)
	}
}

func TestBroadcaster_AttachReplaces(t *testing.T) {
	b := NewBroadcaster()
	old, replacement := &recordingPusher{}, &recordingPusher{}
	b.Attach("s", old)
	b.Attach("s", replacement)

	if err := b.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("%s - Publish: %v", broadcasterTestPrefix, err)
	}
	if old.count() != 0 || replacement.count() != 1 || b.Len() != 1 {
		t.Errorf("%s - old=%d new=%d len=%d", broadcasterTestPrefix, old.count(), replacement.count(), b.Len())
	}
}

func TestBroadcaster_JoinsFailures(t *testing.T) {
	errGone := errors.New("session gone")
	b := NewBroadcaster()
	healthy := &recordingPusher{}
	b.Attach("bad", &recordingPusher{err: errGone})
	b.Attach("good", healthy)

	err := b.Publish(context.Background(), "t", nil)
	if !errors.Is(err, errGone) {
		t.Errorf("%s - expected joined errGone, got %v", broadcasterTestPrefix, err)
	}
	if healthy.count() != 1 {
		t.Errorf("%s - healthy session skipped after a failure", broadcasterTestPrefix)
	}
}
