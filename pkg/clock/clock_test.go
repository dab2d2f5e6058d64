package clock

import (
	"testing"
	"time"
)

const clockTestPrefix = "clock:clock_test"

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "three") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "one") })
	c.AfterFunc(10*time.Second, func() { order = append(order, "ten") })

	if got := c.PendingCount(); got != 3 {
		t.Fatalf("%s - PendingCount = %d, want 3", clockTestPrefix, got)
	}

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "one" || order[1] != "three" {
		t.Fatalf("%s - fired %v, want [one three]", clockTestPrefix, order)
	}
	if got := c.PendingCount(); got != 1 {
		t.Errorf("%s - PendingCount = %d, want 1", clockTestPrefix, got)
	}
	if got := c.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Errorf("%s - Now = %v, want 5s after epoch", clockTestPrefix, got)
	}
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := Fake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("%s - first Stop should report true", clockTestPrefix)
	}
	if timer.Stop() {
		t.Errorf("%s - second Stop should report false", clockTestPrefix)
	}

	c.Advance(time.Minute)
	if fired {
		t.Errorf("%s - stopped timer fired", clockTestPrefix)
	}
}

func TestFake_StopAfterFire(t *testing.T) {
	c := Fake(time.Unix(0, 0))

	count := 0
	timer := c.AfterFunc(time.Second, func() { count++ })
	c.Advance(time.Second)
	c.Advance(time.Second)

	if count != 1 {
		t.Errorf("%s - callback ran %d times, want 1", clockTestPrefix, count)
	}
	if timer.Stop() {
		t.Errorf("%s - Stop after fire should report false", clockTestPrefix)
	}
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - real timer never fired", clockTestPrefix)
	}
}
