package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const pipeTestPrefix = "transport:pipe_test"

func TestPipe_PreservesOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	const n = 100
	got := make(chan string, n)
	b.OnReceive(func(frame []byte) { got <- string(frame) })

	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := a.Send(ctx, []byte(fmt.Sprintf("frame-%d", i))); err != nil {
			t.Fatalf("%s - Send %d: %v", pipeTestPrefix, i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case frame := <-got:
			if want := fmt.Sprintf("frame-%d", i); frame != want {
				t.Fatalf("%s - frame %d = %q, want %q", pipeTestPrefix, i, frame, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s - timeout waiting for frame %d", pipeTestPrefix, i)
		}
	}
}

func TestPipe_HoldsFramesUntilListener(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	if err := a.Send(context.Background(), []byte("early")); err != nil {
		t.Fatalf("%s - Send: %v", pipeTestPrefix, err)
	}

	got := make(chan string, 1)
	b.OnReceive(func(frame []byte) { got <- string(frame) })

	select {
	case frame := <-got:
		if frame != "early" {
			t.Errorf("%s - frame = %q, want early", pipeTestPrefix, frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - early frame was never delivered", pipeTestPrefix)
	}
}

func TestPipe_SendCopiesFrame(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	got := make(chan string, 1)
	b.OnReceive(func(frame []byte) { got <- string(frame) })

	buf := []byte("original")
	if err := a.Send(context.Background(), buf); err != nil {
		t.Fatalf("%s - Send: %v", pipeTestPrefix, err)
	}
	copy(buf, "XXXXXXXX")

	select {
	case frame := <-got:
		if frame != "original" {
			t.Errorf("%s - frame = %q, want original", pipeTestPrefix, frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - timeout", pipeTestPrefix)
	}
}

func TestPipe_SendAfterClose(t *testing.T) {
	a, b := Pipe()
	if err := b.Close(); err != nil {
		t.Fatalf("%s - Close: %v", pipeTestPrefix, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("%s - second Close: %v", pipeTestPrefix, err)
	}

	err := a.Send(context.Background(), []byte("late"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("%s - Send after close = %v, want ErrClosed", pipeTestPrefix, err)
	}
}
