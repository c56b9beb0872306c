package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallDispatchesToRegisteredHandler(t *testing.T) {
	b := New()
	b.Register("ping", func(ctx context.Context, req any) (any, error) {
		return "pong", nil
	})

	result, err := b.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call() unexpected error: %v", err)
	}
	if result != "pong" {
		t.Errorf("Call() = %v, want pong", result)
	}
}

func TestCallUnregisteredNameErrors(t *testing.T) {
	b := New()
	_, err := b.Call(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("Call() expected error for unregistered command, got nil")
	}
}

func TestCallPropagatesHandlerError(t *testing.T) {
	b := New()
	wantErr := errors.New("boom")
	b.Register("fail", func(ctx context.Context, req any) (any, error) {
		return nil, wantErr
	})

	_, err := b.Call(context.Background(), "fail", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Call() error = %v, want %v", err, wantErr)
	}
}

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(nil)
	defer cancel()

	b.Emit(Event{Name: "flash-progress", Data: 42})

	select {
	case ev := <-ch:
		if ev.Name != "flash-progress" || ev.Data != 42 {
			t.Errorf("received %+v, want flash-progress/42", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFilterExcludesNonMatching(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(func(ev Event) bool { return ev.Name == "rtt-data" })
	defer cancel()

	b.Emit(Event{Name: "flash-progress"})
	b.Emit(Event{Name: "rtt-data"})

	select {
	case ev := <-ch:
		if ev.Name != "rtt-data" {
			t.Errorf("received %q, want rtt-data", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Emit(Event{Name: "x", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}

	// Drain: should see the most recent event, not a stale one stuck at
	// the front of the buffer.
	var last Event
	for {
		select {
		case ev := <-ch:
			last = ev
		default:
			if last.Data != (subscriberBuffer*2 - 1) {
				t.Errorf("last observed event = %+v, want Data=%d", last, subscriberBuffer*2-1)
			}
			return
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(nil)
	cancel()

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after cancel")
	}
}
