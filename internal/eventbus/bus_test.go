package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFiltersEvents(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribePrefix("delivery.", 4)
	defer unsub()

	b.Publish(Event{Type: "broadcast.created"})
	b.Publish(Event{Type: "delivery.result", Data: 1})

	select {
	case e := <-ch:
		if e.Type != "delivery.result" {
			t.Fatalf("got %q, want delivery.result", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatalf("expected publish to stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("dropped = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
