package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceGate, Kind: KindActionApproved})
	b.Emit(SourceGate, KindActionDenied, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsEvent(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceGate, KindConfirmationRequested, map[string]any{"conversation_id": "C1:1.0"})

	select {
	case got := <-ch:
		if got.ID == "" || got.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", got)
		}
		if got.Source != SourceGate || got.Kind != KindConfirmationRequested {
			t.Errorf("got %s/%s", got.Source, got.Kind)
		}
		if got.Data["conversation_id"] != "C1:1.0" {
			t.Errorf("conversation_id = %v", got.Data["conversation_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	channels := make([]<-chan Event, 4)
	for i := range channels {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceSlack, Kind: KindMessageReceived})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindMessageReceived {
				t.Errorf("subscriber %d got %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected dropped event, got %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel open after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{Kind: "after"})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(SourceAgent, KindTurnComplete, nil)
			}
		}()
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			time.Sleep(time.Millisecond)
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribed", n)
	}
}
