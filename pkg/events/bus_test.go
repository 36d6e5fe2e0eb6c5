package events

import (
	"testing"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe(false)
	defer sub.Close()

	bus.Publish(Event{Type: TypeNodeAdded, Namespace: "public", Payload: "a"})
	bus.Publish(Event{Type: TypeNodeAdded, Namespace: "public", Payload: "b"})
	bus.Publish(Event{Type: TypeEdgesAdded, Namespace: "public", Payload: "c"})

	want := []string{"a", "b", "c"}
	for i := range want {
		event := <-sub.C
		if event.Payload != want[i] {
			t.Fatalf("event %d: got %v want %v", i, event.Payload, want[i])
		}
	}
}

func TestBus_NodeAddedBeforeEdgesAdded(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe(false)
	defer sub.Close()

	bus.Publish(Event{Type: TypeNodeAdded, Namespace: "public", Payload: "n1"})
	bus.Publish(Event{Type: TypeEdgesAdded, Namespace: "public", Payload: "e1"})

	first := <-sub.C
	second := <-sub.C
	if first.Type != TypeNodeAdded || second.Type != TypeEdgesAdded {
		t.Fatalf("expected node_added before edges_added, got %s then %s", first.Type, second.Type)
	}
}

func TestBus_SlowSubscriberGetsDroppedMarker(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(false)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeNodeAdded, Namespace: "public", Payload: i})
	}

	sawDropped := false
	for i := 0; i < 2; i++ {
		event := <-sub.C
		if event.Type == TypeDropped {
			sawDropped = true
		}
	}
	if !sawDropped {
		t.Fatal("expected a dropped marker in the stream")
	}
}

func TestBus_ReplayOnSubscribe(t *testing.T) {
	bus := NewBus(10)

	bus.Publish(Event{Type: TypeNodeAdded, Namespace: "public", Payload: "before"})

	sub := bus.Subscribe(true)
	defer sub.Close()

	event := <-sub.C
	if event.Payload != "before" {
		t.Fatalf("expected replayed event, got %v", event.Payload)
	}
}

func TestBus_CloseRemovesSubscriber(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe(false)
	sub.Close()

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	// Publishing after close must not panic.
	bus.Publish(Event{Type: TypeNodeAdded})
}
