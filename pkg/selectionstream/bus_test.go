package selectionstream

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesMatchingKind(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sel := bus.Subscribe(ctx, KindSelection, 4)
	all := bus.Subscribe(ctx, KindAny, 4)

	bus.Publish(Event{Kind: KindSelection, Revision: 1})
	bus.Publish(Event{Kind: KindControls, Revision: 2})

	if ev := recvEvent(t, sel); ev.Revision != 1 {
		t.Fatalf("selection listener got revision %d, want 1", ev.Revision)
	}
	if ev := recvEvent(t, all); ev.Revision != 1 {
		t.Fatalf("wildcard listener got revision %d, want 1", ev.Revision)
	}
	if ev := recvEvent(t, all); ev.Revision != 2 {
		t.Fatalf("wildcard listener got revision %d, want 2", ev.Revision)
	}

	// The selection listener never sees the controls event.
	select {
	case ev := <-sel:
		t.Fatalf("selection listener got unexpected event kind %q", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, KindAny, 1)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, KindFigures, 1)

	// Fill the subscriber buffer, then publish more than it can hold.
	// The bus must stay responsive instead of blocking.
	for i := int64(1); i <= 5; i++ {
		bus.Publish(Event{Kind: KindFigures, Revision: i})
	}

	ev := recvEvent(t, ch)
	if ev.Revision != 1 {
		t.Fatalf("first buffered event has revision %d, want 1", ev.Revision)
	}
}
