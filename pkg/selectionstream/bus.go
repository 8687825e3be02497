package selectionstream

import (
	"context"
	"encoding/json"
)

// Kind names the control-room change an event describes.
type Kind string

const (
	// KindAny subscribes to every event kind.
	KindAny Kind = ""

	KindSelection Kind = "selection"
	KindControls  Kind = "controls"
	KindFigures   Kind = "figures"
	KindReset     Kind = "reset"
	KindQuit      Kind = "quit"
)

// Event is one control-room state change pushed to live clients. Payload is
// pre-marshaled by the publisher so the bus stays a dumb pipe.
type Event struct {
	Kind     Kind            `json:"kind"`
	Revision int64           `json:"revision"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Bus fan-outs control-room events to subscribed listeners without locks.
// Using channels keeps the state owner and the SSE handlers decoupled so a
// slow browser tab cannot stall a selection.
type Bus struct {
	publish     chan Event
	subscribe   chan subscription
	unsubscribe chan subscription
}

type subscription struct {
	kind Kind
	ch   chan Event
}

// NewBus constructs a broadcaster dedicated to event fan-out.
// The goroutine never stops because it is tied to the process lifetime and
// relies on caller contexts to prune subscribers.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}

	go b.run()
	return b
}

// Publish forwards an event to listeners of its kind and to listeners of
// every kind. Non-blocking sends avoid stalling the control room when
// clients are slow or absent.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publish <- ev:
	default:
	}
}

// Subscribe registers interest in one event kind, or in all of them when
// kind is KindAny. The returned channel closes when the provided context
// ends.
func (b *Bus) Subscribe(ctx context.Context, kind Kind, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	req := subscription{kind: kind, ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	listeners := make(map[Kind][]chan Event)

	for {
		select {
		case req := <-b.subscribe:
			listeners[req.kind] = append(listeners[req.kind], req.ch)
		case req := <-b.unsubscribe:
			chans := listeners[req.kind]
			filtered := chans[:0]
			for _, existing := range chans {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(listeners, req.kind)
			} else {
				listeners[req.kind] = filtered
			}
		case ev := <-b.publish:
			deliver(listeners[ev.Kind], ev)
			if ev.Kind != KindAny {
				deliver(listeners[KindAny], ev)
			}
		}
	}
}

func deliver(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
