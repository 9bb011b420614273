// Package events is the in-process pub/sub fabric: order lifecycle, harvest
// outcomes, and session transitions flow through one Bus to whoever listens.
package events

import "sync"

// Event enumerates the topics inside the bot.
type Event string

const (
	EventSessionConnected Event = "session.connected"
	EventSessionLost      Event = "session.lost"
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderStatus      Event = "order.status"
	EventOrderFilled      Event = "order.filled"
	EventOrderCancelled   Event = "order.cancelled"
	EventHarvestDone      Event = "harvest.done"
	EventHarvestFailed    Event = "harvest.failed"
	EventAlert            Event = "alert"
)

// Bus is a lightweight channel-based broker. Publish never blocks: slow
// subscribers lose messages rather than stalling the publisher, which may be
// the gateway delivery goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for e and returns the receive channel plus
// an unsubscribe function that also closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans payload out to e's subscribers, dropping on full buffers.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}
