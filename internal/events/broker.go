package events

import (
	"context"
	"sync"
)

// Broker is the in-process Publisher and Subscriber. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // shipmentId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(shipmentID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[shipmentID] == nil {
		b.subs[shipmentID] = map[chan Event]struct{}{}
	}
	b.subs[shipmentID][ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() { once.Do(func() { b.unsubscribe(shipmentID, ch) }) }
}

func (b *Broker) unsubscribe(shipmentID string, ch chan Event) {
	b.mu.Lock()
	if m := b.subs[shipmentID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, shipmentID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	for ch := range b.subs[ev.ShipmentID] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}
