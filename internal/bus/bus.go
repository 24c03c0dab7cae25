// Package bus implements the in-process event bus. Delivery is
// synchronous and ordered: Publish invokes every matching handler on
// the calling goroutine before returning, and one misbehaving handler
// never blocks the rest.
package bus

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types form a closed set; Publish and Subscribe reject anything
// outside it (Wildcard is subscribe-only).
const (
	EventNodePosition  = "node.position"
	EventNodeInfo      = "node.info"
	EventNodeTelemetry = "node.telemetry"
	EventNodeTopology  = "node.topology"
	EventServiceUp     = "service.up"
	EventServiceDown   = "service.down"
	EventServiceDegraded = "service.degraded"
	EventDataRefreshed = "data.refreshed"
	EventAlertFired    = "alert.fired"

	// Wildcard matches every event type.
	Wildcard = "*"
)

var knownTypes = map[string]struct{}{
	EventNodePosition:    {},
	EventNodeInfo:        {},
	EventNodeTelemetry:   {},
	EventNodeTopology:    {},
	EventServiceUp:       {},
	EventServiceDown:     {},
	EventServiceDegraded: {},
	EventDataRefreshed:   {},
	EventAlertFired:      {},
}

// Event is a single bus message.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; panics are recovered and counted.
type Handler func(Event)

// Stats is a snapshot of bus delivery counters.
type Stats struct {
	TotalPublished  uint64 `json:"total_published"`
	TotalDelivered  uint64 `json:"total_delivered"`
	TotalErrors     uint64 `json:"total_errors"`
	SubscriberCount int    `json:"subscriber_count"`
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous typed pub/sub dispatcher.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription

	totalPublished uint64
	totalDelivered uint64
	totalErrors    uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for eventType (or Wildcard) and returns
// a subscription id for Unsubscribe. Unknown event types are rejected.
func (b *Bus) Subscribe(eventType string, h Handler) (uint64, error) {
	if h == nil {
		return 0, fmt.Errorf("subscribe %s: nil handler", eventType)
	}
	if _, ok := knownTypes[eventType]; !ok && eventType != Wildcard {
		return 0, fmt.Errorf("subscribe: unknown event type %q", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[eventType] = append(b.subs[eventType], subscription{id: b.nextID, handler: h})
	return b.nextID, nil
}

// Unsubscribe removes a subscription. Removing an unknown or already
// removed id is a no-op.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every handler subscribed to its type,
// then to wildcard handlers, in subscription order. Handler panics are
// recovered, logged, and counted; delivery continues.
func (b *Bus) Publish(eventType, source string, data map[string]any) error {
	if _, ok := knownTypes[eventType]; !ok {
		return fmt.Errorf("publish: unknown event type %q", eventType)
	}

	ev := Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	// Snapshot handlers under the read lock so handlers may subscribe
	// or unsubscribe re-entrantly without deadlocking.
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[eventType])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[eventType]...)
	handlers = append(handlers, b.subs[Wildcard]...)
	b.mu.RUnlock()

	b.mu.Lock()
	b.totalPublished++
	b.mu.Unlock()

	for _, s := range handlers {
		b.deliver(s, ev)
	}
	return nil
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.totalErrors++
			b.mu.Unlock()
			log.Printf("[bus] handler %d panicked on %s: %v", s.id, ev.Type, r)
		}
	}()
	s.handler(ev)
	b.mu.Lock()
	b.totalDelivered++
	b.mu.Unlock()
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return Stats{
		TotalPublished:  b.totalPublished,
		TotalDelivered:  b.totalDelivered,
		TotalErrors:     b.totalErrors,
		SubscriberCount: n,
	}
}

// Reset drops all subscriptions and zeroes the counters.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
	b.totalPublished = 0
	b.totalDelivered = 0
	b.totalErrors = 0
}
