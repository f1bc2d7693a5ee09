package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub is the central event bus.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking: if a subscriber's channel is full, the event is dropped.
// Publishing on a nil hub is a no-op.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		h.send(ch, e)
	}
	for _, ch := range h.global {
		h.send(ch, e)
	}
}

func (h *Hub) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		h.dropped.Add(1)
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// EmitConnState publishes a supplier state transition.
func (h *Hub) EmitConnState(d ConnStateData) {
	h.Publish(Event{Type: EventConnState, Source: "connmgr", Data: d})
}

// EmitDefaultNet publishes a default network change.
func (h *Hub) EmitDefaultNet(oldNetID, netID int32) {
	h.Publish(Event{Type: EventDefaultNet, Source: "connmgr", Data: DefaultNetData{OldNetID: oldNetID, NetID: netID}})
}

// EmitDetection publishes a connectivity validation result.
func (h *Hub) EmitDetection(netID int32, result, redirect string) {
	h.Publish(Event{Type: EventDetection, Source: "detection", Data: DetectionData{NetID: netID, Result: result, RedirectURL: redirect}})
}

// EmitLinkChange publishes a kernel link change.
func (h *Hub) EmitLinkChange(d LinkChangeData) {
	h.Publish(Event{Type: EventLinkChange, Source: "monitor", Data: d})
}

// EmitDHCPLease publishes a lease obtained on an interface.
func (h *Hub) EmitDHCPLease(d DHCPLeaseData) {
	h.Publish(Event{Type: EventDHCPLease, Source: "dhcp", Data: d})
}
