package topic

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event categories surfaced to collaborators.
const (
	CategoryMembership = "membership"
	CategoryKnowledge  = "knowledge"
	CategoryBroadcast  = "broadcast"
)

// Event is a network happening surfaced to interested collaborators (UI
// stream, product layers).
type Event struct {
	Category  string          `json:"category"`
	Type      string          `json:"type"`
	OrgID     string          `json:"org_id"`
	SenderDID string          `json:"sender_did,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Hub fan-outs events to all active subscribers. Slow subscribers drop
// events instead of blocking dispatch.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub initialises an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
