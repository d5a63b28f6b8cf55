// Package hub tracks live-update subscribers per note and fans out
// change notifications to them.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const sendBuffer = 8

// Event is the wire shape delivered to subscribers.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Clients int    `json:"clients,omitempty"`
}

// Subscriber is one open live-update connection, scoped to a single
// note. The hub owns the Events channel: it is closed on unsubscribe and
// must not be closed by the consumer.
type Subscriber struct {
	ID       string
	Resource string
	Events   chan Event
}

// Hub maps note ids to their current subscriber sets. Empty sets are
// removed, never retained.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]bool
	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[*Subscriber]bool),
		logger: logger,
	}
}

// Subscribe registers a new subscriber for resource and returns it along
// with the resulting subscriber count for that resource, the new
// subscriber included.
func (h *Hub) Subscribe(resource string) (*Subscriber, int) {
	sub := &Subscriber{
		ID:       uuid.NewString(),
		Resource: resource,
		Events:   make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	if h.topics[resource] == nil {
		h.topics[resource] = make(map[*Subscriber]bool)
	}
	h.topics[resource][sub] = true
	count := len(h.topics[resource])
	h.mu.Unlock()

	h.logger.Debug("subscriber joined", "resource", resource, "total", count)
	return sub, count
}

// Unsubscribe removes sub from the registry and closes its channel.
// Idempotent: removing an already-removed subscriber is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	subs, ok := h.topics[sub.Resource]
	if !ok {
		return
	}
	if !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.Events)
	if len(subs) == 0 {
		delete(h.topics, sub.Resource)
		h.logger.Debug("resource has no subscribers", "resource", sub.Resource)
	}
}

// Broadcast delivers event to every current subscriber of resource,
// except exclude if given. Delivery is fire-and-forget: nothing is
// queued for subscribers that arrive later, and a subscriber that cannot
// accept the event (dead or stalled consumer) is dropped from the
// registry so the remaining deliveries proceed.
func (h *Hub) Broadcast(resource string, event Event, exclude *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[resource]
	if !ok {
		return
	}

	for sub := range subs {
		if sub == exclude {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			h.logger.Warn("dropping stalled subscriber", "resource", resource, "subscriber", sub.ID)
			h.removeLocked(sub)
		}
	}
}

// Subscribers returns the current subscriber count for resource.
func (h *Hub) Subscribers(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[resource])
}

// Resources returns the number of notes with at least one subscriber.
func (h *Hub) Resources() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// TotalSubscribers returns the subscriber count across all notes.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.topics {
		total += len(subs)
	}
	return total
}
