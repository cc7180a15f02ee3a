// Package notify distributes trace events to in-process subscribers (the SSE
// stream) and to the NATS notification publisher.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/client"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
)

// Event types.
const (
	AlertOpened           = "alert.opened"
	AlertAcked            = "alert.acked"
	AlertResolved         = "alert.resolved"
	AlertCommented        = "alert.commented"
	AlertCounts           = "alerts.counts"
	CycleStageChanged     = "cycle.stage_changed"
	CycleRecordedDegraded = "cycle.recorded_degraded"
)

// Event is one notification.
type Event struct {
	Type         string      `json:"type"`
	ResourceType string      `json:"resourceType,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	ActorID      string      `json:"actorId,omitempty"`
	Severity     string      `json:"severity,omitempty"`
	OccurredAt   time.Time   `json:"occurredAt"`
	Data         interface{} `json:"data,omitempty"`
}

// Publisher forwards events out of process.
type Publisher interface {
	Publish(ctx context.Context, event *client.NotificationEvent)
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int

	remote Publisher
	log    *logger.Logger
}

// NewHub creates a hub. remote may be nil.
func NewHub(buffer int, remote Publisher, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		remote: remote,
		log:    log,
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Notify delivers ev to every subscriber and the remote publisher.
func (h *Hub) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debug().Str("event_type", ev.Type).Msg("notify: subscriber buffer full, event dropped")
		}
	}
	h.mu.RUnlock()

	if h.remote != nil {
		h.remote.Publish(ctx, toNotification(ev))
	}
}

func toNotification(ev Event) *client.NotificationEvent {
	n := &client.NotificationEvent{
		EventType:    ev.Type,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		ActorID:      ev.ActorID,
		Severity:     ev.Severity,
		OccurredAt:   ev.OccurredAt,
	}
	if ev.Data != nil {
		n.Payload = map[string]interface{}{"data": ev.Data}
	}
	return n
}

// Discard drops every event.
type Discard struct{}

// Notify implements the service notifier.
func (Discard) Notify(context.Context, Event) {}
