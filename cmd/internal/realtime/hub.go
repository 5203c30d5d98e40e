// Package realtime is the owner notification feed: a websocket endpoint on
// which an Owner receives metadata about envelopes addressed to them as they
// arrive and are destroyed. Delivery is best effort.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"courier/cmd/internal/metrics"
)

// Hub tracks connected clients per owner and fans events out to them.
// It satisfies files.Notifier.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	owners map[string]map[string]*Client
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		owners:  make(map[string]map[string]*Client),
	}
}

// Register subscribes c to its owner's events.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.ID == "" || c.OwnerID == "" {
		return
	}

	h.mu.Lock()
	set, ok := h.owners[c.OwnerID]
	if !ok {
		set = make(map[string]*Client)
		h.owners[c.OwnerID] = set
	}
	_, existed := set[c.ID]
	set[c.ID] = c
	h.mu.Unlock()

	if !existed {
		h.metrics.FeedClients(1)
	}
	h.log.Info("realtime.subscribe", "owner_id", c.OwnerID, "subscription_id", c.ID)
}

// Unregister removes the client and signals it to stop. The client is
// removed before it is closed so Publish never races a teardown.
func (h *Hub) Unregister(ownerID, id string) {
	if h == nil || ownerID == "" || id == "" {
		return
	}

	h.mu.Lock()
	c := h.owners[ownerID][id]
	if c != nil {
		delete(h.owners[ownerID], id)
		if len(h.owners[ownerID]) == 0 {
			delete(h.owners, ownerID)
		}
	}
	h.mu.Unlock()

	if c == nil {
		return
	}
	c.Close()
	h.metrics.FeedClients(-1)
	h.log.Info("realtime.unsubscribe", "owner_id", ownerID, "subscription_id", id)
}

// Publish delivers an event to every client of ownerID without blocking.
// A client whose queue is full is unsubscribed; its connection then closes
// and the client is expected to reconnect.
func (h *Hub) Publish(ownerID, eventType string, payload any) {
	if h == nil || ownerID == "" {
		return
	}

	ev, err := newEvent(eventType, payload, h.now())
	if err != nil {
		h.log.Error("realtime.publish.encode", "type", eventType, "err", err)
		return
	}

	var slow []string

	h.mu.RLock()
	for id, c := range h.owners[ownerID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- ev:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.log.Warn("realtime.drop.slow_client", "owner_id", ownerID, "subscription_id", id, "type", eventType)
		h.Unregister(ownerID, id)
	}
}

// Count returns the number of clients subscribed for ownerID.
func (h *Hub) Count(ownerID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}
