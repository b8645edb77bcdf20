// Package stream fans security events out to live subscribers, primarily
// the gateway's WebSocket endpoint. Delivery is best effort: a slow
// subscriber drops events rather than blocking publishers.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id,omitempty"`
	At       string          `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, tenantID string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:     eventType,
		TenantID: tenantID,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
		Data:     raw,
	}
}

type subscriber struct {
	ch     chan Event
	tenant string // empty subscribes to every tenant
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscriber{}}
}

// Subscribe registers a listener. A non-empty tenantID restricts delivery
// to that tenant's events plus tenant-less system events.
func (h *Hub) Subscribe(tenantID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{ch: ch, tenant: tenantID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.tenant != "" && evt.TenantID != "" && sub.tenant != evt.TenantID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// Notify adapts the hub to escalation sinks that publish by type and
// payload. Tenant is read from the payload when present.
func (h *Hub) Notify(eventType string, data interface{}) {
	tenant := ""
	if m, ok := data.(map[string]interface{}); ok {
		if t, ok := m["tenant_id"].(string); ok {
			tenant = t
		}
	}
	h.Publish(NewEvent(eventType, tenant, data))
}
