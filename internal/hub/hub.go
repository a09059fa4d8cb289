// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package hub implements the in-process progress broadcast registry. It maps
// a tenant to its set of live listeners, independent of whether a sync run is
// active: a caller may open a live-updates channel first and trigger the sync
// afterwards.
package hub

import (
	"sync"

	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/metrics"
	"github.com/dropstack/ordersync/internal/models"
)

// Listener receives one sync event. Listeners are invoked synchronously on
// the publisher's goroutine and should hand work off quickly.
type Listener func(models.SyncEvent)

// subscription pairs a listener with its registration id. Subscriptions are
// kept in a slice so delivery follows subscription order.
type subscription struct {
	id uint64
	fn Listener
}

// Hub is the per-process progress broadcast registry. Create one at startup
// and pass it explicitly to the engine and the API layer.
type Hub struct {
	mu      sync.Mutex
	nextID  uint64
	tenants map[string][]subscription
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		tenants: make(map[string][]subscription),
	}
}

// Subscribe registers a listener for a tenant's events and returns the id to
// pass to Unsubscribe.
func (h *Hub) Subscribe(tenant string, fn Listener) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.tenants[tenant] = append(h.tenants[tenant], subscription{id: id, fn: fn})
	metrics.HubSubscribers.Inc()

	logging.Debug().Str("tenant", tenant).Uint64("listener", id).Int("total", len(h.tenants[tenant])).Msg("progress listener subscribed")
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored; removing the last
// listener discards the tenant's bookkeeping entry.
func (h *Hub) Unsubscribe(tenant string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.tenants[tenant]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		subs = append(subs[:i], subs[i+1:]...)
		metrics.HubSubscribers.Dec()
		if len(subs) == 0 {
			delete(h.tenants, tenant)
		} else {
			h.tenants[tenant] = subs
		}
		logging.Debug().Str("tenant", tenant).Uint64("listener", id).Int("total", len(subs)).Msg("progress listener unsubscribed")
		return
	}
}

// Publish delivers ev to every listener currently subscribed for the tenant,
// in subscription order. A panicking listener is logged and skipped; it never
// prevents delivery to the listeners after it.
func (h *Hub) Publish(tenant string, ev models.SyncEvent) {
	h.mu.Lock()
	// Snapshot under the lock so a listener may subscribe or unsubscribe
	// during delivery without deadlocking.
	subs := make([]subscription, len(h.tenants[tenant]))
	copy(subs, h.tenants[tenant])
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(tenant, sub, ev)
	}
	metrics.HubEventsDelivered.WithLabelValues(string(ev.Kind)).Add(float64(len(subs)))
}

// ListenerCount returns the number of live listeners for a tenant.
func (h *Hub) ListenerCount(tenant string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tenants[tenant])
}

func (h *Hub) deliver(tenant string, sub subscription, ev models.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HubListenerPanics.Inc()
			logging.Error().Str("tenant", tenant).Uint64("listener", sub.id).Any("panic", r).Msg("progress listener panicked, skipping")
		}
	}()
	sub.fn(ev)
}
