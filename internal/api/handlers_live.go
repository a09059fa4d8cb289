// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// sendBuffer bounds queued events per connection. A client too slow to
	// drain it misses intermediate progress events; the terminal event still
	// reaches it because later events supersede earlier ones.
	sendBuffer = 64
)

// liveMessage is the envelope for everything sent over the live channel.
type liveMessage struct {
	Type   string             `json:"type"` // "status" or "event"
	Status *models.FullStatus `json:"status,omitempty"`
	Event  *models.SyncEvent  `json:"event,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware on the rest of
	// the API; browsers do not send preflights for WebSocket upgrades, so the
	// check here stays permissive and deployments front it with a proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveUpdates handles GET /api/v1/sync/{tenant}/live.
//
// The connection opens with a full status snapshot, then streams sync events
// as they are published. Subscribing works with no run active, so a client
// may open the channel first and trigger the sync afterwards. The channel
// stays open across run completion; the client decides when to close.
func (h *Handlers) LiveUpdates(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	// Snapshot before upgrading: a storage failure is still reportable as a
	// plain HTTP error at this point.
	snapshot, err := h.engine.FullStatus(r.Context(), tenant)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "status_unavailable", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Str("tenant", tenant).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan models.SyncEvent, sendBuffer)
	id := h.events.Subscribe(tenant, func(ev models.SyncEvent) {
		select {
		case send <- ev:
		default:
			logging.Warn().Str("tenant", tenant).Str("kind", string(ev.Kind)).Msg("Live client too slow, dropping event")
		}
	})
	defer h.events.Unsubscribe(tenant, id)

	logging.Debug().Str("tenant", tenant).Uint64("listener", id).Msg("Live updates channel opened")

	if err := writeMessage(conn, liveMessage{Type: "status", Status: &snapshot}); err != nil {
		return
	}

	// Reader goroutine: we never expect client payloads, but reading is what
	// surfaces close frames and keeps the pong handler running.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-send:
			if err := writeMessage(conn, liveMessage{Type: "event", Event: &ev}); err != nil {
				logging.Debug().Err(err).Str("tenant", tenant).Msg("Live updates write failed, closing")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logging.Debug().Str("tenant", tenant).Uint64("listener", id).Msg("Live updates channel closed by client")
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg liveMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
