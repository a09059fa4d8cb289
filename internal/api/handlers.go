// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package api

import (
	"context"
	"net/http"

	"github.com/dropstack/ordersync/internal/hub"
	"github.com/dropstack/ordersync/internal/models"
)

// SyncController is the sync engine surface the API needs.
// Implemented by syncer.Engine.
type SyncController interface {
	StartSync(tenant string, force bool) (accepted bool, message string)
	CancelSync(tenant string) bool
	FullStatus(ctx context.Context, tenant string) (models.FullStatus, error)
}

// EventSource is the progress broadcast surface the live endpoint needs.
// Implemented by hub.Hub.
type EventSource interface {
	Subscribe(tenant string, fn hub.Listener) uint64
	Unsubscribe(tenant string, id uint64)
}

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	engine  SyncController
	events  EventSource
	version string
}

// NewHandlers creates the handler set.
func NewHandlers(engine SyncController, events EventSource, version string) *Handlers {
	return &Handlers{
		engine:  engine,
		events:  events,
		version: version,
	}
}

// Health reports process liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}
