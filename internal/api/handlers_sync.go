// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// tenantParam extracts and validates the {tenant} route parameter.
func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant", "tenant identifier is required")
		return "", false
	}
	if len(tenant) > 128 {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant", "tenant identifier too long")
		return "", false
	}
	return tenant, true
}

// StartSync handles POST /api/v1/sync/{tenant}.
//
// ?force=true discards any resume point and synced counts, walking the remote
// collection from the beginning. A start for an already-syncing tenant is
// rejected with 409, never queued.
func (h *Handlers) StartSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	accepted, message := h.engine.StartSync(tenant, force)
	if !accepted {
		respondError(w, r, http.StatusConflict, "sync_in_progress", message)
		return
	}

	respondJSON(w, r, http.StatusAccepted, map[string]any{
		"message": message,
		"tenant":  tenant,
		"forced":  force,
	})
}

// CancelSync handles DELETE /api/v1/sync/{tenant}.
//
// Cancellation is cooperative: the run stops at its next page boundary and
// progress up to that point stays persisted for a later resume.
func (h *Handlers) CancelSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	if !h.engine.CancelSync(tenant) {
		respondError(w, r, http.StatusConflict, "no_active_sync", "no sync in progress for this tenant")
		return
	}

	respondJSON(w, r, http.StatusAccepted, map[string]any{
		"message": "cancellation requested; the run stops at the next page boundary",
		"tenant":  tenant,
	})
}

// SyncStatus handles GET /api/v1/sync/{tenant}/status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	status, err := h.engine.FullStatus(r.Context(), tenant)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "status_unavailable", err.Error())
		return
	}

	respondJSON(w, r, http.StatusOK, status)
}
