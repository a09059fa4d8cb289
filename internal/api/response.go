// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package api provides the HTTP surface: Chi routing, standardized JSON
// responses, and the live-updates WebSocket endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/dropstack/ordersync/internal/logging"
)

// APIResponse is the standardized wrapper for all JSON endpoints.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError carries a machine-readable code plus a human-readable message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta holds response metadata.
type APIMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	resp := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	}
	writeResponse(w, status, resp)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: RequestIDFromContext(r.Context()),
		},
		Meta: &APIMeta{
			Timestamp: time.Now().UTC(),
		},
	}
	writeResponse(w, status, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Headers are gone at this point; nothing to do but log.
		logging.Error().Err(err).Msg("Failed to encode API response")
	}
}
