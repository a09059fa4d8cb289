// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package models defines the shared sync domain types: per-tenant status,
// progress events, and partial status updates.
package models

import "time"

// Phase is the durable state of a tenant's synchronization.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSyncing   Phase = "syncing"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// SyncStatus is the durable per-tenant sync record. It is owned by the status
// store and mutated only by the sync engine.
//
// ResumeCursor is non-empty only while a run is syncing or was interrupted
// with progress to resume. SyncedCount never decreases except when a forced
// fresh run resets it to zero.
type SyncStatus struct {
	Phase           Phase      `json:"phase"`
	SyncedCount     int        `json:"synced_count"`
	TotalCount      *int       `json:"total_count,omitempty"`
	ResumeCursor    string     `json:"resume_cursor,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// FullStatus is SyncStatus plus fields derived at read time for API callers.
type FullStatus struct {
	SyncStatus
	CachedOrderCount int  `json:"cached_order_count"`
	SyncRequired     bool `json:"sync_required"`
}

// StatusUpdate carries a partial SyncStatus mutation: only non-nil fields
// change. An empty string pointed to by ResumeCursor or ErrorMessage clears
// the stored value.
type StatusUpdate struct {
	Phase           *Phase
	SyncedCount     *int
	TotalCount      *int
	ResumeCursor    *string
	LastCompletedAt *time.Time
	ErrorMessage    *string
}

// EventKind classifies a progress event.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// SyncEvent is a one-shot progress message published by the sync engine and
// fanned out to listeners. Never persisted.
type SyncEvent struct {
	Kind         EventKind `json:"kind"`
	Tenant       string    `json:"tenant"`
	SyncedSoFar  int       `json:"synced_so_far"`
	TotalIfKnown *int      `json:"total_if_known,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Ptr returns a pointer to v. Convenience for building StatusUpdate values.
func Ptr[T any](v T) *T { return &v }
