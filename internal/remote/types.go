// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package remote

import (
	"context"
	"time"
)

// Order is one order as returned by the remote commerce platform.
// ID is the platform's stable identifier; everything else is payload that
// the sync engine passes through untouched.
type Order struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	Customer   string    `json:"customer"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	PlacedAt   time.Time `json:"placed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PageRequest describes one page fetch.
//
// Cursor is the opaque token from the previous page's response, passed back
// verbatim; empty for the first page of a run. SinceID anchors an incremental
// run at the newest already-synced order and is only meaningful when Cursor
// is empty.
type PageRequest struct {
	Cursor  string
	SinceID string
	Limit   int
}

// Page is one page of the remote order collection.
type Page struct {
	Orders     []Order `json:"orders"`
	NextCursor string  `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// FetchFunc fetches one page of orders for a tenant. The sync engine never
// assumes a wire protocol behind this boundary; Client.FetchOrders is the
// production implementation and tests substitute their own.
type FetchFunc func(ctx context.Context, tenant string, req PageRequest) (*Page, error)
