// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package store holds the durable stores: synced orders in DuckDB and
// per-tenant sync status records in BadgerDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/dropstack/ordersync/internal/config"
	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/metrics"
	"github.com/dropstack/ordersync/internal/remote"
)

// OrderStore persists synced orders in DuckDB, keyed by (tenant, order id).
// Upserts are idempotent: re-delivering a page on resume overwrites rows
// instead of duplicating them.
type OrderStore struct {
	conn *sql.DB
}

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	tenant       VARCHAR NOT NULL,
	order_id     VARCHAR NOT NULL,
	order_number VARCHAR,
	status       VARCHAR,
	customer     VARCHAR,
	total_cents  BIGINT,
	currency     VARCHAR,
	placed_at    TIMESTAMP,
	updated_at   TIMESTAMP,
	synced_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant, order_id)
)`

// NewOrderStore opens (or creates) the DuckDB order database and initializes
// the schema. Pass ":memory:" as the path for an ephemeral store in tests.
func NewOrderStore(cfg *config.DatabaseConfig) (*OrderStore, error) {
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		// Ensure the parent directory exists so DuckDB can create the file.
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}

		threads := cfg.Threads
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		maxMemory := cfg.MaxMemory
		if maxMemory == "" {
			maxMemory = "1GB"
		}
		// Disable extension auto-install/auto-load to avoid network access in
		// restricted environments.
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
			cfg.Path, threads, maxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open order database: %w", err)
	}

	if _, err := conn.Exec(ordersSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize orders schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("Order store ready")
	return &OrderStore{conn: conn}, nil
}

// UpsertOrders writes a page of orders for a tenant inside one transaction
// and returns the number of rows written. Safe to repeat for the same page.
func (s *OrderStore) UpsertOrders(ctx context.Context, tenant string, orders []remote.Order) (written int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreQuery("upsert_orders", start, err) }()

	if len(orders) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &remote.StorageError{Op: "upsert orders", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (
			tenant, order_id, order_number, status, customer,
			total_cents, currency, placed_at, updated_at, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, order_id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			status       = EXCLUDED.status,
			customer     = EXCLUDED.customer,
			total_cents  = EXCLUDED.total_cents,
			currency     = EXCLUDED.currency,
			placed_at    = EXCLUDED.placed_at,
			updated_at   = EXCLUDED.updated_at,
			synced_at    = EXCLUDED.synced_at`)
	if err != nil {
		return 0, &remote.StorageError{Op: "upsert orders", Err: err}
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range orders {
		o := &orders[i]
		if _, err = stmt.ExecContext(ctx,
			tenant, o.ID, o.Number, o.Status, o.Customer,
			o.TotalCents, o.Currency, o.PlacedAt, o.UpdatedAt, now,
		); err != nil {
			return 0, &remote.StorageError{Op: fmt.Sprintf("upsert order %s", o.ID), Err: err}
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, &remote.StorageError{Op: "commit order upsert", Err: err}
	}
	return len(orders), nil
}

// LatestOrderID returns the identifier of the tenant's newest synced order,
// or empty when the tenant has none. Newest is by placement time with the
// identifier as a tiebreaker, matching the remote API's since_id semantics.
func (s *OrderStore) LatestOrderID(ctx context.Context, tenant string) (id string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreQuery("latest_order_id", start, err) }()

	row := s.conn.QueryRowContext(ctx,
		`SELECT order_id FROM orders WHERE tenant = ? ORDER BY placed_at DESC, order_id DESC LIMIT 1`, tenant)
	if err = row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", &remote.StorageError{Op: "latest order id", Err: err}
	}
	return id, nil
}

// OrderCount returns the tenant's authoritative synced order count.
func (s *OrderStore) OrderCount(ctx context.Context, tenant string) (count int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreQuery("order_count", start, err) }()

	row := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE tenant = ?`, tenant)
	if err = row.Scan(&count); err != nil {
		return 0, &remote.StorageError{Op: "order count", Err: err}
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *OrderStore) Close() error {
	return s.conn.Close()
}
