// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/models"
	"github.com/dropstack/ordersync/internal/remote"
)

// statusKeyPrefix namespaces per-tenant sync status records in BadgerDB.
const statusKeyPrefix = "sync:status:"

// StatusStore persists per-tenant SyncStatus records in BadgerDB. This is
// what makes sync runs resumable across process restarts: the engine writes
// the cursor and counters here after every page.
type StatusStore struct {
	db *badger.DB
}

// NewStatusStore opens (or creates) the BadgerDB status database at dir.
func NewStatusStore(dir string) (*StatusStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is noisy; we log at the store level

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open status database: %w", err)
	}

	logging.Info().Str("dir", dir).Msg("Sync status store ready")
	return &StatusStore{db: db}, nil
}

func statusKey(tenant string) []byte {
	return []byte(statusKeyPrefix + tenant)
}

// Get returns the tenant's sync status. Unknown tenants get a zero-value
// idle status, not an error.
func (s *StatusStore) Get(ctx context.Context, tenant string) (models.SyncStatus, error) {
	status := models.SyncStatus{Phase: models.PhaseIdle}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statusKey(tenant))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &status)
		})
	})
	if err != nil {
		return models.SyncStatus{}, &remote.StorageError{Op: "get sync status", Err: err}
	}
	return status, nil
}

// Update applies a partial status mutation in one read-modify-write
// transaction: only non-nil fields of upd change the stored record. The
// engine is the only writer for a given tenant, so the read-modify-write
// needs no coordination beyond the transaction itself.
func (s *StatusStore) Update(ctx context.Context, tenant string, upd models.StatusUpdate) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		status := models.SyncStatus{Phase: models.PhaseIdle}

		item, err := txn.Get(statusKey(tenant))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &status)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		applyUpdate(&status, upd)

		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		return txn.Set(statusKey(tenant), data)
	})
	if err != nil {
		return &remote.StorageError{Op: "update sync status", Err: err}
	}
	return nil
}

func applyUpdate(status *models.SyncStatus, upd models.StatusUpdate) {
	if upd.Phase != nil {
		status.Phase = *upd.Phase
	}
	if upd.SyncedCount != nil {
		status.SyncedCount = *upd.SyncedCount
	}
	if upd.TotalCount != nil {
		status.TotalCount = upd.TotalCount
	}
	if upd.ResumeCursor != nil {
		status.ResumeCursor = *upd.ResumeCursor
	}
	if upd.LastCompletedAt != nil {
		status.LastCompletedAt = upd.LastCompletedAt
	}
	if upd.ErrorMessage != nil {
		status.ErrorMessage = *upd.ErrorMessage
	}
}

// Close closes the underlying BadgerDB instance.
func (s *StatusStore) Close() error {
	return s.db.Close()
}
