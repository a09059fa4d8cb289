// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

/*
engine.go - Sync Engine Orchestration

The engine owns the per-tenant sync state machine:

	idle/completed/error -> syncing   (start request; duplicates rejected)
	syncing -> syncing                (one page per iteration, checkpointed)
	syncing -> completed              (remote reports no further pages)
	syncing -> error                  (non-retryable failure; cursor preserved)
	syncing -> idle                   (user cancellation; cursor preserved)

Pages for one tenant are fetched strictly in sequence because each page's
cursor comes from the previous response. The cursor and counters are persisted
after every page, before the next fetch, so a crash loses at most the page in
flight. Retrying transient remote failures is entirely the scheduler's
responsibility; the engine never retries at its own level.

Cancellation is cooperative: CancelSync cancels the run's context, which is
observed at the top of the page loop. An in-flight fetch is allowed to finish;
already-persisted pages are never lost.

Start requests return before the run completes. The run goroutine carries a
structured completion path: every exit (completion, failure, cancellation,
panic) writes the durable status and publishes a terminal event, so no outcome
is silently dropped.
*/
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/metrics"
	"github.com/dropstack/ordersync/internal/models"
	"github.com/dropstack/ordersync/internal/remote"
	"github.com/dropstack/ordersync/internal/scheduler"
)

// StatusStore is the durable per-tenant sync status record.
// Implemented by store.StatusStore.
type StatusStore interface {
	Get(ctx context.Context, tenant string) (models.SyncStatus, error)
	Update(ctx context.Context, tenant string, upd models.StatusUpdate) error
}

// OrderStore is the durable, idempotent order store.
// Implemented by store.OrderStore.
type OrderStore interface {
	UpsertOrders(ctx context.Context, tenant string, orders []remote.Order) (int, error)
	LatestOrderID(ctx context.Context, tenant string) (string, error)
	OrderCount(ctx context.Context, tenant string) (int, error)
}

// Submitter gates outbound remote calls. Implemented by scheduler.Scheduler.
type Submitter interface {
	Submit(ctx context.Context, op scheduler.Operation) error
}

// Publisher fans sync events out to live listeners. Implemented by hub.Hub.
type Publisher interface {
	Publish(tenant string, ev models.SyncEvent)
}

// runMode names the resumption strategy chosen for a run. The mode is decided
// once at start, never inferred mid-run from whichever fields happen to be set.
type runMode int

const (
	// runModeFull walks the whole remote collection from the beginning,
	// discarding any prior cursor and progress.
	runModeFull runMode = iota
	// runModeResume continues an interrupted run from its persisted cursor.
	runModeResume
	// runModeIncremental fetches only orders newer than the newest already
	// synced, anchored by its identifier.
	runModeIncremental
)

func (m runMode) String() string {
	switch m {
	case runModeFull:
		return "full"
	case runModeResume:
		return "resume"
	case runModeIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// run is the transient state of one active sync. It exists only while the run
// goroutine is alive; everything durable lives in the status store.
type run struct {
	cancel context.CancelFunc
}

// Engine orchestrates sync runs for all tenants. One instance per process,
// created at startup and passed explicitly to the API layer.
type Engine struct {
	sched      Submitter
	status     StatusStore
	orders     OrderStore
	hub        Publisher
	fetch      remote.FetchFunc
	staleAfter time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a sync engine. fetch is the injected page-fetch boundary;
// staleAfter controls the derived syncRequired flag in FullStatus.
func New(sched Submitter, status StatusStore, orders OrderStore, hub Publisher, fetch remote.FetchFunc, staleAfter time.Duration) *Engine {
	return &Engine{
		sched:      sched,
		status:     status,
		orders:     orders,
		hub:        hub,
		fetch:      fetch,
		staleAfter: staleAfter,
		runs:       make(map[string]*run),
	}
}

// StartSync begins a sync run for a tenant. It returns immediately; the run
// proceeds in the background. A second start for a tenant that is already
// syncing is rejected, never queued.
func (e *Engine) StartSync(tenant string, force bool) (accepted bool, message string) {
	e.mu.Lock()
	if _, active := e.runs[tenant]; active {
		e.mu.Unlock()
		return false, "sync already in progress"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.runs[tenant] = &run{cancel: cancel}
	metrics.SyncActiveRuns.Inc()
	e.mu.Unlock()

	go func() {
		// Unregister only after the terminal status write, so a concurrent
		// start observes either an active run or the finalized outcome.
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.runs, tenant)
			e.mu.Unlock()
			metrics.SyncActiveRuns.Dec()
		}()
		defer func() {
			if r := recover(); r != nil {
				logging.Error().Str("tenant", tenant).Any("panic", r).Msg("Sync run panicked")
				e.fail(tenant, fmt.Errorf("sync run panicked: %v", r))
			}
		}()
		e.runSync(ctx, tenant, force)
	}()

	return true, "sync started"
}

// CancelSync requests cancellation of a tenant's active run. Returns false
// when no run is active. The run exits at its next page boundary.
func (e *Engine) CancelSync(tenant string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, active := e.runs[tenant]
	if !active {
		return false
	}
	r.cancel()
	logging.Info().Str("tenant", tenant).Msg("Sync cancellation requested")
	return true
}

// FullStatus returns the durable status plus derived fields for API callers.
func (e *Engine) FullStatus(ctx context.Context, tenant string) (models.FullStatus, error) {
	st, err := e.status.Get(ctx, tenant)
	if err != nil {
		return models.FullStatus{}, err
	}
	count, err := e.orders.OrderCount(ctx, tenant)
	if err != nil {
		return models.FullStatus{}, err
	}

	// A sync is required when nothing has ever completed, an interrupted run
	// is waiting to resume, or the last completion has gone stale.
	required := st.LastCompletedAt == nil ||
		st.ResumeCursor != "" ||
		(e.staleAfter > 0 && time.Since(*st.LastCompletedAt) > e.staleAfter)

	return models.FullStatus{
		SyncStatus:       st,
		CachedOrderCount: count,
		SyncRequired:     required && st.Phase != models.PhaseSyncing,
	}, nil
}

// runSync executes one sync run to its terminal state.
func (e *Engine) runSync(ctx context.Context, tenant string, force bool) {
	started := time.Now()

	// Store reads/writes must outlive the run context so a cancelled run can
	// still persist its terminal status.
	st, err := e.status.Get(context.Background(), tenant)
	if err != nil {
		e.fail(tenant, err)
		return
	}

	mode, cursor, sinceID, synced, err := e.decideMode(tenant, st, force)
	if err != nil {
		e.fail(tenant, err)
		return
	}

	logging.Info().
		Str("tenant", tenant).
		Str("mode", mode.String()).
		Int("starting_count", synced).
		Msg("Sync run starting")

	if err := e.status.Update(context.Background(), tenant, models.StatusUpdate{
		Phase:        models.Ptr(models.PhaseSyncing),
		SyncedCount:  models.Ptr(synced),
		ResumeCursor: models.Ptr(cursor),
		ErrorMessage: models.Ptr(""),
	}); err != nil {
		e.fail(tenant, err)
		return
	}

	e.hub.Publish(tenant, models.SyncEvent{
		Kind:        models.EventStarted,
		Tenant:      tenant,
		SyncedSoFar: synced,
	})

	for {
		// Cancellation checkpoint: observed before each page fetch, never
		// mid-operation.
		if ctx.Err() != nil {
			e.cancelled(tenant, synced)
			return
		}

		page, err := e.fetchPage(ctx, tenant, cursor, sinceID)
		if err != nil {
			if ctx.Err() != nil {
				e.cancelled(tenant, synced)
				return
			}
			e.fail(tenant, err)
			return
		}

		written, err := e.orders.UpsertOrders(context.Background(), tenant, page.Orders)
		if err != nil {
			e.fail(tenant, err)
			return
		}
		synced += written
		cursor = page.NextCursor
		sinceID = "" // the cursor carries the position from here on

		// Checkpoint before the next fetch: a crash past this point loses at
		// most the in-flight page.
		if err := e.status.Update(context.Background(), tenant, models.StatusUpdate{
			SyncedCount:  models.Ptr(synced),
			ResumeCursor: models.Ptr(cursor),
		}); err != nil {
			e.fail(tenant, err)
			return
		}

		metrics.SyncPages.Inc()
		e.hub.Publish(tenant, models.SyncEvent{
			Kind:        models.EventProgress,
			Tenant:      tenant,
			SyncedSoFar: synced,
		})

		logging.Debug().
			Str("tenant", tenant).
			Int("page_orders", written).
			Int("synced", synced).
			Bool("has_more", page.HasMore).
			Msg("Page processed")

		if !page.HasMore {
			break
		}
	}

	e.complete(tenant, started)
}

// decideMode picks the resumption strategy for a start request and returns
// the initial cursor, incremental anchor, and starting count.
func (e *Engine) decideMode(tenant string, st models.SyncStatus, force bool) (runMode, string, string, int, error) {
	switch {
	case force:
		return runModeFull, "", "", 0, nil

	case st.ResumeCursor != "":
		return runModeResume, st.ResumeCursor, "", st.SyncedCount, nil

	default:
		sinceID, err := e.orders.LatestOrderID(context.Background(), tenant)
		if err != nil {
			return runModeIncremental, "", "", 0, err
		}
		return runModeIncremental, "", sinceID, 0, nil
	}
}

// fetchPage submits one page fetch through the scheduler. Transient remote
// failures never reach this function's caller; only exhausted retries and
// non-retryable failures do.
func (e *Engine) fetchPage(ctx context.Context, tenant, cursor, sinceID string) (*remote.Page, error) {
	var page *remote.Page
	err := e.sched.Submit(ctx, func(ctx context.Context) error {
		p, err := e.fetch(ctx, tenant, remote.PageRequest{Cursor: cursor, SinceID: sinceID})
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page (cursor=%q): %w", cursor, err)
	}
	return page, nil
}

// complete finalizes a run whose remote collection reported no further pages.
func (e *Engine) complete(tenant string, started time.Time) {
	total, err := e.orders.OrderCount(context.Background(), tenant)
	if err != nil {
		e.fail(tenant, err)
		return
	}

	now := time.Now().UTC()
	if err := e.status.Update(context.Background(), tenant, models.StatusUpdate{
		Phase:           models.Ptr(models.PhaseCompleted),
		SyncedCount:     models.Ptr(total),
		TotalCount:      models.Ptr(total),
		ResumeCursor:    models.Ptr(""),
		LastCompletedAt: &now,
		ErrorMessage:    models.Ptr(""),
	}); err != nil {
		e.fail(tenant, err)
		return
	}

	duration := time.Since(started)
	metrics.RecordSyncRun(tenant, duration, total, nil)
	logging.Info().Str("tenant", tenant).Int("orders", total).Dur("duration", duration).Msg("Sync completed")

	e.hub.Publish(tenant, models.SyncEvent{
		Kind:         models.EventComplete,
		Tenant:       tenant,
		SyncedSoFar:  total,
		TotalIfKnown: &total,
	})
}

// cancelled finalizes a user-cancelled run: phase returns to idle with an
// explanatory message, and the cursor is left in place for a future resume.
func (e *Engine) cancelled(tenant string, synced int) {
	const msg = "sync cancelled by user; progress preserved for resume"

	if err := e.status.Update(context.Background(), tenant, models.StatusUpdate{
		Phase:        models.Ptr(models.PhaseIdle),
		ErrorMessage: models.Ptr(msg),
	}); err != nil {
		logging.Error().Err(err).Str("tenant", tenant).Msg("Failed to persist cancellation")
	}

	metrics.SyncErrors.WithLabelValues("cancelled").Inc()
	logging.Info().Str("tenant", tenant).Int("synced", synced).Msg("Sync cancelled")

	e.hub.Publish(tenant, models.SyncEvent{
		Kind:        models.EventError,
		Tenant:      tenant,
		SyncedSoFar: synced,
		Message:     msg,
	})
}

// fail finalizes a failed run. The cursor from the last successfully
// processed page is preserved so a non-forced start can resume past it.
func (e *Engine) fail(tenant string, cause error) {
	var se *remote.StorageError
	errType := "remote"
	if errors.As(cause, &se) {
		errType = "storage"
	}
	metrics.SyncErrors.WithLabelValues(errType).Inc()

	if err := e.status.Update(context.Background(), tenant, models.StatusUpdate{
		Phase:        models.Ptr(models.PhaseError),
		ErrorMessage: models.Ptr(cause.Error()),
	}); err != nil {
		logging.Error().Err(err).Str("tenant", tenant).Msg("Failed to persist sync error")
	}

	logging.Error().Err(cause).Str("tenant", tenant).Msg("Sync failed")

	st, err := e.status.Get(context.Background(), tenant)
	synced := 0
	if err == nil {
		synced = st.SyncedCount
	}

	e.hub.Publish(tenant, models.SyncEvent{
		Kind:        models.EventError,
		Tenant:      tenant,
		SyncedSoFar: synced,
		Message:     cause.Error(),
	})
}
