// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropstack/ordersync/internal/config"
	"github.com/dropstack/ordersync/internal/models"
	"github.com/dropstack/ordersync/internal/remote"
	"github.com/dropstack/ordersync/internal/scheduler"
)

// memStatusStore is an in-memory StatusStore with the same partial-update
// semantics as the BadgerDB implementation.
type memStatusStore struct {
	mu sync.Mutex
	m  map[string]models.SyncStatus
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{m: make(map[string]models.SyncStatus)}
}

func (s *memStatusStore) Get(ctx context.Context, tenant string) (models.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[tenant]
	if !ok {
		return models.SyncStatus{Phase: models.PhaseIdle}, nil
	}
	return st, nil
}

func (s *memStatusStore) Update(ctx context.Context, tenant string, upd models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[tenant]
	if !ok {
		st = models.SyncStatus{Phase: models.PhaseIdle}
	}
	if upd.Phase != nil {
		st.Phase = *upd.Phase
	}
	if upd.SyncedCount != nil {
		st.SyncedCount = *upd.SyncedCount
	}
	if upd.TotalCount != nil {
		st.TotalCount = upd.TotalCount
	}
	if upd.ResumeCursor != nil {
		st.ResumeCursor = *upd.ResumeCursor
	}
	if upd.LastCompletedAt != nil {
		st.LastCompletedAt = upd.LastCompletedAt
	}
	if upd.ErrorMessage != nil {
		st.ErrorMessage = *upd.ErrorMessage
	}
	s.m[tenant] = st
	return nil
}

// memOrderStore is an in-memory idempotent OrderStore.
type memOrderStore struct {
	mu sync.Mutex
	m  map[string]map[string]remote.Order
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{m: make(map[string]map[string]remote.Order)}
}

func (s *memOrderStore) UpsertOrders(ctx context.Context, tenant string, orders []remote.Order) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[tenant] == nil {
		s.m[tenant] = make(map[string]remote.Order)
	}
	for _, o := range orders {
		s.m[tenant][o.ID] = o
	}
	return len(orders), nil
}

func (s *memOrderStore) LatestOrderID(ctx context.Context, tenant string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := ""
	for id := range s.m[tenant] {
		if id > latest {
			latest = id
		}
	}
	return latest, nil
}

func (s *memOrderStore) OrderCount(ctx context.Context, tenant string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m[tenant]), nil
}

// eventRecorder captures published events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (r *eventRecorder) Publish(tenant string, ev models.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// fakeRemote serves pages keyed by request cursor ("" is the first page) and
// records every request it sees.
type fakeRemote struct {
	mu       sync.Mutex
	pages    map[string]*remote.Page
	requests []remote.PageRequest
	errAt    map[string]error       // cursor -> error to return
	blockAt  map[string]chan struct{} // cursor -> gate released by the test
}

func (f *fakeRemote) fetch(ctx context.Context, tenant string, req remote.PageRequest) (*remote.Page, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate := f.blockAt[req.Cursor]
	failure := f.errAt[req.Cursor]
	page := f.pages[req.Cursor]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if page == nil {
		return nil, &remote.PermanentError{Status: 404, Err: errors.New("no such page")}
	}
	// Copy so callers cannot mutate the fixture.
	cp := *page
	return &cp, nil
}

func (f *fakeRemote) requestCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors := make([]string, len(f.requests))
	for i, r := range f.requests {
		cursors[i] = r.Cursor
	}
	return cursors
}

func order(id string) remote.Order {
	return remote.Order{ID: id, Number: "1" + id, Status: "paid", Currency: "USD"}
}

// threePageRemote builds the canonical 3-page collection (sizes 2, 2, 1).
func threePageRemote() *fakeRemote {
	return &fakeRemote{
		pages: map[string]*remote.Page{
			"":      {Orders: []remote.Order{order("ord_1"), order("ord_2")}, NextCursor: "cur_2", HasMore: true},
			"cur_2": {Orders: []remote.Order{order("ord_3"), order("ord_4")}, NextCursor: "cur_3", HasMore: true},
			"cur_3": {Orders: []remote.Order{order("ord_5")}, NextCursor: "", HasMore: false},
		},
		errAt:   map[string]error{},
		blockAt: map[string]chan struct{}{},
	}
}

func fastScheduler() *scheduler.Scheduler {
	return scheduler.New(config.SchedulerConfig{
		RatePerSecond:  1000,
		MaxInFlight:    2,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
}

type testEnv struct {
	engine *Engine
	status *memStatusStore
	orders *memOrderStore
	events *eventRecorder
	remote *fakeRemote
}

func newTestEnv(fr *fakeRemote) *testEnv {
	env := &testEnv{
		status: newMemStatusStore(),
		orders: newMemOrderStore(),
		events: &eventRecorder{},
		remote: fr,
	}
	env.engine = New(fastScheduler(), env.status, env.orders, env.events, env.remote.fetch, 24*time.Hour)
	return env
}

// waitForPhase polls the status store until the tenant reaches phase.
func waitForPhase(t *testing.T, s *memStatusStore, tenant string, phase models.Phase) models.SyncStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.Get(context.Background(), tenant)
		if err != nil {
			t.Fatal(err)
		}
		if st.Phase == phase {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.Get(context.Background(), tenant)
	t.Fatalf("tenant %s never reached phase %s (stuck at %s)", tenant, phase, st.Phase)
	return models.SyncStatus{}
}

func TestFullIncrementalRun_ThreePages(t *testing.T) {
	env := newTestEnv(threePageRemote())

	accepted, _ := env.engine.StartSync("shop-1", false)
	if !accepted {
		t.Fatal("start rejected")
	}

	st := waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)
	if st.SyncedCount != 5 {
		t.Errorf("synced count = %d, want 5", st.SyncedCount)
	}
	if st.TotalCount == nil || *st.TotalCount != 5 {
		t.Errorf("total count = %v, want 5", st.TotalCount)
	}
	if st.ResumeCursor != "" {
		t.Errorf("cursor = %q after completion, want cleared", st.ResumeCursor)
	}
	if st.LastCompletedAt == nil {
		t.Error("last completed at not stamped")
	}

	count, _ := env.orders.OrderCount(context.Background(), "shop-1")
	if count != 5 {
		t.Errorf("stored orders = %d, want 5 distinct", count)
	}

	// started, progress x3, complete - in page order.
	want := []models.EventKind{
		models.EventStarted, models.EventProgress, models.EventProgress,
		models.EventProgress, models.EventComplete,
	}
	got := env.events.kinds()
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestErrorPreservesResumeCursor(t *testing.T) {
	fr := threePageRemote()
	fr.errAt["cur_3"] = &remote.PermanentError{Status: 403, Err: errors.New("token revoked")}
	env := newTestEnv(fr)

	env.engine.StartSync("shop-1", false)
	st := waitForPhase(t, env.status, "shop-1", models.PhaseError)

	if st.ResumeCursor != "cur_3" {
		t.Errorf("cursor = %q, want cur_3 (last completed page preserved)", st.ResumeCursor)
	}
	if st.SyncedCount != 4 {
		t.Errorf("synced count = %d, want 4", st.SyncedCount)
	}
	if !strings.Contains(st.ErrorMessage, "token revoked") {
		t.Errorf("error message = %q, want the cause", st.ErrorMessage)
	}

	kinds := env.events.kinds()
	if kinds[len(kinds)-1] != models.EventError {
		t.Errorf("terminal event = %s, want error", kinds[len(kinds)-1])
	}
}

func TestResumeAfterFailureSkipsProcessedPages(t *testing.T) {
	fr := threePageRemote()
	fr.errAt["cur_3"] = &remote.PermanentError{Status: 410, Err: errors.New("cursor expired")}
	env := newTestEnv(fr)

	env.engine.StartSync("shop-1", false)
	waitForPhase(t, env.status, "shop-1", models.PhaseError)

	// Clear the failure and resume non-forced.
	fr.mu.Lock()
	delete(fr.errAt, "cur_3")
	fr.requests = nil
	fr.mu.Unlock()

	accepted, _ := env.engine.StartSync("shop-1", false)
	if !accepted {
		t.Fatal("resume start rejected")
	}
	st := waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)

	if st.SyncedCount != 5 {
		t.Errorf("synced count = %d, want 5", st.SyncedCount)
	}
	count, _ := env.orders.OrderCount(context.Background(), "shop-1")
	if count != 5 {
		t.Errorf("stored orders = %d, want 5 (idempotent)", count)
	}

	// The resumed run must fetch only from the persisted cursor onward.
	for _, cursor := range fr.requestCursors() {
		if cursor == "" || cursor == "cur_2" {
			t.Errorf("resumed run re-fetched already-processed page (cursor %q)", cursor)
		}
	}
}

func TestResumeAfterSimulatedRestart(t *testing.T) {
	fr := threePageRemote()
	env := newTestEnv(fr)

	// A crash between page 2 and page 3 leaves a durable syncing status with
	// the cursor checkpoint; the in-memory run registry is empty after
	// restart, so a new engine must accept the start and resume.
	env.status.Update(context.Background(), "shop-1", models.StatusUpdate{
		Phase:        models.Ptr(models.PhaseSyncing),
		SyncedCount:  models.Ptr(4),
		ResumeCursor: models.Ptr("cur_3"),
	})
	env.orders.UpsertOrders(context.Background(), "shop-1", []remote.Order{
		order("ord_1"), order("ord_2"), order("ord_3"), order("ord_4"),
	})

	accepted, _ := env.engine.StartSync("shop-1", false)
	if !accepted {
		t.Fatal("post-restart start rejected")
	}
	st := waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)

	if st.SyncedCount != 5 {
		t.Errorf("synced count = %d, want 5", st.SyncedCount)
	}
	cursors := fr.requestCursors()
	if len(cursors) != 1 || cursors[0] != "cur_3" {
		t.Errorf("requests = %v, want exactly one fetch at cur_3", cursors)
	}
}

func TestCancelMidRunPreservesCursor(t *testing.T) {
	fr := threePageRemote()
	gate := make(chan struct{})
	fr.blockAt["cur_2"] = gate
	env := newTestEnv(fr)

	env.engine.StartSync("shop-1", false)

	// Wait until page 1 is checkpointed and page 2 is in flight.
	waitFor(t, func() bool {
		st, _ := env.status.Get(context.Background(), "shop-1")
		return st.ResumeCursor == "cur_2"
	})

	if !env.engine.CancelSync("shop-1") {
		t.Fatal("cancel returned false for an active run")
	}
	close(gate)

	st := waitForPhase(t, env.status, "shop-1", models.PhaseIdle)
	if st.ResumeCursor == "" {
		t.Error("cursor cleared by cancellation, resumability lost")
	}
	if !strings.Contains(st.ErrorMessage, "cancelled") {
		t.Errorf("error message = %q, want cancellation explanation", st.ErrorMessage)
	}

	// A subsequent non-forced start resumes from the preserved cursor.
	fr.mu.Lock()
	fr.requests = nil
	delete(fr.blockAt, "cur_2")
	fr.mu.Unlock()

	env.engine.StartSync("shop-1", false)
	final := waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)
	if final.SyncedCount != 5 {
		t.Errorf("synced count = %d after resume, want 5", final.SyncedCount)
	}
	cursors := fr.requestCursors()
	if len(cursors) == 0 || cursors[0] == "" {
		t.Errorf("resume after cancel should start at the preserved cursor, requests: %v", cursors)
	}
}

func TestForcedStartResetsProgress(t *testing.T) {
	fr := threePageRemote()
	env := newTestEnv(fr)

	env.status.Update(context.Background(), "shop-1", models.StatusUpdate{
		Phase:        models.Ptr(models.PhaseError),
		SyncedCount:  models.Ptr(4),
		ResumeCursor: models.Ptr("cur_3"),
		ErrorMessage: models.Ptr("old failure"),
	})

	env.engine.StartSync("shop-1", true)
	st := waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)

	// Forced run ignored the stored cursor and walked from the beginning.
	cursors := fr.requestCursors()
	if len(cursors) == 0 || cursors[0] != "" {
		t.Errorf("forced run requests = %v, want first fetch with empty cursor", cursors)
	}
	if st.SyncedCount != 5 {
		t.Errorf("synced count = %d, want 5", st.SyncedCount)
	}
	if st.ErrorMessage != "" {
		t.Errorf("stale error message survived forced run: %q", st.ErrorMessage)
	}
}

func TestIncrementalStartAnchorsAtLatestOrder(t *testing.T) {
	fr := threePageRemote()
	// For an anchored incremental run the first page is still keyed "".
	env := newTestEnv(fr)

	env.orders.UpsertOrders(context.Background(), "shop-1", []remote.Order{order("ord_0")})

	env.engine.StartSync("shop-1", false)
	waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)

	fr.mu.Lock()
	first := fr.requests[0]
	fr.mu.Unlock()
	if first.SinceID != "ord_0" {
		t.Errorf("first request since_id = %q, want ord_0", first.SinceID)
	}
	if first.Cursor != "" {
		t.Errorf("first request cursor = %q, want empty", first.Cursor)
	}
}

func TestConcurrentStartsExactlyOneAccepted(t *testing.T) {
	fr := threePageRemote()
	gate := make(chan struct{})
	fr.blockAt[""] = gate
	env := newTestEnv(fr)

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := env.engine.StartSync("shop-1", false)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	acceptedCount := 0
	for ok := range results {
		if ok {
			acceptedCount++
		}
	}
	if acceptedCount != 1 {
		t.Errorf("%d starts accepted, want exactly 1", acceptedCount)
	}

	close(gate)
	waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	env := newTestEnv(threePageRemote())
	if env.engine.CancelSync("shop-1") {
		t.Error("cancel reported success with no active run")
	}
}

func TestFullStatusDerivedFields(t *testing.T) {
	env := newTestEnv(threePageRemote())
	ctx := context.Background()

	// Never synced: sync required, nothing cached.
	fs, err := env.engine.FullStatus(ctx, "shop-1")
	if err != nil {
		t.Fatal(err)
	}
	if !fs.SyncRequired {
		t.Error("never-synced tenant should require sync")
	}
	if fs.CachedOrderCount != 0 {
		t.Errorf("cached count = %d, want 0", fs.CachedOrderCount)
	}

	env.engine.StartSync("shop-1", false)
	waitForPhase(t, env.status, "shop-1", models.PhaseCompleted)

	fs, err = env.engine.FullStatus(ctx, "shop-1")
	if err != nil {
		t.Fatal(err)
	}
	if fs.SyncRequired {
		t.Error("freshly completed tenant should not require sync")
	}
	if fs.CachedOrderCount != 5 {
		t.Errorf("cached count = %d, want 5", fs.CachedOrderCount)
	}
}

func TestStaleCompletionRequiresSync(t *testing.T) {
	env := newTestEnv(threePageRemote())
	stale := time.Now().UTC().Add(-48 * time.Hour)
	env.status.Update(context.Background(), "shop-1", models.StatusUpdate{
		Phase:           models.Ptr(models.PhaseCompleted),
		LastCompletedAt: &stale,
	})

	fs, err := env.engine.FullStatus(context.Background(), "shop-1")
	if err != nil {
		t.Fatal(err)
	}
	if !fs.SyncRequired {
		t.Error("completion older than stale_after should require sync")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
