// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	stderrors "errors"
	"io"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/conflict"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote/remotetest"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/testutil"
)

// =====================================================
// Test Helpers
// =====================================================

// testEventHandler is a test implementation of SyncEventHandler.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

// states returns the state events of one record in order.
func (h *testEventHandler) states(localID string) []models.SyncState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.SyncState
	for _, e := range h.events {
		if e.Type == SyncEventState && e.LocalID == localID {
			out = append(out, e.State)
		}
	}
	return out
}

// fakeAPI is a scripted remote.API. reply decides the outcome of each call.
type fakeAPI struct {
	mu    sync.Mutex
	calls []*remote.Payload
	reply func(ctx context.Context, p *remote.Payload) (*remote.Acceptance, error)
}

func (f *fakeAPI) Submit(ctx context.Context, p *remote.Payload, blobs []remote.Blob) (*remote.Acceptance, error) {
	for _, b := range blobs {
		rc, err := b.Open()
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, p)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return &remote.Acceptance{ServerID: "srv-" + p.LocalID[:8]}, nil
	}
	return reply(ctx, p)
}

func (f *fakeAPI) Health(context.Context) error { return nil }

func (f *fakeAPI) calledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, p := range f.calls {
		ids[i] = p.LocalID
	}
	return ids
}

func failWith(code apperrors.ErrorCode) func(context.Context, *remote.Payload) (*remote.Acceptance, error) {
	return func(context.Context, *remote.Payload) (*remote.Acceptance, error) {
		return nil, apperrors.New(code, "scripted failure")
	}
}

type harness struct {
	store  *testutil.Store
	queue  *queue.Queue
	clock  *clock.FakeClock
	engine *SyncEngine
	events *testEventHandler
}

func newHarness(t *testing.T, api remote.API, opts Options) *harness {
	t.Helper()
	st := testutil.OpenStore(t)
	clk := clock.Fake(testutil.BaseTime.Add(time.Hour))
	q := queue.New(st.Repo, st.Blobs, clk, 6)
	engine := NewSyncEngine(q, api, conflict.NewResolver(q, clk), media.NewCompressor(media.DefaultOptions()), clk, opts)
	events := &testEventHandler{}
	engine.SetEventHandler(events)
	return &harness{store: st, queue: q, clock: clk, engine: engine, events: events}
}

// withServer wires the engine to an in-memory server over real HTTP.
func withServer(t *testing.T, opts Options) (*harness, *remotetest.Server) {
	t.Helper()
	var srv *remotetest.Server
	h := newHarness(t, nil, opts)
	srv = remotetest.NewServer(h.clock, "token")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	h.engine.remote = remote.NewHTTPClient(remote.HTTPConfig{BaseURL: ts.URL, AuthToken: "token"})
	return h, srv
}

func (h *harness) enqueue(t *testing.T, sub *models.PendingSubmission) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), sub)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func (h *harness) get(t *testing.T, id string) *models.PendingSubmission {
	t.Helper()
	sub, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return sub
}

func (h *harness) sync(t *testing.T) *SyncResult {
	t.Helper()
	result, err := h.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return result
}

// =====================================================
// Options and helpers
// =====================================================

func TestBackoff(t *testing.T) {
	base, limit := 30*time.Second, 30*time.Minute
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{60, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n, base, limit); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	got := Options{}.withDefaults()
	if got != DefaultOptions() {
		t.Errorf("withDefaults() = %+v, want %+v", got, DefaultOptions())
	}
	if w := (Options{Workers: 9}).withDefaults().Workers; w != 4 {
		t.Errorf("Workers clamp = %d, want 4", w)
	}
}

func TestGroupByTarget(t *testing.T) {
	at := testutil.BaseTime
	a1 := testutil.Submission(testutil.Washing("v1"), at, 1)
	b1 := testutil.Submission(testutil.Washing("v2"), at.Add(time.Second), 2)
	a2 := testutil.Submission(testutil.Washing("v1"), at.Add(2*time.Second), 3)
	tank := testutil.Submission(testutil.TankRefill("v1", 1, 2), at.Add(3*time.Second), 4)

	groups := groupByTarget([]*models.PendingSubmission{a1, b1, a2, tank})
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0] != a1 || groups[0][1] != a2 {
		t.Errorf("vehicle v1 group = %v", groups[0])
	}
	if groups[1][0] != b1 || groups[2][0] != tank {
		t.Error("groups not ordered by oldest record")
	}
}

// =====================================================
// Event handler and error history
// =====================================================

func TestEmitEvent(t *testing.T) {
	h := newHarness(t, &fakeAPI{}, Options{})

	h.engine.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "Test"})
	stamp := testutil.BaseTime.Add(-time.Hour)
	h.engine.emitEvent(SyncEvent{Type: SyncEventCompleted, Timestamp: stamp})

	if len(h.events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(h.events.events))
	}
	if got := h.events.events[0]; got.Message != "Test" || !got.Timestamp.Equal(h.clock.Now()) {
		t.Errorf("first event = %+v", got)
	}
	if !h.events.events[1].Timestamp.Equal(stamp) {
		t.Error("existing timestamp was not preserved")
	}

	// nil handler does not panic
	h.engine.SetEventHandler(nil)
	h.engine.emitEvent(SyncEvent{Type: SyncEventStarted})
}

func TestErrorHistory(t *testing.T) {
	h := newHarness(t, &fakeAPI{}, Options{})
	for i := 0; i < maxErrorHistory+5; i++ {
		h.engine.recordError("item", "upload", apperrors.New(apperrors.ErrTimeout, "slow"))
	}
	history := h.engine.GetErrorHistory()
	if len(history) != maxErrorHistory {
		t.Fatalf("history = %d, want %d", len(history), maxErrorHistory)
	}
	if history[0].Code != string(apperrors.ErrTimeout) {
		t.Errorf("code = %q", history[0].Code)
	}

	history[0] = SyncErrorEntry{}
	if h.engine.GetErrorHistory()[0].Code == "" {
		t.Error("GetErrorHistory() returned the internal slice")
	}

	h.engine.ClearErrorHistory()
	if len(h.engine.GetErrorHistory()) != 0 {
		t.Error("ClearErrorHistory() left entries")
	}
}

// =====================================================
// Delivery
// =====================================================

func TestSync_WashingDeliveredThenSwept(t *testing.T) {
	h, srv := withServer(t, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-42"), testutil.BaseTime, 1))

	result := h.sync(t)
	if result.Attempted != 1 || result.Uploaded != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	sub := h.get(t, id)
	if sub.SyncState != models.StateSynced || sub.ServerID == "" || !sub.SyncedAt.Equal(h.clock.Now()) {
		t.Fatalf("record = %+v", sub)
	}
	if len(sub.Attachments) != 4 {
		t.Fatalf("attachments = %d", len(sub.Attachments))
	}
	for _, a := range sub.Attachments {
		if !a.Compressed || a.Width != 48 || a.Height != 32 {
			t.Errorf("attachment %s = %+v", a.Label, a)
		}
	}
	want := []models.SyncState{models.StateCompressing, models.StateUploading, models.StateSynced}
	if got := h.events.states(id); !slices.Equal(got, want) {
		t.Errorf("state events = %v, want %v", got, want)
	}
	rec, ok := srv.Get(sub.ServerID)
	if !ok || rec.Fields["vehicleId"] != "veh-42" || len(rec.Attachments) != 4 {
		t.Errorf("server record = %+v", rec)
	}

	// Inside the grace period the record stays visible.
	if r := h.sync(t); r.Removed != 0 {
		t.Errorf("removed %d before grace", r.Removed)
	}
	wake, ok, err := h.engine.NextWake(context.Background())
	if err != nil || !ok || !wake.Equal(sub.SyncedAt.Add(30*time.Second)) {
		t.Errorf("NextWake() = %v, %v, %v", wake, ok, err)
	}

	h.clock.Advance(30 * time.Second)
	if r := h.sync(t); r.Removed != 1 || r.Attempted != 0 {
		t.Errorf("sweep result = %+v", r)
	}
	if _, err := h.queue.Get(context.Background(), id); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("record after sweep: %v", err)
	}
	if blobs, _ := h.store.Blobs.ListAll(); len(blobs) != 0 {
		t.Errorf("blobs left after sweep: %d", len(blobs))
	}
	if _, ok, _ := h.engine.NextWake(context.Background()); ok {
		t.Error("NextWake() should be empty")
	}
	if h.engine.Status() != SyncStatusIdle || h.engine.LastSync() == nil || h.engine.PendingChanges() != 0 {
		t.Errorf("status=%s lastSync=%v pending=%d", h.engine.Status(), h.engine.LastSync(), h.engine.PendingChanges())
	}
}

func TestSync_TransientFailureBacksOff(t *testing.T) {
	api := &fakeAPI{reply: failWith(apperrors.ErrNetworkFailure)}
	h := newHarness(t, api, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))
	start := h.clock.Now()

	r := h.sync(t)
	if r.Failed != 1 {
		t.Fatalf("result = %+v", r)
	}
	sub := h.get(t, id)
	if sub.SyncState != models.StateFailed || sub.RetryCount != 1 || sub.ErrorCode != string(apperrors.ErrNetworkFailure) {
		t.Fatalf("record = %+v", sub)
	}
	if !sub.NextAttemptAt.Equal(start.Add(30 * time.Second)) {
		t.Errorf("NextAttemptAt = %v", sub.NextAttemptAt)
	}
	if len(h.engine.GetErrorHistory()) != 1 || h.engine.PendingChanges() != 1 {
		t.Error("failure not recorded")
	}

	// Not due yet.
	if r := h.sync(t); r.Attempted != 0 {
		t.Errorf("attempted %d before backoff elapsed", r.Attempted)
	}
	wake, ok, _ := h.engine.NextWake(context.Background())
	if !ok || !wake.Equal(sub.NextAttemptAt) {
		t.Errorf("NextWake() = %v, %v", wake, ok)
	}

	h.clock.Advance(30 * time.Second)
	h.sync(t)
	sub = h.get(t, id)
	if sub.RetryCount != 2 || !sub.NextAttemptAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Errorf("second failure = %+v", sub)
	}

	// The network comes back.
	api.mu.Lock()
	api.reply = nil
	api.mu.Unlock()
	h.clock.Advance(time.Minute)
	h.sync(t)
	if sub := h.get(t, id); sub.SyncState != models.StateSynced || sub.ErrorCode != "" {
		t.Errorf("record after recovery = %+v", sub)
	}
}

func TestSync_RetriesExhausted(t *testing.T) {
	h := newHarness(t, &fakeAPI{reply: failWith(apperrors.ErrTimeout)}, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))

	for i := 1; i <= 6; i++ {
		h.sync(t)
		sub := h.get(t, id)
		if sub.RetryCount != i {
			t.Fatalf("attempt %d: retryCount = %d", i, sub.RetryCount)
		}
		h.clock.Advance(time.Hour)
	}

	sub := h.get(t, id)
	if !sub.NeedsAttention(6) || sub.LastError == "" {
		t.Fatalf("record = %+v", sub)
	}
	if r := h.sync(t); r.Attempted != 0 {
		t.Errorf("exhausted record attempted again")
	}
	if _, ok, _ := h.engine.NextWake(context.Background()); ok {
		t.Error("exhausted record still has a wake time")
	}
	counts, _ := h.queue.Counts(context.Background())
	if counts.NeedsAttention != 1 {
		t.Errorf("needsAttention = %d", counts.NeedsAttention)
	}

	// A manual retry restores the budget.
	if _, err := h.queue.Retry(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	h.sync(t)
	if sub := h.get(t, id); sub.RetryCount != 1 {
		t.Errorf("retryCount after manual retry = %d", sub.RetryCount)
	}
}

func TestSync_PermanentRejectionKeepsData(t *testing.T) {
	h := newHarness(t, &fakeAPI{reply: failWith(apperrors.ErrPermanentRejection)}, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))

	h.sync(t)
	sub := h.get(t, id)
	if sub.SyncState != models.StateFailed || sub.RetryCount != 6 || sub.ErrorCode != string(apperrors.ErrPermanentRejection) {
		t.Fatalf("record = %+v", sub)
	}
	for _, a := range sub.Attachments {
		if !h.store.Blobs.Exists(a.Hash) {
			t.Errorf("blob %s of %s was dropped", a.Hash, a.Label)
		}
	}
}

func TestSync_UploadTimeout(t *testing.T) {
	api := &fakeAPI{reply: func(ctx context.Context, _ *remote.Payload) (*remote.Acceptance, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, api, Options{UploadTimeout: 30 * time.Millisecond})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))

	h.sync(t)
	sub := h.get(t, id)
	if sub.SyncState != models.StateFailed || sub.ErrorCode != string(apperrors.ErrTimeout) || sub.RetryCount != 1 {
		t.Errorf("record = %+v", sub)
	}
}

func TestSync_LostReplyIsNotDuplicated(t *testing.T) {
	h, srv := withServer(t, Options{UploadTimeout: 100 * time.Millisecond})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))
	srv.Inject(remotetest.Fault{AcceptThenHang: true})

	h.sync(t)
	if sub := h.get(t, id); sub.SyncState != models.StateFailed || sub.ErrorCode != string(apperrors.ErrTimeout) {
		t.Fatalf("record after lost reply = %+v", sub)
	}

	h.clock.Advance(30 * time.Second)
	h.sync(t)
	sub := h.get(t, id)
	if sub.SyncState != models.StateSynced {
		t.Fatalf("record after retry = %+v", sub)
	}
	deliveries := srv.Deliveries()
	if len(deliveries) != 1 || deliveries[0].ServerID != sub.ServerID || deliveries[0].LocalID != id {
		t.Errorf("deliveries = %+v, serverID %s", deliveries, sub.ServerID)
	}
}

func TestSync_MalformedAndServerErrorsLoseNothing(t *testing.T) {
	h, srv := withServer(t, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))
	srv.Inject(remotetest.Fault{Status: 500}, remotetest.Fault{Malformed: true})

	h.sync(t)
	if sub := h.get(t, id); sub.ErrorCode != string(apperrors.ErrNetworkFailure) || sub.RetryCount != 1 {
		t.Fatalf("after 500: %+v", sub)
	}
	h.clock.Advance(time.Minute)
	h.sync(t)
	if sub := h.get(t, id); sub.ErrorCode != string(apperrors.ErrNetworkFailure) || sub.RetryCount != 2 {
		t.Fatalf("after malformed reply: %+v", sub)
	}
	h.clock.Advance(time.Hour)
	h.sync(t)
	if sub := h.get(t, id); sub.SyncState != models.StateSynced {
		t.Fatalf("final state = %+v", sub)
	}
	if n := len(srv.Deliveries()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}

	srv.SetDown(true)
	other := h.enqueue(t, testutil.Submission(testutil.Washing("veh-2"), testutil.BaseTime.Add(time.Minute), 2))
	h.sync(t)
	if sub := h.get(t, other); sub.SyncState != models.StateFailed || sub.ErrorCode != string(apperrors.ErrNetworkFailure) {
		t.Errorf("while server down: %+v", sub)
	}
}

func TestSync_PerEntityOrdering(t *testing.T) {
	var failFirst sync.Once
	var blockedID string
	api := &fakeAPI{}
	api.reply = func(_ context.Context, p *remote.Payload) (*remote.Acceptance, error) {
		var fail bool
		if p.LocalID == blockedID {
			failFirst.Do(func() { fail = true })
		}
		if fail {
			return nil, apperrors.New(apperrors.ErrNetworkFailure, "flaky")
		}
		return &remote.Acceptance{ServerID: "srv-" + p.LocalID[:8]}, nil
	}
	h := newHarness(t, api, Options{Workers: 4})

	at := testutil.BaseTime
	first := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), at, 1))
	second := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), at.Add(time.Minute), 2))
	third := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), at.Add(2*time.Minute), 3))
	other := h.enqueue(t, testutil.Submission(testutil.Washing("veh-2"), at.Add(30*time.Second), 4))
	blockedID = first

	r := h.sync(t)
	if r.Uploaded != 1 || r.Failed != 1 {
		t.Fatalf("result = %+v", r)
	}
	for _, id := range []string{second, third} {
		if sub := h.get(t, id); sub.SyncState != models.StateQueued {
			t.Errorf("%s overtook the failed record: %s", id, sub.SyncState)
		}
	}
	if sub := h.get(t, other); sub.SyncState != models.StateSynced {
		t.Errorf("independent entity state = %s", sub.SyncState)
	}

	h.clock.Advance(30 * time.Second)
	h.sync(t)
	var vehicle1 []string
	for _, id := range api.calledIDs() {
		if id != other {
			vehicle1 = append(vehicle1, id)
		}
	}
	if want := []string{first, first, second, third}; !slices.Equal(vehicle1, want) {
		t.Errorf("vehicle 1 delivery order = %v, want %v", vehicle1, want)
	}
}

func TestSync_ConflictHoldsEntity(t *testing.T) {
	h, srv := withServer(t, Options{})
	modified := testutil.BaseTime.Add(30 * time.Minute)
	srv.Seed("srv-tank", models.KindTankRefill, map[string]any{"tankId": "tank-1", "levelAfterLiters": 650.0}, modified)

	stale := testutil.Submission(testutil.TankRefill("tank-1", 100, 900), testutil.BaseTime, 1)
	stale.ServerID = "srv-tank"
	staleID := h.enqueue(t, stale)
	later := testutil.Submission(testutil.TankRefill("tank-1", 100, 950), testutil.BaseTime.Add(time.Minute), 2)
	later.ServerID = "srv-tank"
	laterID := h.enqueue(t, later)

	r := h.sync(t)
	if r.Conflicts != 1 || r.Uploaded != 0 {
		t.Fatalf("result = %+v", r)
	}
	sub := h.get(t, staleID)
	if sub.SyncState != models.StateConflict || sub.Conflict == nil || !sub.Conflict.Server.LastModified.Equal(modified) {
		t.Fatalf("record = %+v", sub)
	}
	if sub := h.get(t, laterID); sub.SyncState != models.StateQueued {
		t.Errorf("later record on the same entity = %s", sub.SyncState)
	}
	if rec, _ := srv.Get("srv-tank"); rec.Fields["levelAfterLiters"] != 650.0 {
		t.Error("server record was overwritten")
	}

	// Held conflicts never retry on their own.
	h.clock.Advance(time.Hour)
	if r := h.sync(t); r.Attempted != 0 {
		t.Errorf("attempted %d while conflict open", r.Attempted)
	}
}

func TestSync_DuplicateAutoResolved(t *testing.T) {
	h, srv := withServer(t, Options{})
	srv.Seed("srv-tank", models.KindTankRefill, map[string]any{"tankId": "tank-1"}, testutil.BaseTime.Add(-time.Hour))

	// The same capture queued twice: same form, same photos.
	first := testutil.Submission(testutil.TankRefill("tank-1", 100, 900), testutil.BaseTime, 1)
	first.ServerID = "srv-tank"
	firstID := h.enqueue(t, first)
	dup := testutil.Submission(testutil.TankRefill("tank-1", 100, 900), testutil.BaseTime.Add(time.Minute), 1)
	dup.ServerID = "srv-tank"
	id := h.enqueue(t, dup)

	r := h.sync(t)
	if r.Uploaded != 1 || r.AutoResolved != 1 || r.Conflicts != 0 {
		t.Fatalf("result = %+v", r)
	}
	if sub := h.get(t, firstID); sub.SyncState != models.StateSynced {
		t.Errorf("first capture state = %s", sub.SyncState)
	}
	if _, err := h.queue.Get(context.Background(), id); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("duplicate still queued: %v", err)
	}
	logs, _ := h.queue.ConflictLogs(context.Background(), id)
	if len(logs) != 1 || !logs[0].Auto {
		t.Errorf("conflict logs = %+v", logs)
	}
}

func TestSync_NearDuplicateWaitsForAgent(t *testing.T) {
	h, srv := withServer(t, Options{})
	srv.Seed("srv-tank", models.KindTankRefill, map[string]any{"tankId": "tank-1"}, testutil.BaseTime.Add(-time.Hour))

	first := testutil.Submission(testutil.TankRefill("tank-1", 100, 900), testutil.BaseTime, 1)
	first.ServerID = "srv-tank"
	h.enqueue(t, first)
	noted := testutil.TankRefill("tank-1", 100, 900)
	noted.Notes = "valve on pump 2 leaking, replaced seal"
	second := testutil.Submission(noted, testutil.BaseTime.Add(time.Minute), 1)
	second.ServerID = "srv-tank"
	id := h.enqueue(t, second)

	r := h.sync(t)
	if r.Uploaded != 1 || r.AutoResolved != 0 || r.Conflicts != 1 {
		t.Fatalf("result = %+v", r)
	}
	sub := h.get(t, id)
	if sub.SyncState != models.StateConflict || sub.Form.(*models.TankRefillForm).Notes == "" {
		t.Errorf("record = %s %+v", sub.SyncState, sub.Form)
	}
}

func TestSync_CompressionFailure(t *testing.T) {
	h := newHarness(t, &fakeAPI{}, Options{})
	sub := testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1)
	sub.Attachments[1].Data = sub.Attachments[1].Data[:40]
	id := h.enqueue(t, sub)

	h.sync(t)
	got := h.get(t, id)
	if got.SyncState != models.StateFailed || got.ErrorCode != string(apperrors.ErrCompressionFailed) || got.RetryCount != 1 {
		t.Fatalf("record = %+v", got)
	}
	for i, a := range got.Attachments {
		if want := i != 1; a.Compressed != want {
			t.Errorf("attachment %s compressed = %v, want %v", a.Label, a.Compressed, want)
		}
	}
}

func TestSync_CancellationRollsBack(t *testing.T) {
	started := make(chan struct{})
	api := &fakeAPI{reply: func(ctx context.Context, _ *remote.Payload) (*remote.Acceptance, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, api, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()

	<-started
	if h.engine.Status() != SyncStatusSyncing {
		t.Errorf("status during pass = %s", h.engine.Status())
	}
	if _, err := h.engine.Sync(context.Background()); !apperrors.Is(err, apperrors.ErrSyncFailed) {
		t.Errorf("concurrent Sync() error = %v", err)
	}
	cancel()

	if err := <-done; !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	sub := h.get(t, id)
	if sub.SyncState != models.StateQueued || sub.RetryCount != 0 || sub.ErrorCode != "" {
		t.Errorf("record after cancel = %+v", sub)
	}
	if h.engine.Status() != SyncStatusFailed || h.engine.LastError() == nil {
		t.Errorf("status = %s, lastErr = %v", h.engine.Status(), h.engine.LastError())
	}
}

func TestSync_ResumesInterruptedRecord(t *testing.T) {
	h := newHarness(t, &fakeAPI{}, Options{})
	id := h.enqueue(t, testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1))
	for _, s := range []models.SyncState{models.StateCompressing, models.StateUploading} {
		if _, err := h.queue.Update(context.Background(), id, queue.Patch{SyncState: queue.State(s)}); err != nil {
			t.Fatal(err)
		}
	}

	h.sync(t)
	if sub := h.get(t, id); sub.SyncState != models.StateSynced {
		t.Errorf("state = %s", sub.SyncState)
	}
}
