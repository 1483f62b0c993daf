// Package queue provides unit tests for the durable submission queue.
package queue

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/testutil"
)

func newTestQueue(t *testing.T) (*Queue, *testutil.Store, *clock.FakeClock) {
	t.Helper()
	store := testutil.OpenStore(t)
	clk := clock.Fake(testutil.BaseTime)
	return New(store.Repo, store.Blobs, clk, 6), store, clk
}

func enqueue(t *testing.T, q *Queue, sub *models.PendingSubmission) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), sub)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func mustUpdate(t *testing.T, q *Queue, id string, p Patch) *models.PendingSubmission {
	t.Helper()
	sub, err := q.Update(context.Background(), id, p)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return sub
}

// =====================================================
// Enqueue
// =====================================================

// TestEnqueue verifies staging and the stored record.
func TestEnqueue(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1)

	id := enqueue(t, q, sub)
	if id != sub.LocalID {
		t.Errorf("Enqueue() = %q, want %q", id, sub.LocalID)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SyncState != models.StateQueued || len(got.Attachments) != 4 {
		t.Fatalf("got state=%s attachments=%d", got.SyncState, len(got.Attachments))
	}
	for i, a := range got.Attachments {
		if a.Label != sub.Attachments[i].Label {
			t.Errorf("attachment %d label = %s, want %s", i, a.Label, sub.Attachments[i].Label)
		}
		data, err := q.ReadBlob(a.Hash)
		if err != nil || !bytes.Equal(data, sub.Attachments[i].Data) {
			t.Errorf("blob %s mismatch: %v", a.Label, err)
		}
		if a.Size != int64(len(sub.Attachments[i].Data)) {
			t.Errorf("size = %d", a.Size)
		}
	}
	if sub.Attachments[0].Data == nil {
		t.Error("Enqueue() modified the caller's attachments")
	}
	if hashes, _ := store.Blobs.ListAll(); len(hashes) != 4 {
		t.Errorf("blobs = %d, want 4", len(hashes))
	}
}

// TestEnqueue_Idempotent verifies a second enqueue is a no-op.
func TestEnqueue_Idempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.TankRefill("tank-1", 100, 900), testutil.BaseTime, 1)
	enqueue(t, q, sub)

	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})

	again := *sub
	again.Form = testutil.TankRefill("tank-1", 100, 999)
	id, err := q.Enqueue(ctx, &again)
	if err != nil || id != sub.LocalID {
		t.Fatalf("second Enqueue() = %q, %v", id, err)
	}

	all, err := q.Collect(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("records = %d, want 1", len(all))
	}
	if all[0].SyncState != models.StateCompressing {
		t.Errorf("state = %s, second enqueue must not reset it", all[0].SyncState)
	}
	if f := all[0].Form.(*models.TankRefillForm); f.LevelAfterLiters != 900 {
		t.Errorf("form overwritten: %+v", f)
	}
}

// TestEnqueue_Durable verifies a committed record survives a restart.
func TestEnqueue_Durable(t *testing.T) {
	store := testutil.OpenStore(t)
	clk := clock.Fake(testutil.BaseTime)
	q := New(store.Repo, store.Blobs, clk, 6)
	sub := testutil.Submission(testutil.Washing("veh-1"), testutil.BaseTime, 1)
	enqueue(t, q, sub)
	store.Repo.Close()
	store.DB.Close()

	reopened := testutil.ReopenStore(t, store.Dir)
	q2 := New(reopened.Repo, reopened.Blobs, clk, 6)
	got, err := q2.Get(context.Background(), sub.LocalID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.SyncState != models.StateQueued || len(got.Attachments) != 4 {
		t.Errorf("got = %+v", got)
	}
	for _, a := range got.Attachments {
		if _, err := q2.ReadBlob(a.Hash); err != nil {
			t.Errorf("blob %s: %v", a.Label, err)
		}
	}
}

// TestEnqueue_Invalid verifies malformed records are refused.
func TestEnqueue_Invalid(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	badID := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	badID.LocalID = "42"
	noForm := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 2)
	noForm.Form = nil
	wrongKind := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 3)
	wrongKind.Kind = models.KindConvoy
	missingBlob := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 4)
	missingBlob.Attachments[0].Data = nil
	missingBlob.Attachments[0].Hash = "ab" + string(bytes.Repeat([]byte("0"), 62))

	for name, sub := range map[string]*models.PendingSubmission{
		"nil": nil, "bad id": badID, "no form": noForm, "wrong kind": wrongKind, "missing blob": missingBlob,
	} {
		if _, err := q.Enqueue(ctx, sub); !apperrors.Is(err, apperrors.ErrInvalid) {
			t.Errorf("%s: Enqueue() error = %v, want INVALID_INPUT", name, err)
		}
	}
	if c, _ := q.Counts(ctx); c.Queued != 0 {
		t.Errorf("queued = %d, want 0", c.Queued)
	}
}

// =====================================================
// List
// =====================================================

// TestList_OrderAndPaging verifies oldest-first order across pages.
func TestList_OrderAndPaging(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	const n = 150
	for i := n - 1; i >= 0; i-- {
		sub := testutil.Submission(testutil.TankRefill("tank-1", 1, 2), testutil.BaseTime.Add(time.Duration(i)*time.Second), 7)
		sub.LocalID = testutil.LocalID(i)
		enqueue(t, q, sub)
	}

	seq := q.List(ctx, Filter{})
	for round := 0; round < 2; round++ {
		i := 0
		for sub, err := range seq {
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if sub.LocalID != testutil.LocalID(i) {
				t.Fatalf("round %d position %d = %s", round, i, sub.LocalID)
			}
			i++
		}
		if i != n {
			t.Errorf("round %d yielded %d, want %d", round, i, n)
		}
	}

	// Early exit stops cleanly.
	seen := 0
	for range q.List(ctx, Filter{}) {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Errorf("seen = %d", seen)
	}
}

// TestList_Filter verifies state, retry and due filters.
func TestList_Filter(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	a := testutil.Submission(testutil.Washing("a"), testutil.BaseTime, 1)
	b := testutil.Submission(testutil.Washing("b"), testutil.BaseTime.Add(time.Second), 2)
	c := testutil.Submission(testutil.Washing("c"), testutil.BaseTime.Add(2*time.Second), 3)
	for _, s := range []*models.PendingSubmission{a, b, c} {
		enqueue(t, q, s)
	}
	for _, s := range []*models.PendingSubmission{b, c} {
		mustUpdate(t, q, s.LocalID, Patch{SyncState: State(models.StateCompressing)})
	}
	mustUpdate(t, q, b.LocalID, Patch{SyncState: State(models.StateFailed), RetryCount: Ptr(2),
		NextAttemptAt: Ptr(clk.Now().Add(time.Minute))})
	mustUpdate(t, q, c.LocalID, Patch{SyncState: State(models.StateFailed), RetryCount: Ptr(6)})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{a.LocalID, b.LocalID, c.LocalID}},
		{"failed", Filter{States: []models.SyncState{models.StateFailed}}, []string{b.LocalID, c.LocalID}},
		{"under cap", Filter{MaxRetries: 6}, []string{a.LocalID, b.LocalID}},
		{"due now", Filter{DueBefore: clk.Now()}, []string{a.LocalID, c.LocalID}},
		{"kind", Filter{Kinds: []models.InterventionKind{models.KindConvoy}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Collect(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].LocalID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].LocalID, tt.want[i])
				}
			}
		})
	}
}

// =====================================================
// Update
// =====================================================

// TestUpdate_Transitions verifies the state machine is enforced.
func TestUpdate_Transitions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	enqueue(t, q, sub)

	steps := []struct {
		to models.SyncState
		ok bool
	}{
		{models.StateUploading, false},
		{models.StateFailed, false},
		{models.StateCompressing, true},
		{models.StateUploading, true},
		{models.StateSynced, true},
		{models.StateQueued, false},
		{models.StateConflict, false},
	}
	for _, st := range steps {
		_, err := q.Update(ctx, sub.LocalID, Patch{SyncState: State(st.to)})
		if st.ok && err != nil {
			t.Fatalf("move to %s: %v", st.to, err)
		}
		if !st.ok && !apperrors.Is(err, apperrors.ErrInvalidTransition) {
			t.Fatalf("move to %s: error = %v, want INVALID_TRANSITION", st.to, err)
		}
	}
}

// TestUpdate_MinimumAttachments verifies an incomplete record stays queued.
func TestUpdate_MinimumAttachments(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	sub.Attachments = sub.Attachments[:3]
	enqueue(t, q, sub)

	_, err := q.Update(ctx, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})
	if !apperrors.Is(err, apperrors.ErrValidationFailed) {
		t.Fatalf("Update() error = %v, want VALIDATION_FAILED", err)
	}
	if _, ok := apperrors.FieldsOf(err)["attachments.after"]; !ok {
		t.Errorf("fields = %v", apperrors.FieldsOf(err))
	}
	got, _ := q.Get(ctx, sub.LocalID)
	if got.SyncState != models.StateQueued {
		t.Errorf("state = %s", got.SyncState)
	}
}

// TestUpdate_Fields verifies partial updates leave other fields alone.
func TestUpdate_Fields(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	enqueue(t, q, sub)
	clk.Advance(time.Minute)

	conflict := &models.ConflictDetail{Reason: "modified", DetectedAt: clk.Now(),
		Server: models.ServerState{ServerID: "srv-1", Fields: map[string]any{"washType": "interior"}}}
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateUploading)})
	got := mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateConflict), Conflict: conflict,
		LastError: Ptr("server changed"), ErrorCode: Ptr(string(apperrors.ErrSemanticConflict))})

	if got.Conflict == nil || got.Conflict.Server.Fields["washType"] != "interior" {
		t.Fatalf("conflict = %+v", got.Conflict)
	}
	if !got.UpdatedAt.Equal(clk.Now()) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}

	stored, _ := q.Get(ctx, sub.LocalID)
	if stored.Conflict == nil || stored.ErrorCode != string(apperrors.ErrSemanticConflict) || len(stored.Attachments) != 4 {
		t.Errorf("stored = %+v", stored)
	}

	bad := testutil.Washing("v")
	bad.WashType = "steam"
	if _, err := q.Update(ctx, sub.LocalID, Patch{Form: bad}); !apperrors.Is(err, apperrors.ErrValidationFailed) {
		t.Errorf("invalid form: error = %v", err)
	}
	if _, err := q.Update(ctx, sub.LocalID, Patch{Form: testutil.Convoy("v")}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("wrong kind form: error = %v", err)
	}

	cleared := mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateQueued), ClearConflict: true})
	if cleared.Conflict != nil {
		t.Error("conflict not cleared")
	}
	if _, err := q.Update(ctx, "00000000-0000-4000-8000-000000000999", Patch{}); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing record: error = %v", err)
	}
}

// TestUpdate_ReplacesAttachments verifies compression results swap blobs.
func TestUpdate_ReplacesAttachments(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.TankRefill("t", 1, 2), testutil.BaseTime, 1)
	enqueue(t, q, sub)
	cur, _ := q.Get(ctx, sub.LocalID)

	refs := append([]models.AttachmentRef(nil), cur.Attachments...)
	refs[0].Data = []byte("compressed before")
	refs[0].Compressed = true
	refs[0].ContentType = "image/jpeg"
	got := mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing), Attachments: refs})

	if !got.Attachments[0].Compressed || got.Attachments[0].Size != int64(len("compressed before")) {
		t.Errorf("attachment = %+v", got.Attachments[0])
	}
	if got.Attachments[1].Hash != cur.Attachments[1].Hash {
		t.Error("untouched attachment changed")
	}
	if store.Blobs.Exists(cur.Attachments[0].Hash) {
		t.Error("replaced blob still stored")
	}
	if !store.Blobs.Exists(got.Attachments[0].Hash) {
		t.Error("new blob missing")
	}
}

// =====================================================
// Remove / re-capture / retry
// =====================================================

// TestRemove_SharedBlobs verifies blobs live until their last reference goes.
func TestRemove_SharedBlobs(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	a := testutil.Submission(testutil.TankRefill("t", 1, 2), testutil.BaseTime, 1)
	b := testutil.Submission(testutil.TankRefill("t", 1, 2), testutil.BaseTime.Add(time.Second), 1)
	enqueue(t, q, a)
	enqueue(t, q, b)

	stored, _ := q.Get(ctx, a.LocalID)
	shared := stored.Attachments[0].Hash

	if err := q.Remove(ctx, a.LocalID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !store.Blobs.Exists(shared) {
		t.Fatal("blob deleted while still referenced")
	}
	if _, err := q.Get(ctx, a.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after Remove error = %v", err)
	}

	if err := q.Remove(ctx, b.LocalID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if store.Blobs.Exists(shared) {
		t.Error("orphan blob kept")
	}
	if err := q.Remove(ctx, b.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
}

// TestReplaceAttachment verifies the re-capture path.
func TestReplaceAttachment(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	enqueue(t, q, sub)
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateFailed), RetryCount: Ptr(1),
		ErrorCode: Ptr(string(apperrors.ErrCompressionFailed)), LastError: Ptr("after-2: corrupt")})

	photo := testutil.Photo(99)
	got, err := q.ReplaceAttachment(ctx, sub.LocalID, "after-2", photo)
	if err != nil {
		t.Fatalf("ReplaceAttachment() error = %v", err)
	}
	if got.SyncState != models.StateQueued || got.RetryCount != 0 || got.ErrorCode != "" {
		t.Errorf("got = %+v", got)
	}
	ref, ok := got.Attachment("after-2")
	if !ok || ref.Compressed || ref.ContentType != "image/png" {
		t.Fatalf("after-2 = %+v", ref)
	}
	if data, _ := q.ReadBlob(ref.Hash); !bytes.Equal(data, photo) {
		t.Error("blob content mismatch")
	}

	got, err = q.ReplaceAttachment(ctx, sub.LocalID, "before-3", testutil.Photo(100))
	if err != nil || len(got.Attachments) != 5 {
		t.Errorf("adding before-3: %v, %d attachments", err, len(got.Attachments))
	}

	if _, err := q.ReplaceAttachment(ctx, sub.LocalID, "ticket-1", photo); !apperrors.Is(err, apperrors.ErrValidationFailed) {
		t.Errorf("foreign label: error = %v", err)
	}
	if _, err := q.ReplaceAttachment(ctx, sub.LocalID, "after-2", []byte("%PDF-1.7")); !apperrors.Is(err, apperrors.ErrInvalidFormat) {
		t.Errorf("pdf: error = %v", err)
	}
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})
	if _, err := q.ReplaceAttachment(ctx, sub.LocalID, "after-2", photo); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("while compressing: error = %v", err)
	}
}

// TestRetryAll verifies failed records are queued again.
func TestRetryAll(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime.Add(time.Duration(i)*time.Second), int64(i))
		enqueue(t, q, sub)
		ids = append(ids, sub.LocalID)
	}
	for _, id := range ids[:2] {
		mustUpdate(t, q, id, Patch{SyncState: State(models.StateCompressing)})
		mustUpdate(t, q, id, Patch{SyncState: State(models.StateFailed), RetryCount: Ptr(6),
			NextAttemptAt: Ptr(clk.Now().Add(time.Hour))})
	}

	if c, _ := q.Counts(ctx); c.NeedsAttention != 2 {
		t.Errorf("NeedsAttention = %d, want 2", c.NeedsAttention)
	}
	if _, err := q.Retry(ctx, ids[2]); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Retry(queued) error = %v", err)
	}

	n, err := q.RetryAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RetryAll() = %d, %v", n, err)
	}
	for _, id := range ids[:2] {
		got, _ := q.Get(ctx, id)
		if got.SyncState != models.StateQueued || got.RetryCount != 0 || !got.NextAttemptAt.IsZero() {
			t.Errorf("%s = %+v", id, got)
		}
	}
}

// TestRecover verifies crash recovery of in-flight records and blobs.
func TestRecover(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	sub := testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 1)
	enqueue(t, q, sub)
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateCompressing)})
	mustUpdate(t, q, sub.LocalID, Patch{SyncState: State(models.StateUploading)})

	orphan, err := store.Blobs.Store([]byte("staged before a crash"))
	if err != nil {
		t.Fatal(err)
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}
	got, _ := q.Get(ctx, sub.LocalID)
	if got.SyncState != models.StateQueued || got.RetryCount != 0 {
		t.Errorf("got = %+v", got)
	}
	if store.Blobs.Exists(orphan) {
		t.Error("orphan blob survived recovery")
	}
	for _, a := range got.Attachments {
		if !store.Blobs.Exists(a.Hash) {
			t.Errorf("referenced blob %s pruned", a.Label)
		}
	}
}

// =====================================================
// Status
// =====================================================

// TestSubscribe verifies counts are pushed and coalesced.
func TestSubscribe(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ch, cancel := q.Subscribe()

	for i := 0; i < 3; i++ {
		enqueue(t, q, testutil.Submission(testutil.Washing("v"), testutil.BaseTime.Add(time.Duration(i)*time.Second), int64(i)))
	}

	select {
	case c := <-ch:
		if c.Queued != 3 || c.Unsettled() != 3 {
			t.Errorf("counts = %+v, want the latest value", c)
		}
	default:
		t.Fatal("no counts delivered")
	}
	select {
	case c := <-ch:
		t.Errorf("unexpected extra value %+v", c)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	enqueue(t, q, testutil.Submission(testutil.Washing("v"), testutil.BaseTime, 9))
}
