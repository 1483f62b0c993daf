// Package db provides unit tests for CRUD repository operations.
package db

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
)

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *SubmissionRepository {
	t.Helper()
	repo := NewSubmissionRepository(openTestDB(t).DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func hashOf(label string) string {
	return strings.Repeat(fmt.Sprintf("%x", len(label)%16), 63) + label[:1]
}

func tankSubmission(n int) *models.PendingSubmission {
	return &models.PendingSubmission{
		LocalID: fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Kind:    models.KindTankRefill,
		Form: &models.TankRefillForm{
			Common:            models.Common{ClientID: "c", AgentID: "a"},
			TankID:            "tank-1",
			FuelType:          "diesel",
			LevelBeforeLiters: 100,
			LevelAfterLiters:  800,
		},
		Attachments: []models.AttachmentRef{
			{Label: "before-1", Role: models.RolePhoto, Hash: hashOf("before-1"), Size: 10, ContentType: "image/jpeg"},
			{Label: "after-1", Role: models.RolePhoto, Hash: hashOf("after-1"), Size: 12, ContentType: "image/jpeg", Compressed: true, Width: 640, Height: 480},
		},
		CreatedAt: baseTime.Add(time.Duration(n) * time.Minute),
		UpdatedAt: baseTime.Add(time.Duration(n) * time.Minute),
		SyncState: models.StateQueued,
	}
}

// =====================================================
// PendingSubmission Operations
// =====================================================

// TestInsertSubmission verifies a record round-trips with its attachments.
func TestInsertSubmission(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)

	inserted, err := repo.InsertSubmission(ctx, sub)
	if err != nil || !inserted {
		t.Fatalf("InsertSubmission() = %v, %v", inserted, err)
	}

	got, err := repo.GetSubmission(ctx, sub.LocalID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if !got.CreatedAt.Equal(sub.CreatedAt) || got.SyncState != models.StateQueued {
		t.Errorf("got = %+v", got)
	}
	form, ok := got.Form.(*models.TankRefillForm)
	if !ok || form.LevelAfterLiters != 800 || form.TankID != "tank-1" {
		t.Errorf("form = %#v", got.Form)
	}
	if len(got.Attachments) != 2 || got.Attachments[0].Label != "before-1" {
		t.Fatalf("attachments = %+v", got.Attachments)
	}
	after := got.Attachments[1]
	if !after.Compressed || after.Width != 640 || after.Handle != after.Hash {
		t.Errorf("after-1 = %+v", after)
	}
	if !got.NextAttemptAt.IsZero() || !got.SyncedAt.IsZero() {
		t.Error("zero times did not survive storage")
	}
}

// TestInsertSubmission_idempotent verifies a second insert changes nothing.
func TestInsertSubmission_idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)
	if _, err := repo.InsertSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	dup := tankSubmission(1)
	dup.Attachments = dup.Attachments[:1]
	inserted, err := repo.InsertSubmission(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("second InsertSubmission() = %v, %v; want false, nil", inserted, err)
	}

	got, _ := repo.GetSubmission(ctx, sub.LocalID)
	if len(got.Attachments) != 2 {
		t.Errorf("attachments = %d, want original 2", len(got.Attachments))
	}
}

// TestInsertSubmission_rollsBackOnAttachmentFailure verifies atomicity.
func TestInsertSubmission_rollsBackOnAttachmentFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)
	sub.Attachments = append(sub.Attachments, sub.Attachments[0]) // duplicate label violates the primary key

	if _, err := repo.InsertSubmission(ctx, sub); !apperrors.Is(err, apperrors.ErrDatabase) {
		t.Fatalf("InsertSubmission() error = %v, want DATABASE_ERROR", err)
	}
	if _, err := repo.GetSubmission(ctx, sub.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("record exists after failed insert: %v", err)
	}
}

// TestGetSubmission_notFound verifies the NOT_FOUND code.
func TestGetSubmission_notFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetSubmission(context.Background(), "00000000-0000-4000-8000-000000000099")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetSubmission() error = %v, want NOT_FOUND", err)
	}
}

// TestListPage verifies ordering, filters and keyset pagination.
func TestListPage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 5; i >= 1; i-- {
		sub := tankSubmission(i)
		if i == 3 {
			sub.SyncState = models.StateFailed
			sub.RetryCount = 6
		}
		if _, err := repo.InsertSubmission(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}

	page, err := repo.ListPage(ctx, SubmissionFilter{}, nil, 2)
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if len(page) != 2 || page[0].LocalID != tankSubmission(1).LocalID || page[1].LocalID != tankSubmission(2).LocalID {
		t.Fatalf("first page = %v", ids(page))
	}

	last := page[len(page)-1]
	page, err = repo.ListPage(ctx, SubmissionFilter{}, &Cursor{CreatedAt: last.CreatedAt, LocalID: last.LocalID}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].LocalID != tankSubmission(3).LocalID {
		t.Errorf("second page = %v", ids(page))
	}

	page, _ = repo.ListPage(ctx, SubmissionFilter{States: []models.SyncState{models.StateFailed}}, nil, 10)
	if len(page) != 1 || page[0].RetryCount != 6 {
		t.Errorf("failed filter = %v", ids(page))
	}

	page, _ = repo.ListPage(ctx, SubmissionFilter{MaxRetries: 6}, nil, 10)
	if len(page) != 4 {
		t.Errorf("MaxRetries filter returned %d, want 4", len(page))
	}

	page, _ = repo.ListPage(ctx, SubmissionFilter{Kinds: []models.InterventionKind{models.KindWashing}}, nil, 10)
	if len(page) != 0 {
		t.Errorf("kind filter returned %d, want 0", len(page))
	}
}

func ids(subs []*models.PendingSubmission) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.LocalID
	}
	return out
}

// TestUpdateSubmission verifies mutable columns and the conflict snapshot.
func TestUpdateSubmission(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)
	if _, err := repo.InsertSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	sub.SyncState = models.StateConflict
	sub.ServerID = "srv-9"
	sub.Conflict = &models.ConflictDetail{
		Reason: "modified on server",
		Server: models.ServerState{
			ServerID:     "srv-9",
			LastModified: baseTime.Add(time.Hour),
			Fields:       map[string]any{"levelAfterLiters": 750.0},
		},
		DetectedAt: baseTime.Add(2 * time.Hour),
	}
	if err := repo.UpdateSubmission(ctx, sub); err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}

	got, err := repo.GetSubmission(ctx, sub.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != models.StateConflict || got.ServerID != "srv-9" {
		t.Errorf("got = %+v", got)
	}
	if got.Conflict == nil || !got.Conflict.Server.LastModified.Equal(baseTime.Add(time.Hour)) {
		t.Fatalf("conflict = %+v", got.Conflict)
	}
	if got.Conflict.Server.Fields["levelAfterLiters"] != 750.0 {
		t.Errorf("server fields = %v", got.Conflict.Server.Fields)
	}

	missing := tankSubmission(2)
	if err := repo.UpdateSubmission(ctx, missing); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateSubmission(missing) = %v, want NOT_FOUND", err)
	}
}

// TestSubmission_storedKeys verifies the form fingerprint and target key
// follow each write.
func TestSubmission_storedKeys(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)
	if _, err := repo.InsertSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	want, err := models.FormFingerprint(sub.Form)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetSubmission(ctx, sub.LocalID)
	if got.FormHash != want || len(got.FormHash) != 64 || sub.FormHash != want {
		t.Errorf("FormHash = %q, want %q", got.FormHash, want)
	}
	if got.EntityKey != "tank:tank-1" {
		t.Errorf("EntityKey = %q, want tank:tank-1", got.EntityKey)
	}

	got.ServerID = "srv-4"
	got.Form.(*models.TankRefillForm).LevelAfterLiters = 650
	if err := repo.UpdateSubmission(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := repo.GetSubmission(ctx, sub.LocalID)
	if again.FormHash == want || again.FormHash != got.FormHash {
		t.Errorf("FormHash after edit = %q (was %q)", again.FormHash, want)
	}
	if again.EntityKey != "tankRefill:srv-4" {
		t.Errorf("EntityKey after server id = %q", again.EntityKey)
	}
}

// TestDeleteSubmission verifies attachment rows cascade.
func TestDeleteSubmission(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a, b := tankSubmission(1), tankSubmission(2)
	b.Attachments = b.Attachments[:1]
	for _, s := range []*models.PendingSubmission{a, b} {
		if _, err := repo.InsertSubmission(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	if err := repo.DeleteSubmission(ctx, a.LocalID); err != nil {
		t.Fatalf("DeleteSubmission() error = %v", err)
	}
	refs, err := repo.ReferencedHashes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !refs[hashOf("before-1")] || refs[hashOf("after-1")] {
		t.Errorf("referenced = %v", refs)
	}
	if err := repo.DeleteSubmission(ctx, a.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second delete = %v, want NOT_FOUND", err)
	}
}

// TestWithTx_rollback verifies nothing persists when fn fails.
func TestWithTx_rollback(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := tankSubmission(1)

	err := repo.WithTx(ctx, func(tx *SubmissionRepository) error {
		if _, err := tx.InsertSubmission(ctx, sub); err != nil {
			return err
		}
		if _, err := tx.GetSubmission(ctx, sub.LocalID); err != nil {
			return err
		}
		return apperrors.New(apperrors.ErrInternal, "abort")
	})
	if !apperrors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("WithTx() = %v", err)
	}
	if _, err := repo.GetSubmission(ctx, sub.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("record visible after rollback: %v", err)
	}
}

// TestCountByState verifies counts and the needs-attention tally.
func TestCountByState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	states := []struct {
		state   models.SyncState
		retries int
	}{
		{models.StateQueued, 0},
		{models.StateQueued, 0},
		{models.StateFailed, 2},
		{models.StateFailed, 6},
		{models.StateConflict, 0},
	}
	for i, s := range states {
		sub := tankSubmission(i + 1)
		sub.SyncState = s.state
		sub.RetryCount = s.retries
		if _, err := repo.InsertSubmission(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}

	counts, attention, err := repo.CountByState(ctx, 6)
	if err != nil {
		t.Fatalf("CountByState() error = %v", err)
	}
	if counts[models.StateQueued] != 2 || counts[models.StateFailed] != 2 || counts[models.StateConflict] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if attention != 1 {
		t.Errorf("needs attention = %d, want 1", attention)
	}
}

// TestResetInFlight verifies interrupted records return to queued.
func TestResetInFlight(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for i, state := range []models.SyncState{models.StateCompressing, models.StateUploading, models.StateSynced} {
		sub := tankSubmission(i + 1)
		sub.SyncState = state
		if _, err := repo.InsertSubmission(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.ResetInFlight(ctx, baseTime.Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("ResetInFlight() = %d, %v; want 2", n, err)
	}
	counts, _, _ := repo.CountByState(ctx, 6)
	if counts[models.StateQueued] != 2 || counts[models.StateSynced] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

// =====================================================
// ConflictLog Operations
// =====================================================

// TestCreateConflictLog verifies entries are stored and listed per record.
func TestCreateConflictLog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	entries := []*models.ConflictLog{
		{ID: "c2", LocalID: "l1", Kind: "tankRefill", LocalTimestamp: 1, RemoteTimestamp: 2, Resolution: "keepLocal", ResolvedAt: 20},
		{ID: "c1", LocalID: "l1", Kind: "tankRefill", LocalTimestamp: 1, RemoteTimestamp: 2, Resolution: "keepServer", Auto: true, ResolvedAt: 10},
		{ID: "c3", LocalID: "l2", Kind: "washing", LocalTimestamp: 1, RemoteTimestamp: 2, Resolution: "merge", ResolvedAt: 5},
	}
	for _, e := range entries {
		if err := repo.CreateConflictLog(ctx, e); err != nil {
			t.Fatalf("CreateConflictLog() error = %v", err)
		}
	}

	logs, err := repo.ListConflictLogs(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].ID != "c1" || !logs[0].Auto {
		t.Errorf("logs = %+v", logs)
	}
}
