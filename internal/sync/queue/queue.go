// Package queue is the durable store of submissions waiting for delivery.
// Every mutation is committed to SQLite before it returns, and attachment
// bytes live in a content-addressed blob store next to the database.
package queue

import (
	"context"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/db"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/storage"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/uuid"
)

const pageSize = 64

// Filter narrows List.
type Filter = db.SubmissionFilter

// Counts summarizes the queue for status badges.
type Counts struct {
	Queued         int `json:"queued"`
	Compressing    int `json:"compressing"`
	Uploading      int `json:"uploading"`
	Synced         int `json:"synced"`
	Failed         int `json:"failed"`
	Conflict       int `json:"conflict"`
	NeedsAttention int `json:"needsAttention"`
}

// Unsettled is the number of records not yet delivered.
func (c Counts) Unsettled() int {
	return c.Queued + c.Compressing + c.Uploading + c.Failed + c.Conflict
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	SyncState     *models.SyncState
	RetryCount    *int
	LastError     *string
	ErrorCode     *string
	ServerID      *string
	NextAttemptAt *time.Time
	SyncedAt      *time.Time
	Conflict      *models.ConflictDetail
	ClearConflict bool

	// Form and BaseVersion are written by conflict resolution.
	Form        models.Form
	BaseVersion *time.Time

	// Attachments replaces the whole list when non-nil. Refs carrying Data
	// are staged in the blob store first.
	Attachments []models.AttachmentRef
}

// State returns a pointer for Patch.SyncState.
func State(s models.SyncState) *models.SyncState { return &s }

// Ptr returns a pointer to v, for the scalar Patch fields.
func Ptr[T any](v T) *T { return &v }

// Queue manages pending submissions and their attachment blobs.
type Queue struct {
	repo       *db.SubmissionRepository
	blobs      *storage.BlobStore
	clock      clock.Clock
	maxRetries int

	// blobMu is held shared while blobs are staged and referenced, and
	// exclusively while unreferenced blobs are deleted.
	blobMu sync.RWMutex

	subMu   sync.Mutex
	subs    map[int]chan Counts
	nextSub int
}

// New creates a Queue. maxRetries is the retry cap used for the
// needs-attention count.
func New(repo *db.SubmissionRepository, blobs *storage.BlobStore, clk clock.Clock, maxRetries int) *Queue {
	return &Queue{
		repo:       repo,
		blobs:      blobs,
		clock:      clk,
		maxRetries: maxRetries,
		subs:       make(map[int]chan Counts),
	}
}

// MaxRetries returns the retry cap.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// =====================================================
// Enqueue / read
// =====================================================

// Enqueue stages the attachment bytes and inserts the record as queued.
// Calling it again with a known local id changes nothing.
func (q *Queue) Enqueue(ctx context.Context, sub *models.PendingSubmission) (string, error) {
	if sub == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "nil submission")
	}
	if err := uuid.Validate(sub.LocalID); err != nil {
		return "", err
	}
	if sub.Form == nil || sub.Form.Kind() != sub.Kind {
		return "", apperrors.Newf(apperrors.ErrInvalid, "submission %s has no %s form", sub.LocalID, sub.Kind)
	}

	now := q.clock.Now().UTC()
	rec := *sub
	rec.SyncState = models.StateQueued
	rec.RetryCount = 0
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	q.blobMu.RLock()
	staged, err := q.stage(sub.Attachments)
	if err != nil {
		q.blobMu.RUnlock()
		return "", err
	}
	rec.Attachments = staged
	inserted, err := q.repo.InsertSubmission(ctx, &rec)
	q.blobMu.RUnlock()
	if err != nil {
		q.release(ctx, hashes(staged))
		return "", err
	}

	if !inserted {
		logging.Debug("Submission already queued", map[string]interface{}{"local_id": rec.LocalID})
		q.release(ctx, hashes(staged))
		return rec.LocalID, nil
	}

	logging.Info("Submission queued", map[string]interface{}{
		"local_id":    rec.LocalID,
		"kind":        string(rec.Kind),
		"attachments": len(staged),
	})
	q.publish(ctx)
	return rec.LocalID, nil
}

// stage writes pending attachment bytes to the blob store and returns the
// refs with Data cleared. The caller holds blobMu shared.
func (q *Queue) stage(refs []models.AttachmentRef) ([]models.AttachmentRef, error) {
	out := make([]models.AttachmentRef, len(refs))
	for i, ref := range refs {
		if ref.Role == "" {
			ref.Role = models.RoleForLabel(ref.Label)
		}
		if ref.Data != nil {
			hash, err := q.blobs.Store(ref.Data)
			if err != nil {
				return nil, err
			}
			ref.Hash = hash
			ref.Size = int64(len(ref.Data))
			ref.Data = nil
		} else if !q.blobs.Exists(ref.Hash) {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "attachment %s has no staged content", ref.Label)
		}
		ref.Handle = ref.Hash
		out[i] = ref
	}
	return out, nil
}

// Get returns one record.
func (q *Queue) Get(ctx context.Context, localID string) (*models.PendingSubmission, error) {
	return q.repo.GetSubmission(ctx, localID)
}

// List yields the records matching filter oldest first. Pages are loaded
// lazily and every range over the result starts a fresh query.
func (q *Queue) List(ctx context.Context, filter Filter) iter.Seq2[*models.PendingSubmission, error] {
	return func(yield func(*models.PendingSubmission, error) bool) {
		var cursor *db.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := q.repo.ListPage(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, sub := range page {
				if !yield(sub, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &db.Cursor{CreatedAt: last.CreatedAt, LocalID: last.LocalID}
		}
	}
}

// Collect drains List into a slice.
func (q *Queue) Collect(ctx context.Context, filter Filter) ([]*models.PendingSubmission, error) {
	var out []*models.PendingSubmission
	for sub, err := range q.List(ctx, filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// OpenBlob streams a staged attachment.
func (q *Queue) OpenBlob(hash string) (io.ReadCloser, error) {
	return q.blobs.Open(hash)
}

// ReadBlob returns a staged attachment after verifying its hash.
func (q *Queue) ReadBlob(hash string) ([]byte, error) {
	return q.blobs.Retrieve(hash)
}

// =====================================================
// Mutations
// =====================================================

// Update applies patch to a record in one transaction and returns the
// stored result. State moves are checked against the transition table,
// and a record may only leave queued with its required attachments.
func (q *Queue) Update(ctx context.Context, localID string, patch Patch) (*models.PendingSubmission, error) {
	var staged []models.AttachmentRef
	if patch.Attachments != nil {
		q.blobMu.RLock()
		var err error
		staged, err = q.stage(patch.Attachments)
		if err != nil {
			q.blobMu.RUnlock()
			return nil, err
		}
	}

	var (
		updated  *models.PendingSubmission
		previous []string
		from     models.SyncState
	)
	err := q.repo.WithTx(ctx, func(tx *db.SubmissionRepository) error {
		cur, err := tx.GetSubmission(ctx, localID)
		if err != nil {
			return err
		}
		from = cur.SyncState
		next := *cur
		if err := apply(&next, patch); err != nil {
			return err
		}
		if staged != nil {
			next.Attachments = staged
		}

		if !models.CanTransition(cur.SyncState, next.SyncState) {
			return apperrors.Newf(apperrors.ErrInvalidTransition,
				"submission %s cannot move from %s to %s", localID, cur.SyncState, next.SyncState)
		}
		if cur.SyncState == models.StateQueued && next.SyncState != models.StateQueued {
			if err := models.CheckAttachments(next.Kind, next.Labels()); err != nil {
				return err
			}
		}

		next.UpdatedAt = q.clock.Now().UTC()
		if err := tx.UpdateSubmission(ctx, &next); err != nil {
			return err
		}
		if staged != nil {
			previous = hashes(cur.Attachments)
			if err := tx.ReplaceAttachments(ctx, localID, staged); err != nil {
				return err
			}
		}
		updated = &next
		return nil
	})
	if patch.Attachments != nil {
		q.blobMu.RUnlock()
		if err != nil {
			q.release(context.WithoutCancel(ctx), hashes(staged))
		} else {
			q.release(context.WithoutCancel(ctx), previous)
		}
	}
	if err != nil {
		return nil, err
	}

	if from != updated.SyncState {
		logging.Debug("Submission state changed", map[string]interface{}{
			"local_id": localID,
			"from":     string(from),
			"to":       string(updated.SyncState),
		})
	}
	q.publish(ctx)
	return updated, nil
}

func apply(sub *models.PendingSubmission, p Patch) error {
	if p.SyncState != nil {
		sub.SyncState = *p.SyncState
	}
	if p.RetryCount != nil {
		sub.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		sub.LastError = *p.LastError
	}
	if p.ErrorCode != nil {
		sub.ErrorCode = *p.ErrorCode
	}
	if p.ServerID != nil {
		sub.ServerID = *p.ServerID
	}
	if p.NextAttemptAt != nil {
		sub.NextAttemptAt = *p.NextAttemptAt
	}
	if p.SyncedAt != nil {
		sub.SyncedAt = *p.SyncedAt
	}
	if p.ClearConflict {
		sub.Conflict = nil
	}
	if p.Conflict != nil {
		sub.Conflict = p.Conflict
	}
	if p.BaseVersion != nil {
		sub.BaseVersion = *p.BaseVersion
	}
	if p.Form != nil {
		if p.Form.Kind() != sub.Kind {
			return apperrors.Newf(apperrors.ErrInvalid, "cannot store a %s form on a %s submission", p.Form.Kind(), sub.Kind)
		}
		if err := models.ValidateForm(p.Form); err != nil {
			return err
		}
		sub.Form = p.Form
	}
	return nil
}

// Remove deletes a record with its attachment rows, then the blobs no
// other record references.
func (q *Queue) Remove(ctx context.Context, localID string) error {
	sub, err := q.repo.GetSubmission(ctx, localID)
	if err != nil {
		return err
	}
	if err := q.repo.DeleteSubmission(ctx, localID); err != nil {
		return err
	}
	q.release(context.WithoutCancel(ctx), hashes(sub.Attachments))

	logging.Info("Submission removed", map[string]interface{}{
		"local_id": localID,
		"state":    string(sub.SyncState),
	})
	q.publish(ctx)
	return nil
}

// ReplaceAttachment swaps in a re-captured photo or signature. Only
// records that are queued or failed accept it; a failed record is queued
// again with its retries reset.
func (q *Queue) ReplaceAttachment(ctx context.Context, localID, label string, raw []byte) (*models.PendingSubmission, error) {
	contentType, err := media.DetectImage(raw)
	if err != nil {
		return nil, err
	}
	sub, err := q.repo.GetSubmission(ctx, localID)
	if err != nil {
		return nil, err
	}
	if sub.SyncState != models.StateQueued && sub.SyncState != models.StateFailed {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"submission %s is %s, attachments can only change while queued or failed", localID, sub.SyncState)
	}
	if !models.LabelAllowed(sub.Kind, label) {
		return nil, apperrors.Validation("invalid attachment", map[string]string{
			"attachments." + label: "is not a slot of a " + string(sub.Kind) + " intervention",
		})
	}

	ref := models.AttachmentRef{
		Label:       label,
		Role:        models.RoleForLabel(label),
		ContentType: contentType,
		Data:        raw,
	}
	refs := make([]models.AttachmentRef, 0, len(sub.Attachments)+1)
	replaced := false
	for _, a := range sub.Attachments {
		if a.Label == label {
			refs = append(refs, ref)
			replaced = true
			continue
		}
		refs = append(refs, a)
	}
	if !replaced {
		refs = append(refs, ref)
	}

	return q.Update(ctx, localID, Patch{
		SyncState:     State(models.StateQueued),
		RetryCount:    Ptr(0),
		LastError:     Ptr(""),
		ErrorCode:     Ptr(""),
		NextAttemptAt: Ptr(time.Time{}),
		Attachments:   refs,
	})
}

// Retry queues a failed record again with its retries reset.
func (q *Queue) Retry(ctx context.Context, localID string) (*models.PendingSubmission, error) {
	sub, err := q.repo.GetSubmission(ctx, localID)
	if err != nil {
		return nil, err
	}
	if sub.SyncState != models.StateFailed {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"submission %s is %s, only failed submissions can be retried", localID, sub.SyncState)
	}
	return q.Update(ctx, localID, Patch{
		SyncState:     State(models.StateQueued),
		RetryCount:    Ptr(0),
		NextAttemptAt: Ptr(time.Time{}),
	})
}

// RetryAll queues every failed record again and returns how many moved.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	failed, err := q.Collect(ctx, Filter{States: []models.SyncState{models.StateFailed}})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sub := range failed {
		if _, err := q.Retry(ctx, sub.LocalID); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("Failed submissions reset for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Recover runs at startup: records interrupted while compressing or
// uploading go back to queued, and blobs left by a crash are pruned.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.repo.ResetInFlight(ctx, q.clock.Now().UTC())
	if err != nil {
		return 0, err
	}

	q.blobMu.Lock()
	refs, err := q.repo.ReferencedHashes(ctx)
	var pruned int
	if err == nil {
		pruned, err = q.blobs.Prune(refs)
	}
	q.blobMu.Unlock()
	if err != nil {
		return n, err
	}

	logging.Info("Queue recovered", map[string]interface{}{
		"requeued":     n,
		"blobs_pruned": pruned,
	})
	if n > 0 {
		q.publish(ctx)
	}
	return n, nil
}

// release deletes the given blobs unless a record still references them.
func (q *Queue) release(ctx context.Context, candidates []string) {
	if len(candidates) == 0 {
		return
	}
	q.blobMu.Lock()
	defer q.blobMu.Unlock()

	refs, err := q.repo.ReferencedHashes(ctx)
	if err != nil {
		logging.Warn("Blob release skipped", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, h := range candidates {
		if refs[h] {
			continue
		}
		if err := q.blobs.Delete(h); err != nil {
			logging.Warn("Blob delete failed", map[string]interface{}{"hash": h, "error": err.Error()})
		}
	}
}

func hashes(refs []models.AttachmentRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Hash != "" {
			out = append(out, r.Hash)
		}
	}
	return out
}

// LogConflict stores one conflict log entry.
func (q *Queue) LogConflict(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	return q.repo.CreateConflictLog(ctx, entry)
}

// ConflictLogs returns the conflict history of a record, oldest first.
// It outlives the record itself.
func (q *Queue) ConflictLogs(ctx context.Context, localID string) ([]*models.ConflictLog, error) {
	return q.repo.ListConflictLogs(ctx, localID)
}

// =====================================================
// Status
// =====================================================

// Counts returns the current per-state totals.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	byState, attention, err := q.repo.CountByState(ctx, q.maxRetries)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Queued:         byState[models.StateQueued],
		Compressing:    byState[models.StateCompressing],
		Uploading:      byState[models.StateUploading],
		Synced:         byState[models.StateSynced],
		Failed:         byState[models.StateFailed],
		Conflict:       byState[models.StateConflict],
		NeedsAttention: attention,
	}, nil
}

// Subscribe returns a channel that receives the counts after every
// committed mutation. Slow readers only see the latest value. Call cancel
// to unsubscribe; it closes the channel.
func (q *Queue) Subscribe() (<-chan Counts, func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	id := q.nextSub
	q.nextSub++
	ch := make(chan Counts, 1)
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			delete(q.subs, id)
			close(ch)
		})
	}
}

func (q *Queue) publish(ctx context.Context) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if len(q.subs) == 0 {
		return
	}

	counts, err := q.Counts(context.WithoutCancel(ctx))
	if err != nil {
		logging.Warn("Queue counts unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, ch := range q.subs {
		select {
		case ch <- counts:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- counts:
			default:
			}
		}
	}
}
