// Package sync delivers queued submissions to the remote intervention API.
package sync

import (
	"context"
	stderrors "errors"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/conflict"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/telemetry"
)

// maxErrorHistory bounds the in-memory error history.
const maxErrorHistory = 100

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType names a sync notification.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync_started"
	SyncEventCompleted SyncEventType = "sync_completed"
	SyncEventFailed    SyncEventType = "sync_failed"
	SyncEventState     SyncEventType = "submission_state"
	SyncEventConflict  SyncEventType = "submission_conflict"
	SyncEventRemoved   SyncEventType = "submission_removed"
)

// SyncEvent is pushed to the event handler while a pass runs.
type SyncEvent struct {
	Type      SyncEventType    `json:"type"`
	LocalID   string           `json:"localId,omitempty"`
	State     models.SyncState `json:"state,omitempty"`
	Error     string           `json:"error,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SyncEventHandler receives sync events. It is called synchronously from
// the sync workers and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncErrorEntry is one failed operation kept for diagnostics.
type SyncErrorEntry struct {
	LocalID   string    `json:"localId"`
	Operation string    `json:"operation"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	Attempted    int           `json:"attempted"`
	Uploaded     int           `json:"uploaded"`
	Failed       int           `json:"failed"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"autoResolved"`
	Removed      int           `json:"removed"`
	Error        string        `json:"error,omitempty"`
}

// Options tunes the engine.
type Options struct {
	Workers       int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	UploadTimeout time.Duration
	SyncedGrace   time.Duration
}

// DefaultOptions returns the delivery defaults.
func DefaultOptions() Options {
	return Options{
		Workers:       3,
		MaxRetries:    6,
		BackoffBase:   30 * time.Second,
		BackoffMax:    30 * time.Minute,
		UploadTimeout: 60 * time.Second,
		SyncedGrace:   30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	o.Workers = min(max(o.Workers, 1), 4)
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = d.UploadTimeout
	}
	if o.SyncedGrace <= 0 {
		o.SyncedGrace = d.SyncedGrace
	}
	return o
}

// Backoff returns the delay before retry number n (1-based):
// base·2^(n-1), capped at limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

// SyncEngine provides synchronization capabilities.
type SyncEngine struct {
	queue      *queue.Queue
	remote     remote.API
	resolver   *conflict.Resolver
	compressor *media.Compressor
	clock      clock.Clock
	opts       Options

	running sync.Mutex // held for the duration of a pass

	mu           sync.RWMutex
	status       SyncStatus
	lastSync     *time.Time
	pending      int
	lastErr      error
	handler      SyncEventHandler
	errorHistory []SyncErrorEntry
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q *queue.Queue, api remote.API, resolver *conflict.Resolver, compressor *media.Compressor, clk clock.Clock, opts Options) *SyncEngine {
	opts = opts.withDefaults()
	opts.MaxRetries = q.MaxRetries()
	return &SyncEngine{
		queue:      q,
		remote:     api,
		resolver:   resolver,
		compressor: compressor,
		clock:      clk,
		opts:       opts,
		status:     SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of unsettled records after the last pass.
func (e *SyncEngine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// GetErrorHistory returns a copy of the recent per-record failures.
func (e *SyncEngine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := make([]SyncErrorEntry, len(e.errorHistory))
	copy(history, e.errorHistory)
	return history
}

// ClearErrorHistory drops the recorded failures.
func (e *SyncEngine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = nil
}

func (e *SyncEngine) recordError(localID, operation string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		LocalID:   localID,
		Operation: operation,
		Code:      string(apperrors.CodeOf(err)),
		Error:     err.Error(),
		Timestamp: e.clock.Now().UTC(),
	})
	if n := len(e.errorHistory); n > maxErrorHistory {
		e.errorHistory = e.errorHistory[n-maxErrorHistory:]
	}
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now().UTC()
	}
	handler.OnSyncEvent(event)
}

// =====================================================
// Pass
// =====================================================

// tally accumulates per-record outcomes from concurrent workers.
type tally struct {
	mu     sync.Mutex
	result *SyncResult
}

func (t *tally) add(fn func(r *SyncResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.result)
}

// Sync runs one delivery pass. Records of one target entity are delivered
// oldest first and never overtake each other; distinct entities run in
// parallel on up to Workers goroutines.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.TryLock() {
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}
	defer e.running.Unlock()

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.lastErr = nil
	e.mu.Unlock()

	result := &SyncResult{StartTime: e.clock.Now().UTC()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted})

	err := e.run(ctx, result)

	result.EndTime = e.clock.Now().UTC()
	result.Duration = result.EndTime.Sub(result.StartTime)
	pending := -1
	if counts, cerr := e.queue.Counts(context.WithoutCancel(ctx)); cerr == nil {
		pending = counts.Unsettled()
	}

	e.mu.Lock()
	if pending >= 0 {
		e.pending = pending
	}
	if err != nil {
		e.status = SyncStatusFailed
		e.lastErr = err
		result.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	telemetry.RecordTiming("sync.pass", result.Duration)
	telemetry.RecordCount("sync.uploaded", result.Uploaded)
	telemetry.RecordCount("sync.failed", result.Failed)
	telemetry.RecordCount("sync.conflicts", result.Conflicts)

	if err != nil {
		telemetry.TrackError(err)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Error: err.Error(), Code: string(apperrors.CodeOf(err))})
		if !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded) {
			logging.ErrorWithCode("Sync pass failed", string(apperrors.ErrSyncFailed), err, nil)
		}
		return result, err
	}

	logging.Info("Sync pass completed", map[string]interface{}{
		"attempted":     result.Attempted,
		"uploaded":      result.Uploaded,
		"failed":        result.Failed,
		"conflicts":     result.Conflicts,
		"auto_resolved": result.AutoResolved,
		"removed":       result.Removed,
		"duration_ms":   result.Duration.Milliseconds(),
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted})
	return result, nil
}

func (e *SyncEngine) run(ctx context.Context, result *SyncResult) error {
	subs, err := e.queue.Collect(ctx, queue.Filter{States: models.UnsettledStates})
	if err != nil {
		return err
	}

	t := &tally{result: result}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, group := range groupByTarget(subs) {
		g.Go(func() error {
			return e.deliverGroup(gctx, group, t)
		})
	}
	if err := g.Wait(); err != nil {
		// errgroup cancels gctx on the first failure; report the caller's
		// cancellation as such.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	removed, err := e.sweep(ctx)
	result.Removed = removed
	return err
}

// groupByTarget splits records, already oldest first, into per-entity
// sequences keyed by the target key stored with each record. Groups are
// returned in order of their oldest record.
func groupByTarget(subs []*models.PendingSubmission) [][]*models.PendingSubmission {
	index := make(map[string]int)
	var groups [][]*models.PendingSubmission
	for _, s := range subs {
		key := s.EntityKey
		if key == "" {
			key = s.TargetKey()
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], s)
	}
	return groups
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeConflict
	outcomeAutoResolved
	outcomeSkipped
)

// deliverGroup walks one entity's records in order and stops at the first
// one that does not reach the server.
func (e *SyncEngine) deliverGroup(ctx context.Context, group []*models.PendingSubmission, t *tally) error {
	for _, sub := range group {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.eligible(sub) {
			return nil
		}

		t.add(func(r *SyncResult) { r.Attempted++ })
		out, err := e.deliver(ctx, sub)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Discarded while the pass was running.
			logging.Debug("Submission vanished during sync", map[string]interface{}{"local_id": sub.LocalID})
			return nil
		}
		if err != nil {
			return err
		}
		switch out {
		case outcomeSynced:
			t.add(func(r *SyncResult) { r.Uploaded++ })
		case outcomeAutoResolved:
			t.add(func(r *SyncResult) { r.AutoResolved++ })
		case outcomeConflict:
			t.add(func(r *SyncResult) { r.Conflicts++ })
			return nil
		default:
			t.add(func(r *SyncResult) { r.Failed++ })
			return nil
		}
	}
	return nil
}

// eligible reports whether a record may be attempted now.
func (e *SyncEngine) eligible(sub *models.PendingSubmission) bool {
	switch sub.SyncState {
	case models.StateConflict:
		return false
	case models.StateFailed:
		if sub.RetryCount >= e.opts.MaxRetries {
			return false
		}
		return !sub.NextAttemptAt.After(e.clock.Now())
	default:
		return true
	}
}

// deliver moves one record through compression and upload and stores the
// outcome. Only storage failures and cancellation are returned as errors.
func (e *SyncEngine) deliver(ctx context.Context, sub *models.PendingSubmission) (outcome, error) {
	id := sub.LocalID
	if sub.SyncState != models.StateQueued {
		// failed records re-enter through queued; in-flight leftovers are reset.
		if _, err := e.queue.Update(ctx, id, queue.Patch{SyncState: queue.State(models.StateQueued)}); err != nil {
			return outcomeSkipped, err
		}
	}

	cur, err := e.transition(ctx, id, queue.Patch{SyncState: queue.State(models.StateCompressing)})
	if err != nil {
		return outcomeSkipped, err
	}

	refs, changed, cerr := e.compress(ctx, cur)
	if ctx.Err() != nil {
		return outcomeSkipped, e.rollback(ctx, id)
	}
	if cerr != nil {
		patch := e.failurePatch(cur, cerr)
		if changed {
			patch.Attachments = refs
		}
		return outcomeFailed, e.fail(ctx, cur, patch, "compress", cerr)
	}

	patch := queue.Patch{SyncState: queue.State(models.StateUploading)}
	if changed {
		patch.Attachments = refs
	}
	cur, err = e.transition(ctx, id, patch)
	if err != nil {
		return outcomeSkipped, err
	}

	acc, uerr := e.upload(ctx, cur)
	if ctx.Err() != nil {
		return outcomeSkipped, e.rollback(ctx, id)
	}

	if uerr != nil {
		ce, ok := remote.AsConflict(uerr)
		if !ok {
			return outcomeFailed, e.fail(ctx, cur, e.failurePatch(cur, uerr), "upload", uerr)
		}
		res, err := e.resolver.Handle(ctx, cur, ce.Reason, ce.Server)
		if err != nil {
			return outcomeSkipped, err
		}
		if res.Auto {
			e.emitEvent(SyncEvent{Type: SyncEventRemoved, LocalID: id, Message: "server already holds this submission"})
			return outcomeAutoResolved, nil
		}
		e.emitEvent(SyncEvent{Type: SyncEventConflict, LocalID: id, State: models.StateConflict, Message: ce.Reason})
		return outcomeConflict, nil
	}

	now := e.clock.Now().UTC()
	_, err = e.transition(ctx, id, queue.Patch{
		SyncState:     queue.State(models.StateSynced),
		ServerID:      queue.Ptr(acc.ServerID),
		SyncedAt:      queue.Ptr(now),
		LastError:     queue.Ptr(""),
		ErrorCode:     queue.Ptr(""),
		NextAttemptAt: queue.Ptr(time.Time{}),
	})
	if err != nil {
		return outcomeSkipped, err
	}
	telemetry.TrackEvent("submission.synced", map[string]interface{}{"kind": string(cur.Kind)})
	return outcomeSynced, nil
}

// transition applies patch and reports the new state.
func (e *SyncEngine) transition(ctx context.Context, localID string, patch queue.Patch) (*models.PendingSubmission, error) {
	sub, err := e.queue.Update(ctx, localID, patch)
	if err != nil {
		return nil, err
	}
	e.emitEvent(SyncEvent{Type: SyncEventState, LocalID: localID, State: sub.SyncState})
	return sub, nil
}

// rollback returns an interrupted record to queued without spending a retry.
func (e *SyncEngine) rollback(ctx context.Context, localID string) error {
	if _, err := e.transition(context.WithoutCancel(ctx), localID, queue.Patch{SyncState: queue.State(models.StateQueued)}); err != nil {
		logging.Error("Failed to roll back interrupted submission", err, map[string]interface{}{"local_id": localID})
	}
	return ctx.Err()
}

// failurePatch classifies a delivery error. Permanent rejections exhaust
// the retry budget at once; everything else backs off.
func (e *SyncEngine) failurePatch(sub *models.PendingSubmission, cause error) queue.Patch {
	code := apperrors.CodeOf(cause)
	if code == "" || code == apperrors.ErrInternal {
		code = apperrors.ErrNetworkFailure
	}
	patch := queue.Patch{
		SyncState: queue.State(models.StateFailed),
		LastError: queue.Ptr(cause.Error()),
		ErrorCode: queue.Ptr(string(code)),
	}
	if code == apperrors.ErrPermanentRejection {
		patch.RetryCount = queue.Ptr(e.opts.MaxRetries)
		patch.NextAttemptAt = queue.Ptr(time.Time{})
		return patch
	}
	n := sub.RetryCount + 1
	patch.RetryCount = queue.Ptr(n)
	if n >= e.opts.MaxRetries {
		patch.NextAttemptAt = queue.Ptr(time.Time{})
	} else {
		patch.NextAttemptAt = queue.Ptr(e.clock.Now().UTC().Add(Backoff(n, e.opts.BackoffBase, e.opts.BackoffMax)))
	}
	return patch
}

func (e *SyncEngine) fail(ctx context.Context, sub *models.PendingSubmission, patch queue.Patch, operation string, cause error) error {
	e.recordError(sub.LocalID, operation, cause)
	updated, err := e.queue.Update(ctx, sub.LocalID, patch)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"local_id":    sub.LocalID,
		"kind":        string(sub.Kind),
		"operation":   operation,
		"retry_count": updated.RetryCount,
	}
	if updated.NeedsAttention(e.opts.MaxRetries) {
		logging.ErrorWithCode("Submission needs attention", updated.ErrorCode, cause, fields)
	} else {
		fields["next_attempt_at"] = updated.NextAttemptAt
		logging.Warn("Submission delivery failed, will retry", fields)
	}
	e.emitEvent(SyncEvent{
		Type:    SyncEventState,
		LocalID: sub.LocalID,
		State:   models.StateFailed,
		Error:   cause.Error(),
		Code:    updated.ErrorCode,
	})
	return nil
}

// =====================================================
// Compression and upload
// =====================================================

// compress shrinks every attachment not yet compressed. A failing
// attachment does not stop the others; their results are kept so a retry
// only redoes what failed.
func (e *SyncEngine) compress(ctx context.Context, sub *models.PendingSubmission) ([]models.AttachmentRef, bool, error) {
	refs := make([]models.AttachmentRef, len(sub.Attachments))
	copy(refs, sub.Attachments)

	var (
		changed  bool
		problems = make(map[string]string)
		first    error
	)
	for i, ref := range refs {
		if ref.Compressed {
			continue
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		raw, err := e.queue.ReadBlob(ref.Hash)
		if err != nil {
			problems["attachments."+ref.Label] = err.Error()
			first = firstErr(first, err)
			continue
		}
		img, err := e.compressor.Compress(raw)
		if err != nil {
			problems["attachments."+ref.Label] = err.Error()
			first = firstErr(first, err)
			continue
		}
		refs[i] = models.AttachmentRef{
			Label:       ref.Label,
			Role:        ref.Role,
			ContentType: img.ContentType,
			Compressed:  true,
			Width:       img.Width,
			Height:      img.Height,
			Data:        img.Data,
		}
		changed = true
	}

	if len(problems) > 0 {
		return refs, changed, &apperrors.AppError{
			Code:    apperrors.ErrCompressionFailed,
			Message: "attachment compression failed",
			Err:     first,
			Fields:  problems,
		}
	}
	return refs, changed, nil
}

func firstErr(first, err error) error {
	if first != nil {
		return first
	}
	return err
}

// upload sends the record with a per-attempt deadline.
func (e *SyncEngine) upload(ctx context.Context, sub *models.PendingSubmission) (*remote.Acceptance, error) {
	payload, err := remote.NewPayload(sub)
	if err != nil {
		return nil, err
	}
	blobs := make([]remote.Blob, len(sub.Attachments))
	for i, a := range sub.Attachments {
		hash := a.Hash
		blobs[i] = remote.Blob{
			AttachmentMeta: payload.Attachments[i],
			Open: func() (io.ReadCloser, error) {
				return e.queue.OpenBlob(hash)
			},
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.UploadTimeout)
	defer cancel()

	start := e.clock.Now()
	acc, err := e.remote.Submit(attemptCtx, payload, blobs)
	telemetry.RecordTiming("sync.upload", e.clock.Now().Sub(start))
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
		// The per-attempt deadline fired; whatever the transport said, it
		// is a timeout.
		err = apperrors.Wrap(apperrors.ErrTimeout, "upload attempt timed out", err)
	}
	return acc, err
}

// =====================================================
// Retention
// =====================================================

// sweep removes synced records once their grace period is over.
func (e *SyncEngine) sweep(ctx context.Context) (int, error) {
	synced, err := e.queue.Collect(ctx, queue.Filter{States: []models.SyncState{models.StateSynced}})
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	removed := 0
	for _, sub := range synced {
		if sub.SyncedAt.Add(e.opts.SyncedGrace).After(now) {
			continue
		}
		if err := e.queue.Remove(ctx, sub.LocalID); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
		e.emitEvent(SyncEvent{Type: SyncEventRemoved, LocalID: sub.LocalID, State: models.StateSynced})
	}
	return removed, nil
}

// NextWake returns the earliest future retry or sweep time. Records
// waiting on a human have no wake time.
func (e *SyncEngine) NextWake(ctx context.Context) (time.Time, bool, error) {
	subs, err := e.queue.Collect(ctx, queue.Filter{
		States: []models.SyncState{models.StateFailed, models.StateSynced},
	})
	if err != nil {
		return time.Time{}, false, err
	}

	// Anything already due was looked at by the last pass and is blocked
	// behind an earlier record of its entity; it wakes with that record.
	now := e.clock.Now()
	var wakes []time.Time
	for _, s := range subs {
		var at time.Time
		switch {
		case s.SyncState == models.StateSynced:
			at = s.SyncedAt.Add(e.opts.SyncedGrace)
		case s.RetryCount < e.opts.MaxRetries:
			at = s.NextAttemptAt
		default:
			continue
		}
		if at.After(now) {
			wakes = append(wakes, at)
		}
	}
	if len(wakes) == 0 {
		return time.Time{}, false, nil
	}
	sort.Slice(wakes, func(i, j int) bool { return wakes[i].Before(wakes[j]) })
	return wakes[0], true, nil
}
