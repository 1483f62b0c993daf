// Package db provides CRUD repository operations for queued submissions.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/codec"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SubmissionRepository persists PendingSubmissions, their attachment rows
// and the conflict log. A repository obtained inside WithTx runs every call
// on that transaction.
type SubmissionRepository struct {
	db *sql.DB
	tx *sql.Tx
	q  querier

	// Prepared statement cache for the hot read path. Shared with
	// transaction-bound copies.
	stmtCache *sync.Map // map[string]*sql.Stmt
}

// NewSubmissionRepository creates a new SubmissionRepository instance.
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db, q: db, stmtCache: &sync.Map{}}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *SubmissionRepository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return r.bind(ctx, stmt.(*sql.Stmt)), nil
	}
	if r.tx != nil {
		// The pool has a single connection and the transaction holds it.
		return r.tx.PrepareContext(ctx, query)
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return r.bind(ctx, actual.(*sql.Stmt)), nil
	}
	return r.bind(ctx, stmt), nil
}

func (r *SubmissionRepository) bind(ctx context.Context, stmt *sql.Stmt) *sql.Stmt {
	if r.tx != nil {
		return r.tx.StmtContext(ctx, stmt)
	}
	return stmt
}

// Close closes all cached prepared statements.
func (r *SubmissionRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// WithTx runs fn on a transaction-bound repository and commits when fn
// returns nil. Nested calls reuse the outer transaction.
func (r *SubmissionRepository) WithTx(ctx context.Context, fn func(tx *SubmissionRepository) error) error {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	bound := &SubmissionRepository{db: r.db, tx: tx, q: tx, stmtCache: r.stmtCache}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

// SubmissionFilter narrows ListPage. Zero fields do not filter.
type SubmissionFilter struct {
	States []models.SyncState
	Kinds  []models.InterventionKind
	// MaxRetries keeps only records with retry_count below it.
	MaxRetries int
	// DueBefore keeps only records whose next attempt is not after it.
	DueBefore time.Time
}

// Cursor is the keyset position after the last row of a page.
type Cursor struct {
	CreatedAt time.Time
	LocalID   string
}

// =====================================================
// Encoding helpers
// =====================================================

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeForm(form models.Form) ([]byte, string, error) {
	data, err := codec.Marshal(form)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode form", err)
	}
	hash, err := models.FormFingerprint(form)
	if err != nil {
		return nil, "", err
	}
	return data, hash, nil
}

func decodeForm(kind models.InterventionKind, data []byte) (models.Form, error) {
	form, err := models.NewForm(kind)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(data, form); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode stored form", err)
	}
	return form, nil
}

func encodeConflict(c *models.ConflictDetail) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode conflict", err)
	}
	return data, nil
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// =====================================================
// PendingSubmission Operations
// =====================================================

// InsertSubmission stores a new record with its attachment rows. It reports
// false without changing anything when the local id already exists.
func (r *SubmissionRepository) InsertSubmission(ctx context.Context, sub *models.PendingSubmission) (bool, error) {
	form, formHash, err := encodeForm(sub.Form)
	if err != nil {
		return false, err
	}
	conflict, err := encodeConflict(sub.Conflict)
	if err != nil {
		return false, err
	}

	target := sub.TargetKey()

	inserted := false
	err = r.WithTx(ctx, func(tx *SubmissionRepository) error {
		res, err := tx.q.ExecContext(ctx, `
		INSERT INTO pending_submissions (local_id, server_id, kind, form, form_hash, target_key,
			created_at, updated_at, sync_state, retry_count, last_error, error_code,
			next_attempt_at, base_version, synced_at, conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
			sub.LocalID, sub.ServerID, string(sub.Kind), form, formHash, target,
			toNanos(sub.CreatedAt), toNanos(sub.UpdatedAt), string(sub.SyncState), sub.RetryCount,
			sub.LastError, sub.ErrorCode, toNanos(sub.NextAttemptAt), toNanos(sub.BaseVersion),
			toNanos(sub.SyncedAt), conflict)
		if err != nil {
			return dbErr("insert submission", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbErr("insert submission", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return tx.ReplaceAttachments(ctx, sub.LocalID, sub.Attachments)
	})
	if inserted {
		sub.FormHash, sub.EntityKey = formHash, target
	}
	return inserted, err
}

const selectSubmission = `
	SELECT local_id, server_id, kind, form, form_hash, target_key, created_at, updated_at, sync_state, retry_count,
		last_error, error_code, next_attempt_at, base_version, synced_at, conflict
	FROM pending_submissions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*models.PendingSubmission, error) {
	var (
		sub                                                 models.PendingSubmission
		kind, state                                         string
		form, conflict                                      []byte
		createdAt, updatedAt, nextAttempt, base, syncedAt int64
	)
	err := row.Scan(&sub.LocalID, &sub.ServerID, &kind, &form, &sub.FormHash, &sub.EntityKey, &createdAt, &updatedAt, &state,
		&sub.RetryCount, &sub.LastError, &sub.ErrorCode, &nextAttempt, &base, &syncedAt, &conflict)
	if err != nil {
		return nil, err
	}
	sub.Kind = models.InterventionKind(kind)
	sub.SyncState = models.SyncState(state)
	sub.CreatedAt = fromNanos(createdAt)
	sub.UpdatedAt = fromNanos(updatedAt)
	sub.NextAttemptAt = fromNanos(nextAttempt)
	sub.BaseVersion = fromNanos(base)
	sub.SyncedAt = fromNanos(syncedAt)

	if sub.Form, err = decodeForm(sub.Kind, form); err != nil {
		return nil, err
	}
	if len(conflict) > 0 {
		sub.Conflict = &models.ConflictDetail{}
		if err := codec.Unmarshal(conflict, sub.Conflict); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode stored conflict", err)
		}
	}
	return &sub, nil
}

// GetSubmission retrieves one record with its attachments.
func (r *SubmissionRepository) GetSubmission(ctx context.Context, localID string) (*models.PendingSubmission, error) {
	stmt, err := r.PrepareStmt(ctx, selectSubmission+` WHERE local_id = ?`)
	if err != nil {
		return nil, dbErr("get submission", err)
	}
	sub, err := scanSubmission(stmt.QueryRowContext(ctx, localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "submission %s not found", localID)
	}
	if err != nil {
		return nil, dbErr("get submission", err)
	}
	if err := r.loadAttachments(ctx, []*models.PendingSubmission{sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ListPage returns up to limit records after the cursor, ordered by
// created_at then local_id. A nil cursor starts from the beginning.
func (r *SubmissionRepository) ListPage(ctx context.Context, filter SubmissionFilter, after *Cursor, limit int) ([]*models.PendingSubmission, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		where = append(where, "sync_state IN ("+placeholders(len(filter.States))+")")
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if filter.MaxRetries > 0 {
		where = append(where, "retry_count < ?")
		args = append(args, filter.MaxRetries)
	}
	if !filter.DueBefore.IsZero() {
		where = append(where, "next_attempt_at <= ?")
		args = append(args, toNanos(filter.DueBefore))
	}
	if after != nil {
		ts := toNanos(after.CreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND local_id > ?))")
		args = append(args, ts, ts, after.LocalID)
	}

	query := selectSubmission
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, local_id LIMIT ?"
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list submissions", err)
	}
	var subs []*models.PendingSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, dbErr("scan submission", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbErr("list submissions", err)
	}
	rows.Close()

	if err := r.loadAttachments(ctx, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *SubmissionRepository) loadAttachments(ctx context.Context, subs []*models.PendingSubmission) error {
	if len(subs) == 0 {
		return nil
	}
	byID := make(map[string]*models.PendingSubmission, len(subs))
	args := make([]any, 0, len(subs))
	for _, s := range subs {
		byID[s.LocalID] = s
		s.Attachments = []models.AttachmentRef{}
		args = append(args, s.LocalID)
	}

	rows, err := r.q.QueryContext(ctx, `
	SELECT local_id, label, role, hash, size, content_type, compressed, width, height
	FROM submission_attachments WHERE local_id IN (`+placeholders(len(args))+`)
	ORDER BY local_id, position`, args...)
	if err != nil {
		return dbErr("load attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			localID, role string
			a             models.AttachmentRef
		)
		if err := rows.Scan(&localID, &a.Label, &role, &a.Hash, &a.Size, &a.ContentType,
			&a.Compressed, &a.Width, &a.Height); err != nil {
			return dbErr("scan attachment", err)
		}
		a.Role = models.AttachmentRole(role)
		a.Handle = a.Hash
		if s, ok := byID[localID]; ok {
			s.Attachments = append(s.Attachments, a)
		}
	}
	return dbErr("load attachments", rows.Err())
}

// UpdateSubmission writes every mutable column of sub. Attachments are not
// touched; use ReplaceAttachments.
func (r *SubmissionRepository) UpdateSubmission(ctx context.Context, sub *models.PendingSubmission) error {
	form, formHash, err := encodeForm(sub.Form)
	if err != nil {
		return err
	}
	conflict, err := encodeConflict(sub.Conflict)
	if err != nil {
		return err
	}

	target := sub.TargetKey()

	res, err := r.q.ExecContext(ctx, `
	UPDATE pending_submissions SET server_id = ?, form = ?, form_hash = ?, target_key = ?,
		updated_at = ?, sync_state = ?, retry_count = ?, last_error = ?, error_code = ?,
		next_attempt_at = ?, base_version = ?, synced_at = ?, conflict = ?
	WHERE local_id = ?`,
		sub.ServerID, form, formHash, target, toNanos(sub.UpdatedAt), string(sub.SyncState),
		sub.RetryCount, sub.LastError, sub.ErrorCode, toNanos(sub.NextAttemptAt),
		toNanos(sub.BaseVersion), toNanos(sub.SyncedAt), conflict, sub.LocalID)
	if err != nil {
		return dbErr("update submission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "submission %s not found", sub.LocalID)
	}
	sub.FormHash, sub.EntityKey = formHash, target
	return nil
}

// ReplaceAttachments rewrites the attachment rows of a record in order.
func (r *SubmissionRepository) ReplaceAttachments(ctx context.Context, localID string, refs []models.AttachmentRef) error {
	return r.WithTx(ctx, func(tx *SubmissionRepository) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM submission_attachments WHERE local_id = ?`, localID); err != nil {
			return dbErr("clear attachments", err)
		}
		for i, a := range refs {
			_, err := tx.q.ExecContext(ctx, `
			INSERT INTO submission_attachments (local_id, position, label, role, hash, size,
				content_type, compressed, width, height)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				localID, i, a.Label, string(a.Role), a.Hash, a.Size, a.ContentType, a.Compressed, a.Width, a.Height)
			if err != nil {
				return dbErr(fmt.Sprintf("insert attachment %s", a.Label), err)
			}
		}
		return nil
	})
}

// DeleteSubmission removes a record; attachment rows cascade.
func (r *SubmissionRepository) DeleteSubmission(ctx context.Context, localID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_submissions WHERE local_id = ?`, localID)
	if err != nil {
		return dbErr("delete submission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "submission %s not found", localID)
	}
	return nil
}

// ReferencedHashes returns every blob hash still referenced by a record.
func (r *SubmissionRepository) ReferencedHashes(ctx context.Context) (map[string]bool, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT DISTINCT hash FROM submission_attachments`)
	if err != nil {
		return nil, dbErr("list referenced hashes", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, dbErr("scan hash", err)
		}
		refs[h] = true
	}
	return refs, dbErr("list referenced hashes", rows.Err())
}

// CountByState returns record counts per state and the number of failed
// records whose retries are exhausted.
func (r *SubmissionRepository) CountByState(ctx context.Context, maxRetries int) (map[models.SyncState]int, int, error) {
	rows, err := r.q.QueryContext(ctx, `
	SELECT sync_state, COUNT(*), SUM(CASE WHEN sync_state = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END)
	FROM pending_submissions GROUP BY sync_state`, maxRetries)
	if err != nil {
		return nil, 0, dbErr("count submissions", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncState]int)
	attention := 0
	for rows.Next() {
		var (
			state    string
			n, stuck int
		)
		if err := rows.Scan(&state, &n, &stuck); err != nil {
			return nil, 0, dbErr("scan count", err)
		}
		counts[models.SyncState(state)] = n
		attention += stuck
	}
	return counts, attention, dbErr("count submissions", rows.Err())
}

// ResetInFlight moves records interrupted mid-delivery back to queued.
func (r *SubmissionRepository) ResetInFlight(ctx context.Context, now time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx, `
	UPDATE pending_submissions SET sync_state = 'queued', updated_at = ?
	WHERE sync_state IN ('compressing', 'uploading')`, toNanos(now))
	if err != nil {
		return 0, dbErr("reset in-flight submissions", err)
	}
	n, err := res.RowsAffected()
	return int(n), dbErr("reset in-flight submissions", err)
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *SubmissionRepository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	query := `
	INSERT INTO ` + log.TableName() + ` (id, local_id, server_id, kind, local_timestamp,
		remote_timestamp, reason, resolution, auto, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query, log.ID, log.LocalID, log.ServerID, log.Kind,
		log.LocalTimestamp, log.RemoteTimestamp, log.Reason, log.Resolution, log.Auto, log.ResolvedAt)
	return dbErr("create conflict log", err)
}

// ListConflictLogs returns the log entries of one submission, oldest first.
func (r *SubmissionRepository) ListConflictLogs(ctx context.Context, localID string) ([]*models.ConflictLog, error) {
	rows, err := r.q.QueryContext(ctx, `
	SELECT id, local_id, server_id, kind, local_timestamp, remote_timestamp, reason, resolution, auto, resolved_at
	FROM conflict_log WHERE local_id = ? ORDER BY resolved_at, id`, localID)
	if err != nil {
		return nil, dbErr("list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.LocalID, &l.ServerID, &l.Kind, &l.LocalTimestamp,
			&l.RemoteTimestamp, &l.Reason, &l.Resolution, &l.Auto, &l.ResolvedAt); err != nil {
			return nil, dbErr("scan conflict log", err)
		}
		logs = append(logs, &l)
	}
	return logs, dbErr("list conflict logs", rows.Err())
}
