// Package conflict detects and settles divergence between a queued
// submission and the server record it writes to.
//
// The server reports a conflict; the resolver decides whether it is real.
// Only a local record whose overlapping fields already match the server is
// settled automatically (the server keeps its copy and the local duplicate
// is dropped). Everything else waits for a human decision.
package conflict

import (
	"context"
	"sort"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/codec"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
)

// Decision is how a conflict is settled.
type Decision string

const (
	KeepLocal  Decision = "keepLocal"
	KeepServer Decision = "keepServer"
	Merge      Decision = "merge"
)

// Choice is a human decision. Fields is only read for Merge and holds the
// values that replace the local ones, keyed by wire field name.
type Choice struct {
	Decision Decision       `json:"decision"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Conflict is a confirmed divergence.
type Conflict struct {
	LocalID         string
	ServerID        string
	Kind            models.InterventionKind
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
	Missing         bool
	// Differing lists overlapping fields whose values differ, sorted.
	Differing []string
}

// Resolution is the resolver's verdict on a server-reported conflict.
type Resolution struct {
	// Decision is set only when Auto is true.
	Decision Decision
	Auto     bool
	// Confirmed is false when the server reported a conflict that the
	// local detection rule does not reproduce. Such records are still held.
	Confirmed bool
	Conflict  *Conflict
}

// Pending reports whether the record waits for a human.
func (r Resolution) Pending() bool { return !r.Auto }

// Versions is what the UI shows at the decision point.
type Versions struct {
	LocalID    string                  `json:"localId"`
	Kind       models.InterventionKind `json:"kind"`
	CreatedAt  time.Time               `json:"createdAt"`
	Local      map[string]any          `json:"local"`
	Server     models.ServerState      `json:"server"`
	Reason     string                  `json:"reason"`
	DetectedAt time.Time               `json:"detectedAt"`
	Differing  []string                `json:"differing"`
	History    []*models.ConflictLog   `json:"history"`
}

// Resolver applies conflict outcomes through the queue.
type Resolver struct {
	queue *queue.Queue
	clock clock.Clock
}

// NewResolver creates a new Resolver.
func NewResolver(q *queue.Queue, clk clock.Clock) *Resolver {
	return &Resolver{queue: q, clock: clk}
}

// =====================================================
// Detection
// =====================================================

// Detect reports whether sub really conflicts with the server state. The
// server must have changed after the capture (or after the server version
// the agent last accepted) and an overlapping field must differ. A missing
// server entity always conflicts.
func Detect(sub *models.PendingSubmission, server models.ServerState) (*Conflict, bool) {
	c := &Conflict{
		LocalID:         sub.LocalID,
		ServerID:        server.ServerID,
		Kind:            sub.Kind,
		LocalTimestamp:  sub.CreatedAt,
		RemoteTimestamp: server.LastModified,
		Missing:         server.Missing,
	}
	if c.ServerID == "" {
		c.ServerID = sub.ServerID
	}
	if server.Missing {
		return c, true
	}

	since := sub.CreatedAt
	if sub.BaseVersion.After(since) {
		since = sub.BaseVersion
	}
	if !server.LastModified.After(since) {
		return nil, false
	}

	local, err := models.FormFields(sub.Form)
	if err != nil {
		return nil, false
	}
	overlap, differing := compareFields(local, server.Fields)
	if overlap == 0 || len(differing) == 0 {
		return nil, false
	}
	c.Differing = differing
	return c, true
}

// Resolve classifies a server-reported conflict without changing anything.
// Only a server copy identical to the capture, field for field and
// attachment for attachment, is settled automatically (keepServer). Anything
// else waits for a human; last-writer-wins is never applied.
func Resolve(sub *models.PendingSubmission, server models.ServerState) Resolution {
	c, confirmed := Detect(sub, server)
	if server.Missing {
		return Resolution{Confirmed: true, Conflict: c}
	}
	if identical(sub, server) {
		return Resolution{Decision: KeepServer, Auto: true, Confirmed: confirmed, Conflict: c}
	}
	return Resolution{Confirmed: confirmed, Conflict: c}
}

// identical reports whether the server holds exactly this capture: the same
// field set with the same values, and the same content under every label.
func identical(sub *models.PendingSubmission, server models.ServerState) bool {
	if len(server.Fields) == 0 || !sameAttachments(sub.Attachments, server.Attachments) {
		return false
	}
	local := sub.FormHash
	if local == "" {
		var err error
		if local, err = models.FormFingerprint(sub.Form); err != nil {
			return false
		}
	}
	remote, err := codec.FieldsFingerprint(server.Fields)
	return err == nil && local == remote
}

func sameAttachments(local []models.AttachmentRef, server map[string]string) bool {
	if len(local) != len(server) {
		return false
	}
	for _, a := range local {
		if h, ok := server[a.Label]; !ok || a.Hash == "" || h != a.Hash {
			return false
		}
	}
	return true
}

// compareFields counts keys present on both sides and lists those whose
// values differ.
func compareFields(local, server map[string]any) (int, []string) {
	overlap := 0
	var differing []string
	for k, lv := range local {
		sv, ok := server[k]
		if !ok {
			continue
		}
		overlap++
		if !equalValue(lv, sv) {
			differing = append(differing, k)
		}
	}
	sort.Strings(differing)
	return overlap, differing
}

// equalValue compares decoded JSON or CBOR values. Numbers compare by value
// whatever their decoded type.
func equalValue(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !equalValue(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

// =====================================================
// Persistence
// =====================================================

// Handle records a server-reported conflict on an uploading record and
// settles it automatically when Resolve allows.
func (r *Resolver) Handle(ctx context.Context, sub *models.PendingSubmission, reason string, server models.ServerState) (Resolution, error) {
	res := Resolve(sub, server)
	now := r.clock.Now().UTC()

	fields := map[string]interface{}{
		"local_id":         sub.LocalID,
		"server_id":        server.ServerID,
		"kind":             string(sub.Kind),
		"local_timestamp":  sub.CreatedAt.UnixMilli(),
		"remote_timestamp": server.LastModified.UnixMilli(),
		"reason":           reason,
		"confirmed":        res.Confirmed,
	}
	if res.Conflict != nil {
		fields["differing"] = res.Conflict.Differing
	}
	logging.Warn("Submission conflict detected", fields)

	_, err := r.queue.Update(ctx, sub.LocalID, queue.Patch{
		SyncState: queue.State(models.StateConflict),
		LastError: queue.Ptr(reason),
		ErrorCode: queue.Ptr(string(apperrors.ErrSemanticConflict)),
		Conflict: &models.ConflictDetail{
			Reason:     reason,
			Server:     server,
			DetectedAt: now,
		},
	})
	if err != nil {
		return res, err
	}

	if res.Auto {
		if err := r.apply(ctx, sub.LocalID, Choice{Decision: res.Decision}, true); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Apply settles a held conflict. KeepServer drops the local record. KeepLocal
// and Merge requeue it against the server version shown to the agent, with
// its retry budget restored.
func (r *Resolver) Apply(ctx context.Context, localID string, choice Choice) error {
	return r.apply(ctx, localID, choice, false)
}

func (r *Resolver) apply(ctx context.Context, localID string, choice Choice, auto bool) error {
	sub, err := r.queue.Get(ctx, localID)
	if err != nil {
		return err
	}
	if sub.SyncState != models.StateConflict || sub.Conflict == nil {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "submission %s has no open conflict", localID)
	}
	server := sub.Conflict.Server

	switch choice.Decision {
	case KeepServer:
		if err := r.queue.Remove(ctx, localID); err != nil {
			return err
		}

	case KeepLocal, Merge:
		patch := queue.Patch{
			SyncState:     queue.State(models.StateQueued),
			RetryCount:    queue.Ptr(0),
			LastError:     queue.Ptr(""),
			ErrorCode:     queue.Ptr(""),
			NextAttemptAt: queue.Ptr(time.Time{}),
			BaseVersion:   queue.Ptr(server.LastModified),
			ClearConflict: true,
		}
		if server.Missing {
			// The entity is gone; delivering again creates a new one.
			patch.ServerID = queue.Ptr("")
			patch.BaseVersion = queue.Ptr(time.Time{})
		}
		if choice.Decision == Merge {
			form, err := mergeForm(sub, choice.Fields)
			if err != nil {
				return err
			}
			patch.Form = form
		}
		if _, err := r.queue.Update(ctx, localID, patch); err != nil {
			return err
		}

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown conflict decision %q", choice.Decision)
	}

	entry := &models.ConflictLog{
		LocalID:         localID,
		ServerID:        server.ServerID,
		Kind:            string(sub.Kind),
		LocalTimestamp:  sub.CreatedAt.UnixMilli(),
		RemoteTimestamp: server.LastModified.UnixMilli(),
		Reason:          sub.Conflict.Reason,
		Resolution:      string(choice.Decision),
		Auto:            auto,
		ResolvedAt:      r.clock.Now().UnixMilli(),
	}
	if err := r.queue.LogConflict(ctx, entry); err != nil {
		// The decision is already committed; a lost log line is not worth failing it.
		logging.Error("Failed to store conflict log", err, map[string]interface{}{"local_id": localID})
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"local_id":         localID,
		"server_id":        server.ServerID,
		"resolution":       string(choice.Decision),
		"auto":             auto,
		"local_timestamp":  entry.LocalTimestamp,
		"remote_timestamp": entry.RemoteTimestamp,
	})
	return nil
}

// mergeForm overlays the chosen values on the local fields and decodes the
// result into a form of the record's kind. Validation happens in the queue.
func mergeForm(sub *models.PendingSubmission, chosen map[string]any) (models.Form, error) {
	if len(chosen) == 0 {
		return nil, apperrors.Validation("merge needs fields", map[string]string{"fields": "is required"})
	}
	merged, err := models.FormFields(sub.Form)
	if err != nil {
		return nil, err
	}
	for k, v := range chosen {
		merged[k] = v
	}
	return models.DecodeForm(sub.Kind, merged)
}

// Versions returns both sides of a held conflict together with the
// record's resolution history.
func (r *Resolver) Versions(ctx context.Context, localID string) (*Versions, error) {
	sub, err := r.queue.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	if sub.SyncState != models.StateConflict || sub.Conflict == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "submission %s has no open conflict", localID)
	}
	local, err := models.FormFields(sub.Form)
	if err != nil {
		return nil, err
	}
	history, err := r.queue.ConflictLogs(ctx, localID)
	if err != nil {
		return nil, err
	}
	_, differing := compareFields(local, sub.Conflict.Server.Fields)

	return &Versions{
		LocalID:    sub.LocalID,
		Kind:       sub.Kind,
		CreatedAt:  sub.CreatedAt,
		Local:      local,
		Server:     sub.Conflict.Server,
		Reason:     sub.Conflict.Reason,
		DetectedAt: sub.Conflict.DetectedAt,
		Differing:  differing,
		History:    history,
	}, nil
}
