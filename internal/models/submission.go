// Package models provides data model definitions for the submission pipeline.
package models

import (
	"time"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// InterventionKind identifies which form a submission carries.
type InterventionKind string

const (
	KindWashing      InterventionKind = "washing"
	KindFuelDelivery InterventionKind = "fuelDelivery"
	KindTankRefill   InterventionKind = "tankRefill"
	KindConvoy       InterventionKind = "convoy"
)

// Kinds lists every supported intervention kind.
var Kinds = []InterventionKind{KindWashing, KindFuelDelivery, KindTankRefill, KindConvoy}

// ParseKind validates a kind received from the UI.
func ParseKind(s string) (InterventionKind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown intervention kind %q", s)
}

// SyncState is the delivery state of a PendingSubmission.
type SyncState string

const (
	StateQueued      SyncState = "queued"
	StateCompressing SyncState = "compressing"
	StateUploading   SyncState = "uploading"
	StateSynced      SyncState = "synced"
	StateConflict    SyncState = "conflict"
	StateFailed      SyncState = "failed"
)

// UnsettledStates are the states a sync pass still has to look at.
var UnsettledStates = []SyncState{StateQueued, StateCompressing, StateUploading, StateFailed, StateConflict}

// ParseState validates a state filter received from the UI.
func ParseState(s string) (SyncState, error) {
	if s == string(StateSynced) {
		return StateSynced, nil
	}
	for _, st := range UnsettledStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown sync state %q", s)
}

var transitions = map[SyncState][]SyncState{
	StateQueued:      {StateCompressing},
	StateCompressing: {StateUploading, StateFailed, StateQueued},
	StateUploading:   {StateSynced, StateConflict, StateFailed, StateQueued},
	StateFailed:      {StateQueued},
	StateConflict:    {StateQueued},
}

// CanTransition reports whether a record may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to SyncState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AttachmentRole separates photos from signatures.
type AttachmentRole string

const (
	RolePhoto     AttachmentRole = "photo"
	RoleSignature AttachmentRole = "signature"
)

// AttachmentRef points at a staged blob owned by one submission.
type AttachmentRef struct {
	Label       string         `json:"label"`
	Role        AttachmentRole `json:"role"`
	Hash        string         `json:"hash"`
	Size        int64          `json:"size"`
	ContentType string         `json:"contentType"`
	Handle      string         `json:"handle"`
	Compressed  bool           `json:"compressed"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`

	// Data holds bytes not yet written to the blob store. The queue
	// clears it once the blob is staged.
	Data []byte `json:"-" cbor:"-"`
}

// ServerState is the server's view of the entity a submission targets.
type ServerState struct {
	ServerID     string         `json:"serverId,omitempty"`
	LastModified time.Time      `json:"lastModified,omitzero"`
	Fields       map[string]any `json:"fields,omitempty"`
	// Attachments maps each stored label to its content hash.
	Attachments map[string]string `json:"attachments,omitempty"`
	Missing     bool              `json:"missing,omitempty"`
}

// ConflictDetail is kept on a record while it waits in StateConflict.
type ConflictDetail struct {
	Reason     string      `json:"reason"`
	Server     ServerState `json:"server"`
	DetectedAt time.Time   `json:"detectedAt"`
}

// PendingSubmission is one captured intervention on its way to the server.
type PendingSubmission struct {
	LocalID       string           `json:"localId"`
	ServerID      string           `json:"serverId,omitempty"`
	Kind          InterventionKind `json:"kind"`
	Form          Form             `json:"form"`
	Attachments   []AttachmentRef  `json:"attachments"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	SyncState     SyncState        `json:"syncState"`
	RetryCount    int              `json:"retryCount"`
	LastError     string           `json:"lastError,omitempty"`
	ErrorCode     string           `json:"errorCode,omitempty"`
	NextAttemptAt time.Time        `json:"nextAttemptAt,omitzero"`
	BaseVersion   time.Time        `json:"baseVersion,omitzero"`
	Conflict      *ConflictDetail  `json:"conflict,omitempty"`
	SyncedAt      time.Time        `json:"syncedAt,omitzero"`

	// FormHash and EntityKey are the fingerprint and target key written
	// with the record's last store. Both are empty until it is stored.
	FormHash  string `json:"formHash,omitempty"`
	EntityKey string `json:"-"`
}

// TableName returns the table name for PendingSubmission.
func (PendingSubmission) TableName() string {
	return "pending_submissions"
}

// TargetKey identifies the server entity the submission writes to.
// Submissions sharing a key are delivered strictly in creation order.
func (s *PendingSubmission) TargetKey() string {
	if s.ServerID != "" {
		return string(s.Kind) + ":" + s.ServerID
	}
	if s.Form == nil {
		return string(s.Kind) + ":" + s.LocalID
	}
	return s.Form.TargetKey()
}

// NeedsAttention reports whether automatic retries have been exhausted.
func (s *PendingSubmission) NeedsAttention(maxRetries int) bool {
	return s.SyncState == StateFailed && s.RetryCount >= maxRetries
}

// Labels returns the attachment labels in order.
func (s *PendingSubmission) Labels() []string {
	labels := make([]string, len(s.Attachments))
	for i, a := range s.Attachments {
		labels[i] = a.Label
	}
	return labels
}

// Attachment returns the attachment with the given label.
func (s *PendingSubmission) Attachment(label string) (AttachmentRef, bool) {
	for _, a := range s.Attachments {
		if a.Label == label {
			return a, true
		}
	}
	return AttachmentRef{}, false
}
