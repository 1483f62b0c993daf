// Package remote is the client side of the intervention API.
package remote

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
)

// AttachmentMeta describes one uploaded blob inside the payload.
type AttachmentMeta struct {
	Label       string                `json:"label"`
	Role        models.AttachmentRole `json:"role"`
	Hash        string                `json:"hash"`
	Size        int64                 `json:"size"`
	ContentType string                `json:"contentType"`
}

// Payload is the JSON part of a submission upload.
type Payload struct {
	LocalID     string                  `json:"localId"`
	ServerID    string                  `json:"serverId,omitempty"`
	Kind        models.InterventionKind `json:"kind"`
	CreatedAt   time.Time               `json:"createdAt"`
	BaseVersion time.Time               `json:"baseVersion,omitzero"`
	Fields      map[string]any          `json:"fields"`
	Attachments []AttachmentMeta        `json:"attachments"`
}

// NewPayload builds the wire payload of a submission.
func NewPayload(sub *models.PendingSubmission) (*Payload, error) {
	fields, err := models.FormFields(sub.Form)
	if err != nil {
		return nil, err
	}
	p := &Payload{
		LocalID:     sub.LocalID,
		ServerID:    sub.ServerID,
		Kind:        sub.Kind,
		CreatedAt:   sub.CreatedAt,
		BaseVersion: sub.BaseVersion,
		Fields:      fields,
		Attachments: make([]AttachmentMeta, len(sub.Attachments)),
	}
	for i, a := range sub.Attachments {
		p.Attachments[i] = AttachmentMeta{
			Label:       a.Label,
			Role:        a.Role,
			Hash:        a.Hash,
			Size:        a.Size,
			ContentType: a.ContentType,
		}
	}
	return p, nil
}

// Blob is an attachment body opened lazily while the request streams.
type Blob struct {
	AttachmentMeta
	Open func() (io.ReadCloser, error)
}

// Acceptance is the server's answer to an accepted submission.
type Acceptance struct {
	ServerID string `json:"serverId"`
}

// API is the remote intervention service. Submit must be safe to repeat
// with the same local id.
type API interface {
	Submit(ctx context.Context, payload *Payload, blobs []Blob) (*Acceptance, error)
	Health(ctx context.Context) error
}

// ConflictError carries the server state reported with a 409.
type ConflictError struct {
	Reason string
	Server models.ServerState
}

func (e *ConflictError) Error() string {
	return "semantic conflict: " + e.Reason
}

// AsConflict extracts the ConflictError from a Submit error.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func conflictErr(reason string, server models.ServerState) error {
	return apperrors.Wrap(apperrors.ErrSemanticConflict, reason, &ConflictError{Reason: reason, Server: server})
}
