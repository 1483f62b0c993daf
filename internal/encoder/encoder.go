// Package encoder turns captured form state into a PendingSubmission ready
// for the queue. It never touches the network.
package encoder

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/uuid"
)

// RawAttachment is one captured photo or signature.
type RawAttachment struct {
	Label string
	Data  []byte
}

// FormState is what the capture screens hand over. Either Fields or Form
// carries the values; Form wins when both are set.
type FormState struct {
	Fields      map[string]any
	Form        models.Form
	Attachments []RawAttachment
	// ServerID is set when the capture amends an existing server record.
	ServerID string
}

// Encoder validates and encodes submissions.
type Encoder struct {
	clock      clock.Clock
	compressor *media.Compressor
	newID      func() string
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithCompressor compresses attachments at capture time instead of
// leaving it to the sync engine.
func WithCompressor(c *media.Compressor) Option {
	return func(e *Encoder) { e.compressor = c }
}

// New creates an Encoder.
func New(clk clock.Clock, opts ...Option) *Encoder {
	e := &Encoder{clock: clk, newID: uuid.New}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode validates state for kind and returns a queued submission. All
// validation problems are reported together in one VALIDATION_FAILED
// error. With eager compression, attachments that cannot be compressed
// fail with COMPRESSION_FAILED so the agent can capture them again.
func (e *Encoder) Encode(kind models.InterventionKind, state FormState) (*models.PendingSubmission, error) {
	if _, ok := models.Requirements[kind]; !ok {
		return nil, apperrors.Validation("invalid submission", map[string]string{
			"kind": "is not a known intervention kind",
		})
	}

	problems := make(map[string]string)
	form, err := e.form(kind, state)
	if err := merge(problems, err); err != nil {
		return nil, err
	}
	if form != nil {
		if err := merge(problems, models.ValidateForm(form)); err != nil {
			return nil, err
		}
	}

	labels := make([]string, len(state.Attachments))
	types := make([]string, len(state.Attachments))
	for i, a := range state.Attachments {
		labels[i] = a.Label
		if a.Label == "" {
			continue // reported by CheckAttachments
		}
		if len(a.Data) == 0 {
			problems["attachments."+a.Label] = "is empty"
			continue
		}
		ct, err := media.DetectImage(a.Data)
		if err != nil {
			problems["attachments."+a.Label] = "is not an image"
			continue
		}
		types[i] = ct
	}
	if err := merge(problems, models.CheckAttachments(kind, labels)); err != nil {
		return nil, err
	}
	if err := apperrors.Validation("invalid submission", problems); err != nil {
		return nil, err
	}

	refs, err := e.attachments(state.Attachments, types)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	return &models.PendingSubmission{
		LocalID:     e.newID(),
		ServerID:    state.ServerID,
		Kind:        kind,
		Form:        form,
		Attachments: refs,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncState:   models.StateQueued,
	}, nil
}

func (e *Encoder) form(kind models.InterventionKind, state FormState) (models.Form, error) {
	if state.Form != nil {
		if state.Form.Kind() != kind {
			return nil, apperrors.Validation("invalid form", map[string]string{
				"kind": "form is a " + string(state.Form.Kind()) + " form",
			})
		}
		return state.Form, nil
	}
	return models.DecodeForm(kind, state.Fields)
}

func (e *Encoder) attachments(raw []RawAttachment, types []string) ([]models.AttachmentRef, error) {
	refs := make([]models.AttachmentRef, len(raw))
	for i, a := range raw {
		refs[i] = models.AttachmentRef{
			Label:       a.Label,
			Role:        models.RoleForLabel(a.Label),
			ContentType: types[i],
			Data:        a.Data,
		}
	}
	if e.compressor == nil {
		return refs, nil
	}

	failures := make([]error, len(raw))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range refs {
		g.Go(func() error {
			out, err := e.compressor.Compress(refs[i].Data)
			if err != nil {
				failures[i] = err
				return nil
			}
			refs[i].Data = out.Data
			refs[i].ContentType = out.ContentType
			refs[i].Width = out.Width
			refs[i].Height = out.Height
			refs[i].Compressed = true
			return nil
		})
	}
	_ = g.Wait()

	fields := make(map[string]string)
	for i, err := range failures {
		if err != nil {
			fields["attachments."+refs[i].Label] = err.Error()
		}
	}
	if len(fields) > 0 {
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrCompressionFailed,
			Message: "attachments could not be compressed, capture them again",
			Fields:  fields,
		}
	}
	return refs, nil
}

// merge copies the field messages of a validation error into problems.
// Any other error is returned as is.
func merge(problems map[string]string, err error) error {
	if err == nil {
		return nil
	}
	if !apperrors.Is(err, apperrors.ErrValidationFailed) {
		return err
	}
	for k, v := range apperrors.FieldsOf(err) {
		problems[k] = v
	}
	return nil
}
