package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/encoder"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/conflict"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
)

const (
	maxSubmissionBytes = 96 << 20
	maxAttachmentBytes = 24 << 20
	multipartMemory    = 16 << 20

	defaultThumbnailEdge = 256
	maxThumbnailEdge     = 1024
	thumbnailCacheSize   = 128
)

// Trigger asks the scheduler for a sync pass.
type Trigger interface {
	Trigger(reason string)
}

// SubmissionHandler serves capture, listing and the decisions a user takes
// on failed or conflicting submissions.
type SubmissionHandler struct {
	queue      *queue.Queue
	encoder    *encoder.Encoder
	resolver   *conflict.Resolver
	compressor *media.Compressor
	trigger    Trigger
	thumbnails *lru.Cache[string, []byte]
}

// NewSubmissionHandler creates a new SubmissionHandler. trigger may be nil.
func NewSubmissionHandler(q *queue.Queue, enc *encoder.Encoder, resolver *conflict.Resolver, compressor *media.Compressor, trigger Trigger) *SubmissionHandler {
	// Only fails for a non-positive size.
	thumbnails, _ := lru.New[string, []byte](thumbnailCacheSize)
	return &SubmissionHandler{
		queue:      q,
		encoder:    enc,
		resolver:   resolver,
		compressor: compressor,
		trigger:    trigger,
		thumbnails: thumbnails,
	}
}

func (h *SubmissionHandler) kick(reason string) {
	if h.trigger != nil {
		h.trigger.Trigger(reason)
	}
}

// List handles GET /api/submissions?state=&kind=
// Both parameters may repeat.
func (h *SubmissionHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter queue.Filter
	query := r.URL.Query()
	for _, s := range query["state"] {
		state, err := models.ParseState(s)
		if err != nil {
			respondError(w, err)
			return
		}
		filter.States = append(filter.States, state)
	}
	for _, k := range query["kind"] {
		kind, err := models.ParseKind(k)
		if err != nil {
			respondError(w, err)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	items, err := h.queue.Collect(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if items == nil {
		items = []*models.PendingSubmission{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Create handles POST /api/submissions
// The multipart body carries kind, form (a JSON object), an optional
// serverId, and one file part per attachment named by its label.
func (h *SubmissionHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid multipart body", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	kind, err := models.ParseKind(r.FormValue("kind"))
	if err != nil {
		respondError(w, err)
		return
	}

	var fields map[string]any
	if raw := r.FormValue("form"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "form must be a JSON object", err))
			return
		}
	}

	state := encoder.FormState{
		Fields:   fields,
		ServerID: r.FormValue("serverId"),
	}
	// Parts arrive as a map; stored order follows the label.
	for _, label := range slices.Sorted(maps.Keys(r.MultipartForm.File)) {
		files := r.MultipartForm.File[label]
		if len(files) != 1 {
			respondError(w, apperrors.Validation("invalid attachments", map[string]string{
				"attachments." + label: "must be sent once",
			}))
			return
		}
		data, err := readPart(files[0])
		if err != nil {
			respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "read attachment "+label, err))
			return
		}
		state.Attachments = append(state.Attachments, encoder.RawAttachment{Label: label, Data: data})
	}

	sub, err := h.encoder.Encode(kind, state)
	if err != nil {
		respondError(w, err)
		return
	}
	localID, err := h.queue.Enqueue(r.Context(), sub)
	if err != nil {
		respondError(w, err)
		return
	}

	logging.Info("Submission captured", map[string]interface{}{
		"local_id":    localID,
		"kind":        kind,
		"attachments": len(state.Attachments),
	})
	h.kick("enqueue")

	stored, err := h.queue.Get(r.Context(), localID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxAttachmentBytes {
		return nil, fmt.Errorf("larger than %d bytes", maxAttachmentBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Get handles GET /api/submissions/{id}
func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// Discard handles DELETE /api/submissions/{id}
// The record and its attachments are gone afterwards, whatever its state.
func (h *SubmissionHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.queue.Remove(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	logging.Warn("Submission discarded by user", map[string]interface{}{"local_id": id})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "removed",
		"localId": id,
	})
}

// Retry handles POST /api/submissions/{id}/retry
func (h *SubmissionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sub, err := h.queue.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	h.kick("manual")
	respondJSON(w, http.StatusOK, sub)
}

// RetryAll handles POST /api/submissions/retry
func (h *SubmissionHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if n > 0 {
		h.kick("manual")
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// GetConflict handles GET /api/submissions/{id}/conflict
// Returns both versions for the decision screen.
func (h *SubmissionHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	versions, err := h.resolver.Versions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

// Resolve handles POST /api/submissions/{id}/resolve
// Body: {"decision": "keepLocal"|"keepServer"|"merge", "fields": {...}}
func (h *SubmissionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var choice conflict.Choice
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&choice); err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if err := h.resolver.Apply(r.Context(), id, choice); err != nil {
		respondError(w, err)
		return
	}

	if choice.Decision == conflict.KeepServer {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "removed",
			"localId": id,
		})
		return
	}
	h.kick("manual")
	sub, err := h.queue.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// ReplaceAttachment handles PUT /api/submissions/{id}/attachments/{label}
// The body is the newly captured image.
func (h *SubmissionHandler) ReplaceAttachment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "read attachment", err))
		return
	}
	if _, err := media.DetectImage(raw); err != nil {
		respondError(w, err)
		return
	}

	sub, err := h.queue.ReplaceAttachment(r.Context(), vars["id"], vars["label"], raw)
	if err != nil {
		respondError(w, err)
		return
	}
	h.kick("manual")
	respondJSON(w, http.StatusOK, sub)
}

// GetAttachment handles GET /api/submissions/{id}/attachments/{label}
func (h *SubmissionHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.attachment(w, r)
	if !ok {
		return
	}
	blob, err := h.queue.OpenBlob(ref.Hash)
	if err != nil {
		respondError(w, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	w.Header().Set("ETag", `"`+ref.Hash+`"`)
	if _, err := io.Copy(w, blob); err != nil {
		logging.Warn("Attachment download interrupted", map[string]interface{}{
			"hash":  ref.Hash,
			"error": err.Error(),
		})
	}
}

// GetThumbnail handles GET /api/submissions/{id}/attachments/{label}/thumbnail?edge=
// Thumbnails are cached by content hash.
func (h *SubmissionHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	edge := defaultThumbnailEdge
	if s := r.URL.Query().Get("edge"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 16 || n > maxThumbnailEdge {
			respondError(w, apperrors.Newf(apperrors.ErrInvalid, "edge must be between 16 and %d", maxThumbnailEdge))
			return
		}
		edge = n
	}

	ref, ok := h.attachment(w, r)
	if !ok {
		return
	}

	key := fmt.Sprintf("%s/%d", ref.Hash, edge)
	thumb, hit := h.thumbnails.Get(key)
	if !hit {
		raw, err := h.queue.ReadBlob(ref.Hash)
		if err != nil {
			respondError(w, err)
			return
		}
		thumb, err = h.compressor.Thumbnail(raw, edge)
		if err != nil {
			respondError(w, err)
			return
		}
		h.thumbnails.Add(key, thumb)
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(thumb)
}

func (h *SubmissionHandler) attachment(w http.ResponseWriter, r *http.Request) (models.AttachmentRef, bool) {
	vars := mux.Vars(r)
	sub, err := h.queue.Get(r.Context(), vars["id"])
	if err != nil {
		respondError(w, err)
		return models.AttachmentRef{}, false
	}
	ref, ok := sub.Attachment(vars["label"])
	if !ok {
		respondError(w, apperrors.Newf(apperrors.ErrNotFound, "submission %s has no attachment %q", sub.LocalID, vars["label"]))
		return models.AttachmentRef{}, false
	}
	return ref, true
}
