// Package handlers provides the local REST API the capture UI talks to.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
)

// NewRouter registers every route. ws may be nil when no push channel is
// served.
func NewRouter(subs *SubmissionHandler, sh *SyncHandler, ws http.Handler) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", healthCheck).Methods(http.MethodGet)

	api.HandleFunc("/status", sh.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", sh.SyncNow).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", sh.ReportConnectivity).Methods(http.MethodPost)

	api.HandleFunc("/submissions", subs.List).Methods(http.MethodGet)
	api.HandleFunc("/submissions", subs.Create).Methods(http.MethodPost)
	api.HandleFunc("/submissions/retry", subs.RetryAll).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{id}", subs.Get).Methods(http.MethodGet)
	api.HandleFunc("/submissions/{id}", subs.Discard).Methods(http.MethodDelete)
	api.HandleFunc("/submissions/{id}/retry", subs.Retry).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{id}/conflict", subs.GetConflict).Methods(http.MethodGet)
	api.HandleFunc("/submissions/{id}/resolve", subs.Resolve).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{id}/attachments/{label}", subs.GetAttachment).Methods(http.MethodGet)
	api.HandleFunc("/submissions/{id}/attachments/{label}", subs.ReplaceAttachment).Methods(http.MethodPut)
	api.HandleFunc("/submissions/{id}/attachments/{label}/thumbnail", subs.GetThumbnail).Methods(http.MethodGet)

	if ws != nil {
		r.Handle("/ws", ws)
	}
	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "fleetsync",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// respondError sends an error response carrying the error code and, for
// validation failures, the per-field messages.
func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)

	body := map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	}
	if fields := apperrors.FieldsOf(err); len(fields) > 0 {
		body["fields"] = fields
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	respondJSON(w, status, body)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrInvalidFormat:
		return http.StatusBadRequest
	case apperrors.ErrValidationFailed, apperrors.ErrCompressionFailed:
		return http.StatusUnprocessableEntity
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalidTransition, apperrors.ErrSyncFailed:
		return http.StatusConflict
	case apperrors.ErrNetworkFailure:
		return http.StatusServiceUnavailable
	case apperrors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
