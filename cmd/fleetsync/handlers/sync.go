// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	syncpkg "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/scheduler"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/telemetry"
)

// Engine is the read side of the sync engine shown on the status screen.
type Engine interface {
	Status() syncpkg.SyncStatus
	LastSync() *time.Time
	PendingChanges() int
	LastError() error
	GetErrorHistory() []syncpkg.SyncErrorEntry
}

// Scheduler runs passes on request.
type Scheduler interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	Status() scheduler.SchedulerStatus
}

// Connectivity takes platform online/offline reports.
type Connectivity interface {
	Report(online bool)
	Online() bool
	Since() time.Time
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	queue        *queue.Queue
	engine       Engine
	scheduler    Scheduler
	connectivity Connectivity
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(q *queue.Queue, engine Engine, sched Scheduler, conn Connectivity) *SyncHandler {
	return &SyncHandler{
		queue:        q,
		engine:       engine,
		scheduler:    sched,
		connectivity: conn,
	}
}

// GetStatus handles GET /api/status
// Returns queue counts, engine and scheduler state, connectivity and the
// local counters.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	response := map[string]interface{}{
		"counts":          counts,
		"status":          h.engine.Status(),
		"pending_changes": h.engine.PendingChanges(),
		"scheduler":       h.scheduler.Status(),
		"online":          h.connectivity.Online(),
		"online_since":    h.connectivity.Since().UTC(),
		"recent_errors":   h.engine.GetErrorHistory(),
		"telemetry":       telemetry.Get(),
	}
	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["last_sync"] = lastSync.UTC()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
		response["last_error_code"] = apperrors.CodeOf(err)
	}

	respondJSON(w, http.StatusOK, response)
}

// SyncNow handles POST /api/sync
// Runs a pass and waits for it. Fails fast while offline.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"attempted":     result.Attempted,
		"uploaded":      result.Uploaded,
		"failed":        result.Failed,
		"conflicts":     result.Conflicts,
		"auto_resolved": result.AutoResolved,
		"removed":       result.Removed,
		"duration":      result.Duration.Milliseconds(),
	})
}

// ReportConnectivity handles POST /api/connectivity
// Body: {"online": true}. The report is debounced before it takes effect.
func (h *SyncHandler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&request); err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if request.Online == nil {
		respondError(w, apperrors.Validation("invalid request body", map[string]string{"online": "is required"}))
		return
	}

	h.connectivity.Report(*request.Online)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"reported": *request.Online,
		"online":   h.connectivity.Online(),
	})
}
