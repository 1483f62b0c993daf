package sync

import (
	"context"
	"time"
)

// SyncEngineInterface is what the scheduler and the status API need from
// the engine.
type SyncEngineInterface interface {
	// Sync runs one delivery pass over the queue. A cancelled pass returns
	// ctx.Err() after its records are back in queued.
	Sync(ctx context.Context) (*SyncResult, error)

	// NextWake returns the earliest time a retry or a sweep becomes due.
	// ok is false when nothing is waiting on time.
	NextWake(ctx context.Context) (at time.Time, ok bool, err error)

	// SetEventHandler registers the receiver of pass and record events.
	SetEventHandler(handler SyncEventHandler)

	Status() SyncStatus

	// LastSync is when the last pass completed without error.
	LastSync() *time.Time

	// PendingChanges is the number of unsettled records seen by the last
	// pass.
	PendingChanges() int

	LastError() error
}
