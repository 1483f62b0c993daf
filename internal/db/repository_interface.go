// Package db provides repository interfaces for the submission store.
package db

import (
	"context"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
)

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns the entries recorded for one submission.
	ListConflictLogs(ctx context.Context, localID string) ([]*models.ConflictLog, error)
}

// Ensure *SubmissionRepository implements the interfaces at compile time.
var (
	_ ConflictLogRepository = (*SubmissionRepository)(nil)
)
