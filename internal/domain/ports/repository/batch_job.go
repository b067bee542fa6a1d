package repository

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain/model"
)

// BatchPatch carries the fields a status transition may set. Nil fields are left unchanged.
type BatchPatch struct {
	Status         model.BatchStatus
	ProviderStatus string
	OutputFileID   *string
	ErrorFileID    *string
	RequestCounts  *model.RequestCounts
	ErrorMessage   *string
	CompletedAt    *time.Time
	ProcessedAt    *time.Time
}

type BatchJobRepository interface {
	Create(ctx context.Context, tx Tx, job *model.BatchJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.BatchJob, error)
	// ListByStatus returns jobs of the given tenants in any of the statuses, oldest first.
	ListByStatus(ctx context.Context, tx Tx, tenantIDs []string, statuses []model.BatchStatus) ([]*model.BatchJob, error)
	// Transition applies patch only if the job is still in status from. It reports whether a row changed.
	Transition(ctx context.Context, tx Tx, id string, from model.BatchStatus, patch BatchPatch) (bool, error)
	// CountStale counts non-terminal jobs created before cutoff.
	CountStale(ctx context.Context, tx Tx, cutoff time.Time) (int, error)
}
