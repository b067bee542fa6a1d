package repository

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain/model"
)

// PendingSummary aggregates a tenant's pending-for-batch backlog.
type PendingSummary struct {
	TenantID string
	Count    int
	Oldest   time.Time
}

type ProcessingRequestRepository interface {
	Create(ctx context.Context, tx Tx, req *model.ProcessingRequest) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.ProcessingRequest, error)

	// ListPendingForBatch returns pending/batch requests of one tenant, oldest first.
	ListPendingForBatch(ctx context.Context, tx Tx, tenantID string, limit int) ([]*model.ProcessingRequest, error)
	// OldestPendingAt returns the requested_at of the tenant's oldest pending/batch request.
	OldestPendingAt(ctx context.Context, tx Tx, tenantID string) (time.Time, bool, error)
	// SummarizePending aggregates the pending/batch backlog of all given tenants in one query.
	SummarizePending(ctx context.Context, tx Tx, tenantIDs []string) ([]PendingSummary, error)

	// AttachToBatch moves still-pending requests into batchID and returns the ids attached.
	AttachToBatch(ctx context.Context, tx Tx, ids []string, batchID string) ([]string, error)
	ListByBatch(ctx context.Context, tx Tx, batchID string) ([]*model.ProcessingRequest, error)
	// ReleaseBatch detaches every request still attached to batchID back to pending/batch.
	ReleaseBatch(ctx context.Context, tx Tx, batchID, reason string) (int, error)

	// MarkComplete completes a request owned by batchID (or claimed for individual retry when batchID is empty).
	MarkComplete(ctx context.Context, tx Tx, id, batchID string, usage model.TokenUsage, at time.Time) (bool, error)
	// MarkFailed fails a request owned by batchID (or claimed for individual retry when batchID is empty),
	// detaching it and tagging the retry path.
	MarkFailed(ctx context.Context, tx Tx, id, batchID, reason string, path model.RetryPath) (bool, error)
	// UpdateStatus bulk-updates status for non-attached requests.
	UpdateStatus(ctx context.Context, tx Tx, ids []string, status model.RequestStatus, path model.RetryPath) (int, error)

	// ListFailedForRetry returns failed/individual requests across tenants, oldest first per tenant.
	ListFailedForRetry(ctx context.Context, tx Tx, tenantIDs []string, perTenant int) ([]*model.ProcessingRequest, error)
	// ClaimForRetry flips failed/individual to failed/individual_in_flight and counts the attempt;
	// false when someone else claimed it.
	ClaimForRetry(ctx context.Context, tx Tx, id string, at time.Time) (bool, error)
	// RequeueStaleClaims hands individual_in_flight claims older than cutoff back to the retry path.
	RequeueStaleClaims(ctx context.Context, tx Tx, cutoff time.Time) (int, error)

	CountByStatus(ctx context.Context, tx Tx) (map[model.RequestStatus]int, error)
}
