package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat-insights-batch/internal/domain"
)

type RequestStatus string

const (
	RequestPending            RequestStatus = "pending"
	RequestBatchingInProgress RequestStatus = "batching_in_progress"
	RequestComplete           RequestStatus = "complete"
	RequestFailed             RequestStatus = "failed"
)

// RetryPath tags which retry tier owns a request that is not yet complete.
// The batch cadence only picks up pending/batch; the retry cadence only picks
// up failed/individual. The two paths never select the same row.
type RetryPath string

const (
	RetryViaBatch             RetryPath = "batch"
	RetryIndividually         RetryPath = "individual"
	RetryIndividuallyInFlight RetryPath = "individual_in_flight"
	RetryExhausted            RetryPath = "exhausted"
)

const ProcessingTypeSessionAnalysis = "session_analysis"

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ProcessingRequest is one session awaiting AI analysis.
type ProcessingRequest struct {
	ID             string
	SessionID      string
	TenantID       string
	Model          string
	ProcessingType string
	Status         RequestStatus
	RetryPath      RetryPath
	BatchID        *string
	Usage          *TokenUsage
	Success        bool
	ErrorMessage   string
	Attempts       int
	RequestedAt    time.Time
	CompletedAt    *time.Time
	// ClaimedAt is set while the retry cadence holds the request.
	ClaimedAt *time.Time
}

func NewProcessingRequest(tenantID, sessionID, modelName string) (*ProcessingRequest, error) {
	if tenantID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: tenant and session are required", domain.ErrInvalidArgument)
	}
	return &ProcessingRequest{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		TenantID:       tenantID,
		Model:          modelName,
		ProcessingType: ProcessingTypeSessionAnalysis,
		Status:         RequestPending,
		RetryPath:      RetryViaBatch,
		RequestedAt:    time.Now(),
	}, nil
}

// Attached reports whether the request is currently owned by a batch.
func (r *ProcessingRequest) Attached() bool {
	return r.Status == RequestBatchingInProgress && r.BatchID != nil
}

// OwnedBy reports whether batchID is the batch currently owning the request.
func (r *ProcessingRequest) OwnedBy(batchID string) bool {
	return r.Attached() && *r.BatchID == batchID
}

// CheckInvariant verifies that a batch reference exists exactly while batching.
func (r *ProcessingRequest) CheckInvariant() error {
	switch r.Status {
	case RequestBatchingInProgress:
		if r.BatchID == nil {
			return fmt.Errorf("request %s: batching without batch id", r.ID)
		}
	default:
		if r.BatchID != nil {
			return fmt.Errorf("request %s: status %s carries batch id %s", r.ID, r.Status, *r.BatchID)
		}
	}
	return nil
}
