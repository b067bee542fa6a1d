package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type BatchStatus string

const (
	BatchValidating BatchStatus = "validating"
	BatchInProgress BatchStatus = "in_progress"
	BatchFinalizing BatchStatus = "finalizing"
	BatchCompleted  BatchStatus = "completed"
	BatchProcessed  BatchStatus = "processed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// NonTerminalBatchStatuses are the statuses the poll cadence tracks.
var NonTerminalBatchStatuses = []BatchStatus{BatchValidating, BatchInProgress, BatchFinalizing}

// Terminal reports whether no further transition may leave s.
// completed is not terminal: reconciliation moves it to processed.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchProcessed, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// FailedTerminal reports a terminal failure status that releases requests.
func (s BatchStatus) FailedTerminal() bool {
	return s == BatchFailed || s == BatchCancelled
}

var batchRank = map[BatchStatus]int{
	BatchValidating: 0,
	BatchInProgress: 1,
	BatchFinalizing: 2,
	BatchCompleted:  3,
	BatchProcessed:  4,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Forward moves along validating..processed are allowed (a poll may skip
// stages), failure statuses are reachable from any non-terminal status, and a
// self-transition is a no-op that is always legal.
func CanTransition(from, to BatchStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to.FailedTerminal() {
		return true
	}
	fr, ok1 := batchRank[from]
	tr, ok2 := batchRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if to == BatchProcessed {
		return from == BatchCompleted
	}
	return tr > fr
}

type RequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

// BatchJob tracks one provider-side batch submission.
type BatchJob struct {
	ID              string
	TenantID        string
	ProviderBatchID string
	InputFileID     string
	OutputFileID    *string
	ErrorFileID     *string
	Status          BatchStatus
	ProviderStatus  string
	RequestCounts   RequestCounts
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	ProcessedAt     *time.Time
	RequestIDs      []string
}

// NewBatchJobID returns a time-sortable id for a new batch record.
func NewBatchJobID() string {
	return ulid.Make().String()
}

// Reconcilable reports whether the reconciler may run on the job. A completed
// batch may have only an error file when every line failed.
func (b *BatchJob) Reconcilable() bool {
	return b.Status == BatchCompleted
}

// HasOutput reports whether the provider produced an output file.
func (b *BatchJob) HasOutput() bool {
	return b.OutputFileID != nil && *b.OutputFileID != ""
}

// HasErrors reports whether the provider produced an error file.
func (b *BatchJob) HasErrors() bool {
	return b.ErrorFileID != nil && *b.ErrorFileID != ""
}

// Stale reports a non-terminal batch older than timeout.
func (b *BatchJob) Stale(now time.Time, timeout time.Duration) bool {
	if b.Status.Terminal() || b.Status == BatchCompleted {
		return false
	}
	return now.Sub(b.CreatedAt) > timeout
}
