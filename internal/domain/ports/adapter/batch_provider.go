package adapter

import "context"

// Provider batch status vocabulary.
const (
	ProviderValidating = "validating"
	ProviderInProgress = "in_progress"
	ProviderFinalizing = "finalizing"
	ProviderCompleted  = "completed"
	ProviderFailed     = "failed"
	ProviderExpired    = "expired"
	ProviderCancelling = "cancelling"
	ProviderCancelled  = "cancelled"
)

type RequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

type CreatedBatch struct {
	BatchID string
	Status  string
}

type BatchStatus struct {
	BatchID       string
	Status        string
	OutputFileID  string
	ErrorFileID   string
	RequestCounts RequestCounts
}

// BatchProvider is the port for the external asynchronous batch API.
type BatchProvider interface {
	// UploadFile stores JSONL content for batch input and returns the file id.
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (CreatedBatch, error)
	GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}
