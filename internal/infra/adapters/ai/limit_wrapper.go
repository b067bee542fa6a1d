package ai

import (
	"context"

	"chat-insights-batch/internal/domain/ports/adapter"
)

// Compile-time check
var (
	_ adapter.BatchProvider  = (*limitedProvider)(nil)
	_ adapter.AnalysisClient = (*limitedProvider)(nil)
)

// Gateway is what the orchestrator needs from the provider.
type Gateway interface {
	adapter.BatchProvider
	adapter.AnalysisClient
}

type limitedProvider struct {
	inner Gateway
	sem   chan struct{}
}

// NewLimitedGateway caps in-flight provider calls across all tenants.
func NewLimitedGateway(inner Gateway, maxConcurrent int) Gateway {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedProvider{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedProvider) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limitedProvider) release() { <-l.sem }

func (l *limitedProvider) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	if err := l.acquire(ctx); err != nil {
		return "", err
	}
	defer l.release()
	return l.inner.UploadFile(ctx, filename, content)
}

func (l *limitedProvider) CreateBatch(ctx context.Context, inputFileID string) (adapter.CreatedBatch, error) {
	if err := l.acquire(ctx); err != nil {
		return adapter.CreatedBatch{}, err
	}
	defer l.release()
	return l.inner.CreateBatch(ctx, inputFileID)
}

func (l *limitedProvider) GetBatchStatus(ctx context.Context, batchID string) (adapter.BatchStatus, error) {
	if err := l.acquire(ctx); err != nil {
		return adapter.BatchStatus{}, err
	}
	defer l.release()
	return l.inner.GetBatchStatus(ctx, batchID)
}

func (l *limitedProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.DownloadFile(ctx, fileID)
}

func (l *limitedProvider) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if err := l.acquire(ctx); err != nil {
		return "", adapter.Usage{}, err
	}
	defer l.release()
	return l.inner.ChatWithUsage(ctx, model, messages)
}
