package usecase

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain/ports/repository"
)

// Flush reasons reported by BatchingPolicy.Decide.
const (
	FlushSize    = "size"
	FlushMaxWait = "max_wait"
	FlushForced  = "forced"
	HoldEmpty    = "empty"
	HoldWaiting  = "waiting"
)

type FlushDecision struct {
	Flush  bool
	Reason string
}

type PolicyConfig struct {
	MinBatchSize int
	MaxWait      time.Duration
}

// BatchingPolicy decides when a tenant's pending requests become a batch.
type BatchingPolicy struct {
	cfg      PolicyConfig
	requests repository.ProcessingRequestRepository
	now      func() time.Time
}

func NewBatchingPolicy(cfg PolicyConfig, requests repository.ProcessingRequestRepository, now func() time.Time) *BatchingPolicy {
	if now == nil {
		now = time.Now
	}
	return &BatchingPolicy{cfg: cfg, requests: requests, now: now}
}

// Decide is the pure rule: flush at MinBatchSize, or once the oldest pending
// request has waited longer than MaxWait. Zero pending never flushes.
func (p *BatchingPolicy) Decide(count int, oldest, now time.Time) FlushDecision {
	switch {
	case count <= 0:
		return FlushDecision{Reason: HoldEmpty}
	case count >= p.cfg.MinBatchSize:
		return FlushDecision{Flush: true, Reason: FlushSize}
	case !oldest.IsZero() && now.Sub(oldest) > p.cfg.MaxWait:
		return FlushDecision{Flush: true, Reason: FlushMaxWait}
	}
	return FlushDecision{Reason: HoldWaiting}
}

// ShouldFlush evaluates the rule for one tenant, reading the oldest pending
// timestamp from the store only when the count alone does not decide.
func (p *BatchingPolicy) ShouldFlush(ctx context.Context, tenantID string, pendingCount int) (bool, error) {
	if pendingCount <= 0 {
		return false, nil
	}
	if pendingCount >= p.cfg.MinBatchSize {
		return true, nil
	}
	oldest, ok, err := p.requests.OldestPendingAt(ctx, repository.NoTX, tenantID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return p.Decide(pendingCount, oldest, p.now()).Flush, nil
}
