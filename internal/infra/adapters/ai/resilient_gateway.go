package ai

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/infra/metrics"
	"chat-insights-batch/internal/infra/resilience"
)

var _ Gateway = (*ResilientGateway)(nil)

// ResilientGateway wraps every provider operation as retry(breaker(op)), each
// attempt bounded by the per-call timeout.
type ResilientGateway struct {
	inner   Gateway
	reg     *resilience.Registry
	timeout time.Duration
}

func NewResilientGateway(inner Gateway, reg *resilience.Registry, callTimeout time.Duration) *ResilientGateway {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &ResilientGateway{inner: inner, reg: reg, timeout: callTimeout}
}

func (g *ResilientGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.reg.Call(ctx, op, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		start := time.Now()
		err := fn(cctx)
		metrics.ObserveProviderCall(op, time.Since(start), err == nil)
		return err
	})
}

func (g *ResilientGateway) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	var id string
	err := g.call(ctx, resilience.OpUpload, func(ctx context.Context) error {
		var err error
		id, err = g.inner.UploadFile(ctx, filename, content)
		return err
	})
	return id, err
}

func (g *ResilientGateway) CreateBatch(ctx context.Context, inputFileID string) (adapter.CreatedBatch, error) {
	var out adapter.CreatedBatch
	err := g.call(ctx, resilience.OpCreation, func(ctx context.Context) error {
		var err error
		out, err = g.inner.CreateBatch(ctx, inputFileID)
		return err
	})
	return out, err
}

func (g *ResilientGateway) GetBatchStatus(ctx context.Context, batchID string) (adapter.BatchStatus, error) {
	var out adapter.BatchStatus
	err := g.call(ctx, resilience.OpStatus, func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetBatchStatus(ctx, batchID)
		return err
	})
	return out, err
}

func (g *ResilientGateway) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var out []byte
	err := g.call(ctx, resilience.OpDownload, func(ctx context.Context) error {
		var err error
		out, err = g.inner.DownloadFile(ctx, fileID)
		return err
	})
	return out, err
}

func (g *ResilientGateway) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	var (
		text  string
		usage adapter.Usage
	)
	err := g.call(ctx, resilience.OpIndividual, func(ctx context.Context) error {
		var err error
		text, usage, err = g.inner.ChatWithUsage(ctx, model, messages)
		return err
	})
	return text, usage, err
}
