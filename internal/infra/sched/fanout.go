package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/logging"
	"chat-insights-batch/internal/infra/metrics"
	red "chat-insights-batch/internal/infra/redis"
	"chat-insights-batch/internal/infra/resilience"
	"chat-insights-batch/internal/infra/worker"
	"chat-insights-batch/internal/usecase"

	"github.com/rs/zerolog"
)

// Cadence names.
const (
	CadenceCreate    = "create"
	CadenceStatus    = "status"
	CadenceReconcile = "reconcile"
	CadenceRetry     = "retry"
)

var Cadences = []string{CadenceCreate, CadenceStatus, CadenceReconcile, CadenceRetry}

type FanOutConfig struct {
	RetryBatchSize int
	BatchTimeout   time.Duration
	// ClaimTimeout is how long an individual-retry claim may stay in flight
	// before the next retry tick takes it back.
	ClaimTimeout time.Duration
	LockTTL      time.Duration
}

// TickReport summarises one cadence tick across tenants.
type TickReport struct {
	Cadence string            `json:"cadence"`
	Tenants int               `json:"tenants"`
	Failed  int               `json:"failed"`
	Skipped int               `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// FanOut runs each cadence as one aggregate query followed by per-tenant
// tasks on a bounded pool. One tenant's failure never stops the others.
type FanOut struct {
	cfg        FanOutConfig
	cache      *TenantCache
	pool       *worker.Pool
	locker     red.Locker
	requests   repository.ProcessingRequestRepository
	batches    repository.BatchJobRepository
	provider   adapter.BatchProvider
	creator    usecase.BatchCreatorUseCase
	lifecycle  usecase.BatchLifecycleUseCase
	reconciler usecase.ResultReconcilerUseCase
	retry      usecase.IndividualRetryUseCase
	log        *zerolog.Logger
	now        func() time.Time
}

type FanOutDeps struct {
	Cache      *TenantCache
	Pool       *worker.Pool
	Locker     red.Locker
	Requests   repository.ProcessingRequestRepository
	Batches    repository.BatchJobRepository
	Provider   adapter.BatchProvider
	Creator    usecase.BatchCreatorUseCase
	Lifecycle  usecase.BatchLifecycleUseCase
	Reconciler usecase.ResultReconcilerUseCase
	Retry      usecase.IndividualRetryUseCase
	Now        func() time.Time
}

func NewFanOut(cfg FanOutConfig, d FanOutDeps, logger *zerolog.Logger) *FanOut {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.LockTTL < cfg.ClaimTimeout {
		cfg.LockTTL = cfg.ClaimTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	return &FanOut{
		cfg:        cfg,
		cache:      d.Cache,
		pool:       d.Pool,
		locker:     d.Locker,
		requests:   d.Requests,
		batches:    d.Batches,
		provider:   d.Provider,
		creator:    d.Creator,
		lifecycle:  d.Lifecycle,
		reconciler: d.Reconciler,
		retry:      d.Retry,
		log:        logging.Component(logger, "FanOut"),
		now:        d.Now,
	}
}

// RunCadence runs one tick. It fails when the aggregate query fails or when
// every tenant task failed.
func (f *FanOut) RunCadence(ctx context.Context, cadence string) error {
	_, err := f.Run(ctx, cadence)
	return err
}

func (f *FanOut) Run(ctx context.Context, cadence string) (*TickReport, error) {
	ctx = logging.WithCadence(ctx, cadence)
	switch cadence {
	case CadenceCreate:
		return f.runCreate(ctx)
	case CadenceStatus:
		return f.runStatus(ctx)
	case CadenceReconcile:
		return f.runReconcile(ctx)
	case CadenceRetry:
		return f.runRetry(ctx)
	}
	return nil, fmt.Errorf("%w: unknown cadence %q", domain.ErrInvalidArgument, cadence)
}

func (f *FanOut) runCreate(ctx context.Context) (*TickReport, error) {
	tenants, err := f.cache.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("active tenants: %w", err)
	}
	summaries, err := f.requests.SummarizePending(ctx, repository.NoTX, tenants)
	if err != nil {
		return nil, fmt.Errorf("summarize pending: %w", err)
	}
	byTenant := make(map[string]repository.PendingSummary, len(summaries))
	keys := make([]string, 0, len(summaries))
	for _, s := range summaries {
		byTenant[s.TenantID] = s
		keys = append(keys, s.TenantID)
	}
	return f.settle(ctx, CadenceCreate, keys, func(ctx context.Context, tenantID string) error {
		_, err := f.creator.CreateForTenant(ctx, byTenant[tenantID])
		return err
	})
}

func (f *FanOut) runStatus(ctx context.Context) (*TickReport, error) {
	tenants, err := f.cache.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("active tenants: %w", err)
	}
	jobs, err := f.batches.ListByStatus(ctx, repository.NoTX, tenants, model.NonTerminalBatchStatuses)
	if err != nil {
		return nil, fmt.Errorf("list in-flight batches: %w", err)
	}
	if _, err := f.StaleBatches(ctx); err != nil {
		f.log.Warn().Err(err).Msg("stale batch count failed")
	}
	groups, keys := groupBatches(jobs)
	return f.settle(ctx, CadenceStatus, keys, func(ctx context.Context, tenantID string) error {
		var errs []error
		for _, job := range groups[tenantID] {
			jctx := logging.WithBatchID(ctx, job.ID)
			st, err := f.provider.GetBatchStatus(jctx, job.ProviderBatchID)
			if err != nil {
				errs = append(errs, fmt.Errorf("poll %s: %w", job.ID, err))
				if resilience.IsCircuitOpen(err) {
					break
				}
				continue
			}
			if _, err := f.lifecycle.ApplyPoll(jctx, job, st); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				errs = append(errs, fmt.Errorf("apply poll %s: %w", job.ID, err))
			}
		}
		return errors.Join(errs...)
	})
}

func (f *FanOut) runReconcile(ctx context.Context) (*TickReport, error) {
	tenants, err := f.cache.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("active tenants: %w", err)
	}
	jobs, err := f.batches.ListByStatus(ctx, repository.NoTX, tenants, []model.BatchStatus{model.BatchCompleted})
	if err != nil {
		return nil, fmt.Errorf("list completed batches: %w", err)
	}
	groups, keys := groupBatches(jobs)
	return f.settle(ctx, CadenceReconcile, keys, func(ctx context.Context, tenantID string) error {
		var errs []error
		for _, job := range groups[tenantID] {
			if _, err := f.reconciler.Reconcile(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("reconcile %s: %w", job.ID, err))
				if resilience.IsCircuitOpen(err) {
					break
				}
			}
		}
		return errors.Join(errs...)
	})
}

func (f *FanOut) runRetry(ctx context.Context) (*TickReport, error) {
	if _, err := f.retry.RequeueStale(ctx, f.now().Add(-f.cfg.ClaimTimeout)); err != nil {
		f.log.Warn().Err(err).Msg("requeue of stale claims failed")
	}
	tenants, err := f.cache.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("active tenants: %w", err)
	}
	reqs, err := f.requests.ListFailedForRetry(ctx, repository.NoTX, tenants, f.cfg.RetryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retryable requests: %w", err)
	}
	groups := make(map[string][]*model.ProcessingRequest)
	var keys []string
	for _, r := range reqs {
		if _, ok := groups[r.TenantID]; !ok {
			keys = append(keys, r.TenantID)
		}
		groups[r.TenantID] = append(groups[r.TenantID], r)
	}
	return f.settle(ctx, CadenceRetry, keys, func(ctx context.Context, tenantID string) error {
		_, err := f.retry.RetryTenant(ctx, groups[tenantID])
		return err
	})
}

// StaleBatches counts in-flight batches older than the batch timeout and
// publishes the gauge.
func (f *FanOut) StaleBatches(ctx context.Context) (int, error) {
	n, err := f.batches.CountStale(ctx, repository.NoTX, f.now().Add(-f.cfg.BatchTimeout))
	if err != nil {
		return 0, err
	}
	metrics.SetStaleBatches(n)
	if n > 0 {
		f.log.Warn().Int("stale_batches", n).Dur("timeout", f.cfg.BatchTimeout).Msg("batches past timeout need attention")
	}
	return n, nil
}

func (f *FanOut) settle(ctx context.Context, cadence string, keys []string, task worker.Task) (*TickReport, error) {
	rep := &TickReport{Cadence: cadence, Tenants: len(keys)}
	if len(keys) == 0 {
		return rep, nil
	}

	results := f.pool.Settle(ctx, keys, func(ctx context.Context, tenantID string) error {
		ctx = logging.WithTenantID(ctx, tenantID)
		key := red.TenantCadenceKey(cadence, tenantID)
		token, err := f.locker.TryLock(ctx, key, f.cfg.LockTTL)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				f.log.Warn().Err(err).Str("key", key).Msg("unlock failed")
			}
		}()
		return task(ctx, tenantID)
	})

	for _, r := range results {
		switch {
		case r.Err == nil:
			metrics.IncTenantTask(cadence, "success")
		case errors.Is(r.Err, domain.ErrLockHeld):
			rep.Skipped++
			metrics.IncTenantTask(cadence, "skipped")
		default:
			rep.Failed++
			if rep.Errors == nil {
				rep.Errors = make(map[string]string)
			}
			rep.Errors[r.Key] = r.Err.Error()
			metrics.IncTenantTask(cadence, "failure")
			f.log.Error().Err(r.Err).Str("cadence", cadence).Str("tenant_id", r.Key).Msg("tenant task failed")
		}
	}

	if rep.Failed > 0 && rep.Failed == rep.Tenants-rep.Skipped {
		return rep, fmt.Errorf("%s: all %d tenant tasks failed", cadence, rep.Failed)
	}
	return rep, nil
}

func groupBatches(jobs []*model.BatchJob) (map[string][]*model.BatchJob, []string) {
	groups := make(map[string][]*model.BatchJob)
	var keys []string
	for _, j := range jobs {
		if _, ok := groups[j.TenantID]; !ok {
			keys = append(keys, j.TenantID)
		}
		groups[j.TenantID] = append(groups[j.TenantID], j)
	}
	return groups, keys
}
