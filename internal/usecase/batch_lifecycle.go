package usecase

import (
	"context"
	"fmt"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/logging"
	"chat-insights-batch/internal/infra/metrics"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// MapProviderStatus is total: anything the provider may say lands on a local
// status, and statuses we do not know fail closed.
func MapProviderStatus(s string) model.BatchStatus {
	switch s {
	case adapter.ProviderValidating:
		return model.BatchValidating
	case adapter.ProviderInProgress:
		return model.BatchInProgress
	case adapter.ProviderFinalizing:
		return model.BatchFinalizing
	case adapter.ProviderCompleted:
		return model.BatchCompleted
	case adapter.ProviderCancelling, adapter.ProviderCancelled:
		return model.BatchCancelled
	case adapter.ProviderExpired, adapter.ProviderFailed:
		return model.BatchFailed
	default:
		return model.BatchFailed
	}
}

// Compile-time check
var _ BatchLifecycleUseCase = (*batchLifecycleUC)(nil)

type BatchLifecycleUseCase interface {
	// ApplyPoll moves job to the status the provider reported. Re-applying the
	// same response is a no-op.
	ApplyPoll(ctx context.Context, job *model.BatchJob, st adapter.BatchStatus) (model.BatchStatus, error)
	// FailBatch moves job to a terminal failure status and releases every
	// request it still owns back to pending, in one transaction.
	FailBatch(ctx context.Context, job *model.BatchJob, status model.BatchStatus, reason string) (int, error)
}

type batchLifecycleUC struct {
	tm       repository.TransactionManager
	batches  repository.BatchJobRepository
	requests repository.ProcessingRequestRepository
	alerter  adapter.Alerter
	log      *zerolog.Logger
	now      func() time.Time
}

func NewBatchLifecycleUseCase(
	tm repository.TransactionManager,
	batches repository.BatchJobRepository,
	requests repository.ProcessingRequestRepository,
	alerter adapter.Alerter,
	logger *zerolog.Logger,
	now func() time.Time,
) *batchLifecycleUC {
	if now == nil {
		now = time.Now
	}
	return &batchLifecycleUC{tm: tm, batches: batches, requests: requests, alerter: alerter, log: logger, now: now}
}

func (u *batchLifecycleUC) ApplyPoll(ctx context.Context, job *model.BatchJob, st adapter.BatchStatus) (model.BatchStatus, error) {
	target := MapProviderStatus(st.Status)
	log := logging.With(ctx, u.log)

	if job.Status.Terminal() {
		return job.Status, nil
	}
	if target.FailedTerminal() {
		reason := fmt.Sprintf("provider reported batch %s", st.Status)
		if _, err := u.FailBatch(ctx, job, target, reason); err != nil {
			return job.Status, err
		}
		return target, nil
	}

	if !model.CanTransition(job.Status, target) {
		log.Warn().Str("from", string(job.Status)).Str("to", string(target)).Str("provider_status", st.Status).Msg("ignoring backwards poll response")
		return job.Status, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, target)
	}
	counts := model.RequestCounts{Total: st.RequestCounts.Total, Completed: st.RequestCounts.Completed, Failed: st.RequestCounts.Failed}
	if target == job.Status && st.Status == job.ProviderStatus && counts == job.RequestCounts {
		return job.Status, nil
	}

	patch := repository.BatchPatch{
		Status:         target,
		ProviderStatus: st.Status,
		RequestCounts:  &counts,
	}
	if st.OutputFileID != "" {
		patch.OutputFileID = &st.OutputFileID
	}
	if st.ErrorFileID != "" {
		patch.ErrorFileID = &st.ErrorFileID
	}
	if target == model.BatchCompleted && job.Status != model.BatchCompleted {
		at := u.now()
		patch.CompletedAt = &at
	}

	ok, err := u.batches.Transition(ctx, repository.NoTX, job.ID, job.Status, patch)
	if err != nil {
		return job.Status, err
	}
	if !ok {
		// someone else moved it first; the next poll re-derives from there
		log.Debug().Str("from", string(job.Status)).Msg("batch changed concurrently")
		return job.Status, nil
	}
	if target != job.Status {
		log.Info().Str("from", string(job.Status)).Str("to", string(target)).Msg("batch status changed")
	}
	return target, nil
}

func (u *batchLifecycleUC) FailBatch(ctx context.Context, job *model.BatchJob, status model.BatchStatus, reason string) (int, error) {
	defer logging.TraceDuration(u.log, "BatchLifecycleUC.FailBatch")()
	if !status.FailedTerminal() {
		return 0, fmt.Errorf("%w: %s is not a failure status", domain.ErrInvalidArgument, status)
	}
	if job.Status.Terminal() {
		return 0, nil
	}

	var (
		released int
		moved    bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ok, err := u.batches.Transition(ctx, tx, job.ID, job.Status, repository.BatchPatch{
			Status:       status,
			ErrorMessage: &reason,
		})
		if err != nil || !ok {
			return err
		}
		moved = true
		released, err = u.requests.ReleaseBatch(ctx, tx, job.ID, fmt.Sprintf("batch %s %s: %s", job.ID, status, reason))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fail batch %s: %w", job.ID, err)
	}
	if !moved {
		return 0, nil
	}

	metrics.IncBatchTerminal(string(status))
	metrics.AddRequestsReleased(string(status), released)
	logging.With(ctx, u.log).Warn().
		Str("status", string(status)).
		Int("released", released).
		Str("reason", reason).
		Msg("batch failed; requests released")

	if u.alerter != nil {
		msg := fmt.Sprintf("Batch %s (tenant %s) %s: %s. %d requests returned to pending.", job.ID, job.TenantID, status, reason, released)
		if err := u.alerter.Alert(ctx, msg); err != nil {
			u.log.Warn().Err(err).Msg("alert delivery failed")
		}
	}
	return released, nil
}
