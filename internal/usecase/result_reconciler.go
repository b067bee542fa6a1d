package usecase

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
	"chat-insights-batch/internal/infra/resilience"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ ResultReconcilerUseCase = (*resultReconcilerUC)(nil)

type ResultReconcilerUseCase interface {
	Reconcile(ctx context.Context, job *model.BatchJob) (*ReconcileReport, error)
}

// ReconcileReport counts what happened to each result line of one batch.
type ReconcileReport struct {
	BatchID   string `json:"batch_id"`
	Lines     int    `json:"lines"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Invalid   int    `json:"invalid"`
	Malformed int    `json:"malformed"`
	Ignored   int    `json:"ignored"`
	Missing   int    `json:"missing"`
	Errors    int    `json:"errors"`
}

type resultReconcilerUC struct {
	tm        repository.TransactionManager
	requests  repository.ProcessingRequestRepository
	batches   repository.BatchJobRepository
	sessions  repository.ChatSessionRepository
	provider  adapter.BatchProvider
	lifecycle BatchLifecycleUseCase
	log       *zerolog.Logger
	now       func() time.Time
}

func NewResultReconcilerUseCase(
	tm repository.TransactionManager,
	requests repository.ProcessingRequestRepository,
	batches repository.BatchJobRepository,
	sessions repository.ChatSessionRepository,
	provider adapter.BatchProvider,
	lifecycle BatchLifecycleUseCase,
	logger *zerolog.Logger,
	now func() time.Time,
) *resultReconcilerUC {
	if now == nil {
		now = time.Now
	}
	return &resultReconcilerUC{
		tm:        tm,
		requests:  requests,
		batches:   batches,
		sessions:  sessions,
		provider:  provider,
		lifecycle: lifecycle,
		log:       logger,
		now:       now,
	}
}

var errNotOwned = errors.New("request not owned by batch")

func (u *resultReconcilerUC) Reconcile(ctx context.Context, job *model.BatchJob) (*ReconcileReport, error) {
	defer logging.TraceDuration(u.log, "ResultReconcilerUC.Reconcile")()
	if !job.Reconcilable() {
		return nil, fmt.Errorf("%w: batch %s is %s", domain.ErrBatchNotReconcilable, job.ID, job.Status)
	}
	ctx = logging.WithBatchID(logging.WithTenantID(ctx, job.TenantID), job.ID)
	log := logging.With(ctx, u.log)
	rep := &ReconcileReport{BatchID: job.ID}

	if job.HasOutput() {
		content, err := u.provider.DownloadFile(ctx, *job.OutputFileID)
		if resilience.IsCircuitOpen(err) {
			// not attempted; the batch stays completed for the next tick
			return nil, fmt.Errorf("download output %s: %w", *job.OutputFileID, err)
		}
		if err != nil {
			reason := fmt.Sprintf("output download failed: %v", err)
			if _, ferr := u.lifecycle.FailBatch(ctx, job, model.BatchFailed, reason); ferr != nil {
				return nil, errors.Join(err, ferr)
			}
			return nil, fmt.Errorf("download output %s: %w", *job.OutputFileID, err)
		}
		u.applyLines(ctx, log, job, content, "output", rep)
	} else {
		log.Warn().Msg("completed batch has no output file")
	}

	if job.HasErrors() {
		errContent, err := u.provider.DownloadFile(ctx, *job.ErrorFileID)
		switch {
		case resilience.IsCircuitOpen(err):
			// applied output lines are no longer owned, so the rerun skips them
			return rep, fmt.Errorf("download error file %s: %w", *job.ErrorFileID, err)
		case err != nil:
			log.Warn().Err(err).Str("file_id", *job.ErrorFileID).Msg("error file download failed; unmatched requests go to individual retry")
		default:
			u.applyLines(ctx, log, job, errContent, "error", rep)
		}
	}

	leftover, err := u.requests.ListByBatch(ctx, repository.NoTX, job.ID)
	if err != nil {
		return rep, fmt.Errorf("list leftovers: %w", err)
	}
	for _, req := range leftover {
		ok, err := u.requests.MarkFailed(ctx, repository.NoTX, req.ID, job.ID, "no usable result line in batch output", model.RetryIndividually)
		if err != nil {
			return rep, fmt.Errorf("detach leftover %s: %w", req.ID, err)
		}
		if ok {
			rep.Missing++
			metrics.IncRequestReconciled("batch", "missing")
		}
	}

	at := u.now()
	ok, err := u.batches.Transition(ctx, repository.NoTX, job.ID, model.BatchCompleted, repository.BatchPatch{
		Status:      model.BatchProcessed,
		ProcessedAt: &at,
	})
	if err != nil {
		return rep, err
	}
	if ok {
		metrics.IncBatchTerminal(string(model.BatchProcessed))
	}
	log.Info().
		Int("lines", rep.Lines).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("invalid", rep.Invalid).
		Int("malformed", rep.Malformed).
		Int("ignored", rep.Ignored).
		Int("missing", rep.Missing).
		Msg("batch reconciled")
	return rep, nil
}

// applyLines handles each line on its own; nothing a single line does can
// stop the rest.
func (u *resultReconcilerUC) applyLines(ctx context.Context, log *zerolog.Logger, job *model.BatchJob, content []byte, file string, rep *ReconcileReport) {
	for i, raw := range adapter.SplitLines(content) {
		rep.Lines++
		line, err := adapter.ParseResultLine(raw)
		if err != nil {
			rep.Malformed++
			metrics.IncMalformedLine()
			log.Warn().Err(err).Str("file", file).Int("line", i+1).Msg("skipping malformed result line")
			continue
		}
		if err := u.applyLine(ctx, job, line, rep); err != nil {
			rep.Errors++
			log.Error().Err(err).Str("file", file).Int("line", i+1).Str("request_id", line.RequestID()).Msg("failed to apply result line")
		}
	}
}

func (u *resultReconcilerUC) applyLine(ctx context.Context, job *model.BatchJob, line adapter.ResultLine, rep *ReconcileReport) error {
	req, err := u.requests.FindByID(ctx, repository.NoTX, line.RequestID())
	if errors.Is(err, domain.ErrNotFound) {
		rep.Ignored++
		return nil
	}
	if err != nil {
		return err
	}
	if !req.OwnedBy(job.ID) {
		rep.Ignored++
		logging.With(ctx, u.log).Debug().Str("request_id", req.ID).Str("status", string(req.Status)).Msg("ignoring result for request not owned by batch")
		return nil
	}

	switch l := line.(type) {
	case *adapter.SuccessLine:
		analysis, err := model.ParseSessionAnalysis(l.Content, req.SessionID)
		if err != nil {
			rep.Invalid++
			metrics.IncRequestReconciled("batch", "invalid")
			_, err = u.requests.MarkFailed(ctx, repository.NoTX, req.ID, job.ID, err.Error(), model.RetryIndividually)
			return err
		}
		err = applyAnalysis(ctx, u.tm, u.requests, u.sessions, req, job.ID, analysis, l.Usage, u.now())
		if errors.Is(err, errNotOwned) {
			rep.Ignored++
			return nil
		}
		if err != nil {
			return err
		}
		rep.Succeeded++
		metrics.IncRequestReconciled("batch", "complete")
		metrics.ObserveTokens(req.Model, l.Usage.PromptTokens, l.Usage.CompletionTokens, l.Usage.TotalTokens)
		return nil
	case *adapter.ErrorLine:
		rep.Failed++
		metrics.IncRequestReconciled("batch", "provider_error")
		_, err := u.requests.MarkFailed(ctx, repository.NoTX, req.ID, job.ID, l.Error(), model.RetryIndividually)
		return err
	default:
		return fmt.Errorf("%w: unexpected line type %T", adapter.ErrMalformedLine, line)
	}
}

// applyAnalysis writes the session analysis and completes the request in one
// transaction. batchID is empty for the individual path.
func applyAnalysis(
	ctx context.Context,
	tm repository.TransactionManager,
	requests repository.ProcessingRequestRepository,
	sessions repository.ChatSessionRepository,
	req *model.ProcessingRequest,
	batchID string,
	analysis *model.SessionAnalysis,
	usage adapter.Usage,
	at time.Time,
) error {
	return tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := sessions.ApplyAnalysis(ctx, tx, req.SessionID, analysis, at); err != nil {
			return err
		}
		ok, err := requests.MarkComplete(ctx, tx, req.ID, batchID, model.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}, at)
		if err != nil {
			return err
		}
		if !ok {
			return errNotOwned
		}
		return nil
	})
}
