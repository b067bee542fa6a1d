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

	"github.com/rs/zerolog"
)

// Compile-time check
var _ IndividualRetryUseCase = (*individualRetryUC)(nil)

type IndividualRetryUseCase interface {
	// RetryTenant retries a tenant's failed/individual requests one by one,
	// stopping early when the provider circuit is open.
	RetryTenant(ctx context.Context, reqs []*model.ProcessingRequest) (*RetryReport, error)
	// RequeueStale returns claims older than cutoff to failed/individual.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	// RequeueExhausted puts exhausted requests back on the batch path.
	RequeueExhausted(ctx context.Context, ids []string) (int, error)
}

type RetryReport struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

type individualRetryUC struct {
	tm          repository.TransactionManager
	requests    repository.ProcessingRequestRepository
	sessions    repository.ChatSessionRepository
	client      adapter.AnalysisClient
	model       string
	maxAttempts int
	log         *zerolog.Logger
	now         func() time.Time
}

func NewIndividualRetryUseCase(
	tm repository.TransactionManager,
	requests repository.ProcessingRequestRepository,
	sessions repository.ChatSessionRepository,
	client adapter.AnalysisClient,
	defaultModel string,
	maxAttempts int,
	logger *zerolog.Logger,
	now func() time.Time,
) *individualRetryUC {
	if now == nil {
		now = time.Now
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &individualRetryUC{
		tm:          tm,
		requests:    requests,
		sessions:    sessions,
		client:      client,
		model:       defaultModel,
		maxAttempts: maxAttempts,
		log:         logger,
		now:         now,
	}
}

func (u *individualRetryUC) RetryTenant(ctx context.Context, reqs []*model.ProcessingRequest) (*RetryReport, error) {
	defer logging.TraceDuration(u.log, "IndividualRetryUC.RetryTenant")()
	rep := &RetryReport{}
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ok, err := u.requests.ClaimForRetry(ctx, repository.NoTX, req.ID, u.now())
		if err != nil {
			return rep, fmt.Errorf("claim %s: %w", req.ID, err)
		}
		if !ok {
			rep.Skipped++
			continue
		}
		rep.Claimed++
		req.Attempts++

		err = u.retryOne(ctx, req)
		if err == nil {
			rep.Succeeded++
			metrics.IncRequestReconciled("individual", "complete")
			continue
		}
		exhausted, ferr := u.fail(ctx, req, err)
		if ferr != nil {
			return rep, ferr
		}
		if exhausted {
			rep.Exhausted++
			metrics.IncRequestReconciled("individual", "exhausted")
		} else {
			rep.Failed++
			metrics.IncRequestReconciled("individual", "failed")
		}
		if resilience.IsCircuitOpen(err) {
			// the rest would fail the same way and burn an attempt each
			return rep, err
		}
	}
	return rep, nil
}

func (u *individualRetryUC) retryOne(ctx context.Context, req *model.ProcessingRequest) error {
	session, err := u.sessions.FindForAnalysis(ctx, repository.NoTX, req.SessionID)
	if err != nil {
		return err
	}
	modelName := req.Model
	if modelName == "" {
		modelName = u.model
	}
	content, usage, err := u.client.ChatWithUsage(ctx, modelName, AnalysisMessages(session))
	if err != nil {
		return err
	}
	analysis, err := model.ParseSessionAnalysis(content, req.SessionID)
	if err != nil {
		return err
	}
	if err := applyAnalysis(ctx, u.tm, u.requests, u.sessions, req, "", analysis, usage, u.now()); err != nil {
		return err
	}
	metrics.ObserveTokens(modelName, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	return nil
}

// fail records the outcome of a failed attempt. A missing session or a
// request the provider rejects outright will never succeed, so those are
// exhausted right away. An attempt cut short by cancellation only releases
// the claim.
func (u *individualRetryUC) fail(ctx context.Context, req *model.ProcessingRequest, cause error) (bool, error) {
	path := model.RetryIndividually
	cancelled := errors.Is(cause, context.Canceled)
	if !cancelled && (req.Attempts >= u.maxAttempts ||
		errors.Is(cause, domain.ErrNotFound) ||
		(resilience.Classify(cause) == resilience.NonRetryable && !errors.Is(cause, model.ErrInvalidAnalysis))) {
		path = model.RetryExhausted
	}
	msg := fmt.Sprintf("individual attempt %d/%d: %v", req.Attempts, u.maxAttempts, cause)
	if _, err := u.requests.MarkFailed(context.WithoutCancel(ctx), repository.NoTX, req.ID, "", msg, path); err != nil {
		return false, fmt.Errorf("record failure for %s: %w", req.ID, err)
	}
	logging.With(ctx, u.log).Warn().Err(cause).
		Str("request_id", req.ID).
		Int("attempts", req.Attempts).
		Str("retry_path", string(path)).
		Msg("individual retry failed")
	return path == model.RetryExhausted, nil
}

func (u *individualRetryUC) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := u.requests.RequeueStaleClaims(ctx, repository.NoTX, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		u.log.Warn().Int("count", n).Time("cutoff", cutoff).Msg("stale individual claims requeued")
	}
	return n, nil
}

func (u *individualRetryUC) RequeueExhausted(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no request ids", domain.ErrInvalidArgument)
	}
	eligible := make([]string, 0, len(ids))
	for _, id := range ids {
		req, err := u.requests.FindByID(ctx, repository.NoTX, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if req.Status == model.RequestFailed && req.RetryPath == model.RetryExhausted {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}
	n, err := u.requests.UpdateStatus(ctx, repository.NoTX, eligible, model.RequestPending, model.RetryViaBatch)
	if err != nil {
		return 0, err
	}
	u.log.Info().Int("requested", len(ids)).Int("requeued", n).Msg("requests requeued for batching")
	return n, nil
}
