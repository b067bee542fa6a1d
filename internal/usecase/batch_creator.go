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

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ BatchCreatorUseCase = (*batchCreatorUC)(nil)

type BatchCreatorUseCase interface {
	// CreateForTenant turns a tenant's pending requests into one provider batch
	// when the batching policy allows it.
	CreateForTenant(ctx context.Context, summary repository.PendingSummary) (*CreateResult, error)
	// ForceCreate skips the batching policy.
	ForceCreate(ctx context.Context, tenantID string) (*CreateResult, error)
}

type CreatorConfig struct {
	Model          string
	MaxBatchSize   int
	MaxBatchTokens int
}

type CreateResult struct {
	TenantID        string `json:"tenant_id"`
	BatchID         string `json:"batch_id,omitempty"`
	ProviderBatchID string `json:"provider_batch_id,omitempty"`
	Requests        int    `json:"requests"`
	Tokens          int    `json:"estimated_tokens"`
	Skipped         bool   `json:"skipped"`
	Reason          string `json:"reason"`
}

type batchCreatorUC struct {
	cfg      CreatorConfig
	tm       repository.TransactionManager
	requests repository.ProcessingRequestRepository
	batches  repository.BatchJobRepository
	sessions repository.ChatSessionRepository
	provider adapter.BatchProvider
	tokens   adapter.TokenCounter
	policy   *BatchingPolicy
	log      *zerolog.Logger
	now      func() time.Time
}

func NewBatchCreatorUseCase(
	cfg CreatorConfig,
	tm repository.TransactionManager,
	requests repository.ProcessingRequestRepository,
	batches repository.BatchJobRepository,
	sessions repository.ChatSessionRepository,
	provider adapter.BatchProvider,
	tokens adapter.TokenCounter,
	policy *BatchingPolicy,
	logger *zerolog.Logger,
	now func() time.Time,
) *batchCreatorUC {
	if now == nil {
		now = time.Now
	}
	return &batchCreatorUC{
		cfg:      cfg,
		tm:       tm,
		requests: requests,
		batches:  batches,
		sessions: sessions,
		provider: provider,
		tokens:   tokens,
		policy:   policy,
		log:      logger,
		now:      now,
	}
}

func (u *batchCreatorUC) CreateForTenant(ctx context.Context, summary repository.PendingSummary) (*CreateResult, error) {
	d := u.policy.Decide(summary.Count, summary.Oldest, u.now())
	if !d.Flush {
		return &CreateResult{TenantID: summary.TenantID, Skipped: true, Reason: d.Reason}, nil
	}
	return u.create(ctx, summary.TenantID, d.Reason)
}

func (u *batchCreatorUC) ForceCreate(ctx context.Context, tenantID string) (*CreateResult, error) {
	res, err := u.create(ctx, tenantID, FlushForced)
	if err == nil && res.Skipped {
		return res, domain.ErrNoPendingRequests
	}
	return res, err
}

func (u *batchCreatorUC) create(ctx context.Context, tenantID, reason string) (*CreateResult, error) {
	defer logging.TraceDuration(u.log, "BatchCreatorUC.create")()
	ctx = logging.WithTenantID(ctx, tenantID)
	log := logging.With(ctx, u.log)
	res := &CreateResult{TenantID: tenantID, Reason: reason}

	pending, err := u.requests.ListPendingForBatch(ctx, repository.NoTX, tenantID, u.cfg.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	lines, ids, tokens := u.buildLines(ctx, log, pending)
	if len(lines) == 0 {
		res.Skipped, res.Reason = true, HoldEmpty
		return res, nil
	}

	content, err := adapter.EncodeInputFile(lines)
	if err != nil {
		return nil, err
	}
	filename := fmt.Sprintf("%s-%s.jsonl", tenantID, u.now().UTC().Format("20060102T150405"))
	fileID, err := u.provider.UploadFile(ctx, filename, content)
	if err != nil {
		return nil, fmt.Errorf("upload batch input: %w", err)
	}
	created, err := u.provider.CreateBatch(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("create provider batch: %w", err)
	}

	status := MapProviderStatus(created.Status)
	job := &model.BatchJob{
		ID:              model.NewBatchJobID(),
		TenantID:        tenantID,
		ProviderBatchID: created.BatchID,
		InputFileID:     fileID,
		Status:          status,
		ProviderStatus:  created.Status,
		CreatedAt:       u.now(),
	}
	if status.FailedTerminal() {
		// nothing attached, so the requests simply stay pending
		job.ErrorMessage = "provider rejected batch at creation: " + created.Status
		if err := u.batches.Create(ctx, repository.NoTX, job); err != nil {
			return nil, err
		}
		metrics.IncBatchTerminal(string(status))
		return nil, fmt.Errorf("provider batch %s created as %s", created.BatchID, created.Status)
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		attached, err := u.requests.AttachToBatch(ctx, tx, ids, job.ID)
		if err != nil {
			return err
		}
		if len(attached) == 0 {
			return domain.ErrNoPendingRequests
		}
		job.RequestIDs = attached
		job.RequestCounts = model.RequestCounts{Total: len(attached)}
		return u.batches.Create(ctx, tx, job)
	})
	if errors.Is(err, domain.ErrNoPendingRequests) {
		log.Warn().Str("provider_batch_id", created.BatchID).Msg("requests were taken before attach; provider batch left unowned")
		res.Skipped, res.Reason = true, HoldEmpty
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record batch: %w", err)
	}

	res.BatchID = job.ID
	res.ProviderBatchID = created.BatchID
	res.Requests = len(job.RequestIDs)
	res.Tokens = tokens
	metrics.IncBatchCreated(res.Requests)
	log.Info().
		Str("batch_id", job.ID).
		Str("provider_batch_id", created.BatchID).
		Int("requests", res.Requests).
		Int("estimated_tokens", tokens).
		Str("reason", reason).
		Msg("batch created")
	return res, nil
}

// buildLines renders one input line per request, oldest first, until the
// token budget is spent. Requests whose session is gone are failed for good.
func (u *batchCreatorUC) buildLines(ctx context.Context, log *zerolog.Logger, pending []*model.ProcessingRequest) ([]adapter.InputLine, []string, int) {
	var (
		lines  []adapter.InputLine
		ids    []string
		total  int
		orphan []string
	)
	for _, req := range pending {
		session, err := u.sessions.FindForAnalysis(ctx, repository.NoTX, req.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			orphan = append(orphan, req.ID)
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("request_id", req.ID).Msg("session lookup failed; request kept pending")
			continue
		}
		modelName := req.Model
		if modelName == "" {
			modelName = u.cfg.Model
		}
		msgs := AnalysisMessages(session)
		n := u.tokens.CountTokens(modelName, msgs)
		if len(lines) > 0 && u.cfg.MaxBatchTokens > 0 && total+n > u.cfg.MaxBatchTokens {
			break
		}
		total += n
		lines = append(lines, adapter.NewInputLine(req.ID, modelName, msgs))
		ids = append(ids, req.ID)
	}
	if len(orphan) > 0 {
		n, err := u.requests.UpdateStatus(ctx, repository.NoTX, orphan, model.RequestFailed, model.RetryExhausted)
		if err != nil {
			log.Error().Err(err).Msg("failed to retire requests without a session")
		} else {
			log.Warn().Int("count", n).Msg("requests without a session retired")
		}
	}
	return lines, ids, total
}
