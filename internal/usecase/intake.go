package usecase

import (
	"context"
	"fmt"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ IntakeUseCase = (*intakeUC)(nil)

// IntakeUseCase stores finished chat sessions and queues them for analysis.
type IntakeUseCase interface {
	Submit(ctx context.Context, session *model.ChatSession) (*model.ProcessingRequest, error)
}

type intakeUC struct {
	tm       repository.TransactionManager
	tenants  repository.TenantRepository
	sessions repository.ChatSessionRepository
	requests repository.ProcessingRequestRepository
	model    string
	log      *zerolog.Logger
}

func NewIntakeUseCase(
	tm repository.TransactionManager,
	tenants repository.TenantRepository,
	sessions repository.ChatSessionRepository,
	requests repository.ProcessingRequestRepository,
	defaultModel string,
	logger *zerolog.Logger,
) *intakeUC {
	return &intakeUC{tm: tm, tenants: tenants, sessions: sessions, requests: requests, model: defaultModel, log: logger}
}

func (u *intakeUC) Submit(ctx context.Context, session *model.ChatSession) (*model.ProcessingRequest, error) {
	if session == nil || session.ID == "" || len(session.Messages) == 0 {
		return nil, fmt.Errorf("%w: session needs an id and at least one message", domain.ErrInvalidArgument)
	}
	t, err := u.tenants.FindByID(ctx, repository.NoTX, session.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", session.TenantID, err)
	}
	if t.Status != model.TenantActive {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, domain.ErrTenantInactive)
	}
	req, err := model.NewProcessingRequest(session.TenantID, session.ID, u.model)
	if err != nil {
		return nil, err
	}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.sessions.Save(ctx, tx, session); err != nil {
			return err
		}
		return u.requests.Create(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}
	u.log.Debug().Str("tenant_id", req.TenantID).Str("session_id", req.SessionID).Str("request_id", req.ID).Msg("session queued for analysis")
	return req, nil
}
