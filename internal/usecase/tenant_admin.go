package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ TenantAdminUseCase = (*tenantAdminUC)(nil)

type TenantAdminUseCase interface {
	Register(ctx context.Context, id, name string) (*model.Tenant, error)
	Activate(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Tenant, error)
}

// TenantChangeFunc is told about every tenant status change, e.g. to drop
// cached tenant lists locally and on other replicas.
type TenantChangeFunc func(ctx context.Context, tenantID string) error

type tenantAdminUC struct {
	tenants  repository.TenantRepository
	onChange []TenantChangeFunc
	log      *zerolog.Logger
	now      func() time.Time
}

func NewTenantAdminUseCase(tenants repository.TenantRepository, logger *zerolog.Logger, onChange ...TenantChangeFunc) *tenantAdminUC {
	return &tenantAdminUC{tenants: tenants, onChange: onChange, log: logger, now: time.Now}
}

func (u *tenantAdminUC) Register(ctx context.Context, id, name string) (*model.Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: tenant id is required", domain.ErrInvalidArgument)
	}
	if name == "" {
		name = id
	}
	if existing, err := u.tenants.FindByID(ctx, repository.NoTX, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	now := u.now()
	t := &model.Tenant{ID: id, Name: name, Status: model.TenantActive, CreatedAt: now, UpdatedAt: now}
	if err := u.tenants.Save(ctx, repository.NoTX, t); err != nil {
		return nil, err
	}
	u.changed(ctx, id)
	u.log.Info().Str("tenant_id", id).Msg("tenant registered")
	return t, nil
}

func (u *tenantAdminUC) Activate(ctx context.Context, id string) error {
	return u.setStatus(ctx, id, model.TenantActive)
}

func (u *tenantAdminUC) Suspend(ctx context.Context, id string) error {
	return u.setStatus(ctx, id, model.TenantSuspended)
}

func (u *tenantAdminUC) Get(ctx context.Context, id string) (*model.Tenant, error) {
	return u.tenants.FindByID(ctx, repository.NoTX, id)
}

func (u *tenantAdminUC) setStatus(ctx context.Context, id string, status model.TenantStatus) error {
	defer logging.TraceDuration(u.log, "TenantAdminUC.setStatus")()
	if err := u.tenants.SetStatus(ctx, repository.NoTX, id, status); err != nil {
		return fmt.Errorf("set tenant %s %s: %w", id, status, err)
	}
	u.changed(ctx, id)
	u.log.Info().Str("tenant_id", id).Str("status", string(status)).Msg("tenant status changed")
	return nil
}

// changed never fails the caller: caches expire on their own.
func (u *tenantAdminUC) changed(ctx context.Context, id string) {
	for _, fn := range u.onChange {
		if err := fn(ctx, id); err != nil {
			u.log.Warn().Err(err).Str("tenant_id", id).Msg("tenant change notification failed")
		}
	}
}
