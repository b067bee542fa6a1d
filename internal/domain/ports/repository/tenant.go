package repository

import (
	"context"

	"chat-insights-batch/internal/domain/model"
)

type TenantRepository interface {
	Save(ctx context.Context, tx Tx, t *model.Tenant) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Tenant, error)
	ListActiveIDs(ctx context.Context, tx Tx) ([]string, error)
	SetStatus(ctx context.Context, tx Tx, id string, status model.TenantStatus) error
}
