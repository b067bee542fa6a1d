package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.TenantRepository = (*TenantRepo)(nil)

type TenantRepo struct {
	pool *pgxpool.Pool
}

func NewTenantRepo(pool *pgxpool.Pool) *TenantRepo {
	return &TenantRepo{pool: pool}
}

func (r *TenantRepo) Save(ctx context.Context, tx repository.Tx, t *model.Tenant) error {
	const q = `
INSERT INTO tenants (id, name, status, created_at, updated_at)
VALUES ($1,$2,$3,COALESCE($4,NOW()),NOW())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  status = EXCLUDED.status,
  updated_at = NOW();`
	if _, err := execSQL(ctx, r.pool, tx, q, t.ID, t.Name, string(t.Status), nullTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (r *TenantRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Tenant, error) {
	const q = `SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = $1;`
	var (
		t      model.Tenant
		status string
	)
	if err := pickRow(ctx, r.pool, tx, q, id).Scan(&t.ID, &t.Name, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	t.Status = model.TenantStatus(status)
	return &t, nil
}

func (r *TenantRepo) ListActiveIDs(ctx context.Context, tx repository.Tx) ([]string, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT id FROM tenants WHERE status = 'active' ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *TenantRepo) SetStatus(ctx context.Context, tx repository.Tx, id string, status model.TenantStatus) error {
	const q = `UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(status))
	if err != nil {
		return fmt.Errorf("set tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
