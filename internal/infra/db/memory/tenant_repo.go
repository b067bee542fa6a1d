package memory

import (
	"context"
	"sort"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.TenantRepository = (*TenantRepo)(nil)

type TenantRepo struct{ s *Store }

func (r *TenantRepo) Save(ctx context.Context, tx repository.Tx, t *model.Tenant) error {
	defer r.s.lock(tx)()
	c := *t
	r.s.tenants[t.ID] = &c
	return nil
}

func (r *TenantRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Tenant, error) {
	defer r.s.lock(tx)()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *TenantRepo) ListActiveIDs(ctx context.Context, tx repository.Tx) ([]string, error) {
	defer r.s.lock(tx)()
	var out []string
	for id, t := range r.s.tenants {
		if t.Status == model.TenantActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *TenantRepo) SetStatus(ctx context.Context, tx repository.Tx, id string, status model.TenantStatus) error {
	defer r.s.lock(tx)()
	t, ok := r.s.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}
