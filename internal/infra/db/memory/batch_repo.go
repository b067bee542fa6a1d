package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.BatchJobRepository = (*BatchRepo)(nil)

type BatchRepo struct{ s *Store }

func (r *BatchRepo) Create(ctx context.Context, tx repository.Tx, job *model.BatchJob) error {
	defer r.s.lock(tx)()
	if _, ok := r.s.batches[job.ID]; ok {
		return fmt.Errorf("batch %s: %w", job.ID, domain.ErrAlreadyExists)
	}
	r.s.batches[job.ID] = cloneBatch(job)
	return nil
}

func (r *BatchRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.BatchJob, error) {
	defer r.s.lock(tx)()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (r *BatchRepo) ListByStatus(ctx context.Context, tx repository.Tx, tenantIDs []string, statuses []model.BatchStatus) ([]*model.BatchJob, error) {
	defer r.s.lock(tx)()
	want := toSet(tenantIDs)
	st := make(map[model.BatchStatus]bool, len(statuses))
	for _, s := range statuses {
		st[s] = true
	}
	var out []*model.BatchJob
	for _, b := range r.s.batches {
		if want[b.TenantID] && st[b.Status] {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *BatchRepo) Transition(ctx context.Context, tx repository.Tx, id string, from model.BatchStatus, p repository.BatchPatch) (bool, error) {
	defer r.s.lock(tx)()
	b, ok := r.s.batches[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if b.Status != from {
		return false, nil
	}
	if p.Status != "" {
		b.Status = p.Status
	}
	if p.ProviderStatus != "" {
		b.ProviderStatus = p.ProviderStatus
	}
	if p.OutputFileID != nil {
		b.OutputFileID = strPtr(*p.OutputFileID)
	}
	if p.ErrorFileID != nil {
		b.ErrorFileID = strPtr(*p.ErrorFileID)
	}
	if p.RequestCounts != nil {
		b.RequestCounts = *p.RequestCounts
	}
	if p.ErrorMessage != nil {
		b.ErrorMessage = *p.ErrorMessage
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		b.CompletedAt = &t
	}
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		b.ProcessedAt = &t
	}
	return true, nil
}

func (r *BatchRepo) CountStale(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	defer r.s.lock(tx)()
	n := 0
	for _, b := range r.s.batches {
		if !b.Status.Terminal() && b.Status != model.BatchCompleted && b.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
