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

var _ repository.ProcessingRequestRepository = (*RequestRepo)(nil)

type RequestRepo struct{ s *Store }

func (r *RequestRepo) Create(ctx context.Context, tx repository.Tx, req *model.ProcessingRequest) error {
	defer r.s.lock(tx)()
	if _, ok := r.s.requests[req.ID]; ok {
		return fmt.Errorf("request %s: %w", req.ID, domain.ErrAlreadyExists)
	}
	if err := req.CheckInvariant(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	r.s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *RequestRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ProcessingRequest, error) {
	defer r.s.lock(tx)()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRequest(req), nil
}

func pendingForBatch(req *model.ProcessingRequest) bool {
	return req.Status == model.RequestPending && req.RetryPath == model.RetryViaBatch
}

// oldestFirst orders by requested_at then id so results are stable.
func oldestFirst(rs []*model.ProcessingRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].RequestedAt.Equal(rs[j].RequestedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].RequestedAt.Before(rs[j].RequestedAt)
	})
}

func (r *RequestRepo) ListPendingForBatch(ctx context.Context, tx repository.Tx, tenantID string, limit int) ([]*model.ProcessingRequest, error) {
	defer r.s.lock(tx)()
	var out []*model.ProcessingRequest
	for _, req := range r.s.requests {
		if req.TenantID == tenantID && pendingForBatch(req) {
			out = append(out, cloneRequest(req))
		}
	}
	oldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RequestRepo) OldestPendingAt(ctx context.Context, tx repository.Tx, tenantID string) (time.Time, bool, error) {
	defer r.s.lock(tx)()
	var (
		oldest time.Time
		found  bool
	)
	for _, req := range r.s.requests {
		if req.TenantID != tenantID || !pendingForBatch(req) {
			continue
		}
		if !found || req.RequestedAt.Before(oldest) {
			oldest, found = req.RequestedAt, true
		}
	}
	return oldest, found, nil
}

func (r *RequestRepo) SummarizePending(ctx context.Context, tx repository.Tx, tenantIDs []string) ([]repository.PendingSummary, error) {
	defer r.s.lock(tx)()
	want := toSet(tenantIDs)
	agg := make(map[string]*repository.PendingSummary)
	for _, req := range r.s.requests {
		if !want[req.TenantID] || !pendingForBatch(req) {
			continue
		}
		s, ok := agg[req.TenantID]
		if !ok {
			s = &repository.PendingSummary{TenantID: req.TenantID, Oldest: req.RequestedAt}
			agg[req.TenantID] = s
		}
		s.Count++
		if req.RequestedAt.Before(s.Oldest) {
			s.Oldest = req.RequestedAt
		}
	}
	out := make([]repository.PendingSummary, 0, len(agg))
	for _, s := range agg {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (r *RequestRepo) AttachToBatch(ctx context.Context, tx repository.Tx, ids []string, batchID string) ([]string, error) {
	defer r.s.lock(tx)()
	attached := make([]string, 0, len(ids))
	for _, id := range ids {
		req, ok := r.s.requests[id]
		if !ok || !pendingForBatch(req) {
			continue
		}
		req.Status = model.RequestBatchingInProgress
		req.BatchID = strPtr(batchID)
		req.ErrorMessage = ""
		attached = append(attached, id)
	}
	return attached, nil
}

func (r *RequestRepo) ListByBatch(ctx context.Context, tx repository.Tx, batchID string) ([]*model.ProcessingRequest, error) {
	defer r.s.lock(tx)()
	var out []*model.ProcessingRequest
	for _, req := range r.s.requests {
		if req.OwnedBy(batchID) {
			out = append(out, cloneRequest(req))
		}
	}
	oldestFirst(out)
	return out, nil
}

func (r *RequestRepo) ReleaseBatch(ctx context.Context, tx repository.Tx, batchID, reason string) (int, error) {
	defer r.s.lock(tx)()
	n := 0
	for _, req := range r.s.requests {
		if !req.OwnedBy(batchID) {
			continue
		}
		req.Status = model.RequestPending
		req.RetryPath = model.RetryViaBatch
		req.BatchID = nil
		req.ErrorMessage = reason
		n++
	}
	return n, nil
}

// claimedIndividually is the only state an individual-path outcome may be applied to.
func claimedIndividually(req *model.ProcessingRequest) bool {
	return req.Status == model.RequestFailed && req.RetryPath == model.RetryIndividuallyInFlight
}

func (r *RequestRepo) owned(req *model.ProcessingRequest, batchID string) bool {
	if batchID == "" {
		return claimedIndividually(req)
	}
	return req.OwnedBy(batchID)
}

func (r *RequestRepo) MarkComplete(ctx context.Context, tx repository.Tx, id, batchID string, usage model.TokenUsage, at time.Time) (bool, error) {
	defer r.s.lock(tx)()
	req, ok := r.s.requests[id]
	if !ok || !r.owned(req, batchID) {
		return false, nil
	}
	u := usage
	req.Status = model.RequestComplete
	req.BatchID = nil
	req.Usage = &u
	req.Success = true
	req.ErrorMessage = ""
	req.CompletedAt = &at
	req.ClaimedAt = nil
	return true, nil
}

func (r *RequestRepo) MarkFailed(ctx context.Context, tx repository.Tx, id, batchID, reason string, path model.RetryPath) (bool, error) {
	defer r.s.lock(tx)()
	req, ok := r.s.requests[id]
	if !ok || !r.owned(req, batchID) {
		return false, nil
	}
	req.Status = model.RequestFailed
	req.RetryPath = path
	req.BatchID = nil
	req.Success = false
	req.ErrorMessage = reason
	req.ClaimedAt = nil
	return true, nil
}

func (r *RequestRepo) UpdateStatus(ctx context.Context, tx repository.Tx, ids []string, status model.RequestStatus, path model.RetryPath) (int, error) {
	if status == model.RequestBatchingInProgress {
		return 0, fmt.Errorf("%w: use AttachToBatch to batch requests", domain.ErrInvalidArgument)
	}
	defer r.s.lock(tx)()
	n := 0
	for _, id := range ids {
		req, ok := r.s.requests[id]
		if !ok || req.Attached() || req.RetryPath == model.RetryIndividuallyInFlight {
			continue
		}
		req.Status = status
		req.RetryPath = path
		n++
	}
	return n, nil
}

func (r *RequestRepo) ListFailedForRetry(ctx context.Context, tx repository.Tx, tenantIDs []string, perTenant int) ([]*model.ProcessingRequest, error) {
	defer r.s.lock(tx)()
	want := toSet(tenantIDs)
	byTenant := make(map[string][]*model.ProcessingRequest)
	for _, req := range r.s.requests {
		if want[req.TenantID] && req.Status == model.RequestFailed && req.RetryPath == model.RetryIndividually {
			byTenant[req.TenantID] = append(byTenant[req.TenantID], cloneRequest(req))
		}
	}
	var out []*model.ProcessingRequest
	for _, tid := range tenantIDs {
		rs := byTenant[tid]
		oldestFirst(rs)
		if perTenant > 0 && len(rs) > perTenant {
			rs = rs[:perTenant]
		}
		out = append(out, rs...)
		delete(byTenant, tid)
	}
	return out, nil
}

func (r *RequestRepo) ClaimForRetry(ctx context.Context, tx repository.Tx, id string, at time.Time) (bool, error) {
	defer r.s.lock(tx)()
	req, ok := r.s.requests[id]
	if !ok || req.Status != model.RequestFailed || req.RetryPath != model.RetryIndividually {
		return false, nil
	}
	req.RetryPath = model.RetryIndividuallyInFlight
	req.Attempts++
	req.ClaimedAt = &at
	return true, nil
}

func (r *RequestRepo) RequeueStaleClaims(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	defer r.s.lock(tx)()
	n := 0
	for _, req := range r.s.requests {
		if claimedIndividually(req) && req.ClaimedAt != nil && req.ClaimedAt.Before(cutoff) {
			req.RetryPath = model.RetryIndividually
			req.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *RequestRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.RequestStatus]int, error) {
	defer r.s.lock(tx)()
	out := make(map[model.RequestStatus]int)
	for _, req := range r.s.requests {
		out[req.Status]++
	}
	return out, nil
}

// All returns every request; tests use it to check global properties.
func (r *RequestRepo) All() []*model.ProcessingRequest {
	defer r.s.lock(nil)()
	out := make([]*model.ProcessingRequest, 0, len(r.s.requests))
	for _, req := range r.s.requests {
		out = append(out, cloneRequest(req))
	}
	oldestFirst(out)
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
