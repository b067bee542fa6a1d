package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.ProcessingRequestRepository = (*ProcessingRequestRepo)(nil)

type ProcessingRequestRepo struct {
	pool *pgxpool.Pool
}

func NewProcessingRequestRepo(pool *pgxpool.Pool) *ProcessingRequestRepo {
	return &ProcessingRequestRepo{pool: pool}
}

const requestCols = `id, session_id, tenant_id, model, processing_type, status, retry_path, batch_id,
  prompt_tokens, completion_tokens, total_tokens, success, error_message, attempts,
  requested_at, completed_at, claimed_at`

func scanRequest(row pgx.Row) (*model.ProcessingRequest, error) {
	var (
		r                  model.ProcessingRequest
		status, path       string
		prompt, completion *int
		total              *int
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.TenantID, &r.Model, &r.ProcessingType, &status, &path, &r.BatchID,
		&prompt, &completion, &total, &r.Success, &r.ErrorMessage, &r.Attempts,
		&r.RequestedAt, &r.CompletedAt, &r.ClaimedAt); err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	r.RetryPath = model.RetryPath(path)
	if total != nil {
		r.Usage = &model.TokenUsage{TotalTokens: *total}
		if prompt != nil {
			r.Usage.PromptTokens = *prompt
		}
		if completion != nil {
			r.Usage.CompletionTokens = *completion
		}
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]*model.ProcessingRequest, error) {
	defer rows.Close()
	var out []*model.ProcessingRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r *ProcessingRequestRepo) Create(ctx context.Context, tx repository.Tx, req *model.ProcessingRequest) error {
	const q = `
INSERT INTO processing_requests (id, session_id, tenant_id, model, processing_type, status, retry_path, batch_id,
  success, error_message, attempts, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,COALESCE($12,NOW()));`
	var requestedAt *time.Time
	if !req.RequestedAt.IsZero() {
		requestedAt = &req.RequestedAt
	}
	_, err := execSQL(ctx, r.pool, tx, q,
		req.ID, req.SessionID, req.TenantID, req.Model, req.ProcessingType, string(req.Status), string(req.RetryPath),
		req.BatchID, req.Success, req.ErrorMessage, req.Attempts, requestedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (r *ProcessingRequestRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ProcessingRequest, error) {
	q := `SELECT ` + requestCols + ` FROM processing_requests WHERE id = $1;`
	req, err := scanRequest(pickRow(ctx, r.pool, tx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find request: %w", err)
	}
	return req, nil
}

func (r *ProcessingRequestRepo) ListPendingForBatch(ctx context.Context, tx repository.Tx, tenantID string, limit int) ([]*model.ProcessingRequest, error) {
	q := `SELECT ` + requestCols + `
FROM processing_requests
WHERE tenant_id = $1 AND status = 'pending' AND retry_path = 'batch'
ORDER BY requested_at, id
LIMIT NULLIF($2::int, 0);`
	rows, err := queryRows(ctx, r.pool, tx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectRequests(rows)
}

func (r *ProcessingRequestRepo) OldestPendingAt(ctx context.Context, tx repository.Tx, tenantID string) (time.Time, bool, error) {
	const q = `
SELECT MIN(requested_at) FROM processing_requests
WHERE tenant_id = $1 AND status = 'pending' AND retry_path = 'batch';`
	var oldest *time.Time
	if err := pickRow(ctx, r.pool, tx, q, tenantID).Scan(&oldest); err != nil {
		return time.Time{}, false, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return *oldest, true, nil
}

func (r *ProcessingRequestRepo) SummarizePending(ctx context.Context, tx repository.Tx, tenantIDs []string) ([]repository.PendingSummary, error) {
	const q = `
SELECT tenant_id, COUNT(*), MIN(requested_at)
FROM processing_requests
WHERE tenant_id = ANY($1) AND status = 'pending' AND retry_path = 'batch'
GROUP BY tenant_id
ORDER BY tenant_id;`
	rows, err := queryRows(ctx, r.pool, tx, q, tenantIDs)
	if err != nil {
		return nil, fmt.Errorf("summarize pending: %w", err)
	}
	defer rows.Close()
	var out []repository.PendingSummary
	for rows.Next() {
		var s repository.PendingSummary
		if err := rows.Scan(&s.TenantID, &s.Count, &s.Oldest); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ProcessingRequestRepo) AttachToBatch(ctx context.Context, tx repository.Tx, ids []string, batchID string) ([]string, error) {
	const q = `
UPDATE processing_requests
SET status = 'batching_in_progress', batch_id = $2, error_message = ''
WHERE id = ANY($1) AND status = 'pending' AND retry_path = 'batch'
RETURNING id;`
	rows, err := queryRows(ctx, r.pool, tx, q, ids, batchID)
	if err != nil {
		return nil, fmt.Errorf("attach to batch: %w", err)
	}
	defer rows.Close()
	got := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		got[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// keep caller order (oldest first)
	attached := make([]string, 0, len(got))
	for _, id := range ids {
		if got[id] {
			attached = append(attached, id)
		}
	}
	return attached, nil
}

func (r *ProcessingRequestRepo) ListByBatch(ctx context.Context, tx repository.Tx, batchID string) ([]*model.ProcessingRequest, error) {
	q := `SELECT ` + requestCols + `
FROM processing_requests
WHERE batch_id = $1 AND status = 'batching_in_progress'
ORDER BY requested_at, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("list by batch: %w", err)
	}
	return collectRequests(rows)
}

func (r *ProcessingRequestRepo) ReleaseBatch(ctx context.Context, tx repository.Tx, batchID, reason string) (int, error) {
	const q = `
UPDATE processing_requests
SET status = 'pending', retry_path = 'batch', batch_id = NULL, error_message = $2
WHERE batch_id = $1 AND status = 'batching_in_progress';`
	tag, err := execSQL(ctx, r.pool, tx, q, batchID, reason)
	if err != nil {
		return 0, fmt.Errorf("release batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ownerClause matches a request owned by $2, or claimed for individual retry when $2 is empty.
const ownerClause = `
  AND ((NULLIF($2, '') IS NOT NULL AND batch_id = $2 AND status = 'batching_in_progress')
    OR (NULLIF($2, '') IS NULL AND status = 'failed' AND retry_path = 'individual_in_flight'))`

func (r *ProcessingRequestRepo) MarkComplete(ctx context.Context, tx repository.Tx, id, batchID string, usage model.TokenUsage, at time.Time) (bool, error) {
	q := `
UPDATE processing_requests
SET status = 'complete', batch_id = NULL, success = TRUE, error_message = '',
    prompt_tokens = $3, completion_tokens = $4, total_tokens = $5, completed_at = $6, claimed_at = NULL
WHERE id = $1` + ownerClause + `;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, batchID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, at)
	if err != nil {
		return false, fmt.Errorf("mark complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ProcessingRequestRepo) MarkFailed(ctx context.Context, tx repository.Tx, id, batchID, reason string, path model.RetryPath) (bool, error) {
	q := `
UPDATE processing_requests
SET status = 'failed', retry_path = $4, batch_id = NULL, success = FALSE, error_message = $3, claimed_at = NULL
WHERE id = $1` + ownerClause + `;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, batchID, reason, string(path))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ProcessingRequestRepo) UpdateStatus(ctx context.Context, tx repository.Tx, ids []string, status model.RequestStatus, path model.RetryPath) (int, error) {
	if status == model.RequestBatchingInProgress {
		return 0, fmt.Errorf("%w: use AttachToBatch to batch requests", domain.ErrInvalidArgument)
	}
	const q = `
UPDATE processing_requests
SET status = $2, retry_path = $3
WHERE id = ANY($1) AND status <> 'batching_in_progress' AND retry_path <> 'individual_in_flight';`
	tag, err := execSQL(ctx, r.pool, tx, q, ids, string(status), string(path))
	if err != nil {
		return 0, fmt.Errorf("update status: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ProcessingRequestRepo) ListFailedForRetry(ctx context.Context, tx repository.Tx, tenantIDs []string, perTenant int) ([]*model.ProcessingRequest, error) {
	q := `
SELECT ` + requestCols + ` FROM (
  SELECT *, ROW_NUMBER() OVER (PARTITION BY tenant_id ORDER BY requested_at, id) AS rn
  FROM processing_requests
  WHERE tenant_id = ANY($1) AND status = 'failed' AND retry_path = 'individual'
) t
WHERE $2::int <= 0 OR rn <= $2
ORDER BY tenant_id, requested_at, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, tenantIDs, perTenant)
	if err != nil {
		return nil, fmt.Errorf("list failed for retry: %w", err)
	}
	return collectRequests(rows)
}

func (r *ProcessingRequestRepo) ClaimForRetry(ctx context.Context, tx repository.Tx, id string, at time.Time) (bool, error) {
	const q = `
UPDATE processing_requests
SET retry_path = 'individual_in_flight', attempts = attempts + 1, claimed_at = $2
WHERE id = $1 AND status = 'failed' AND retry_path = 'individual';`
	tag, err := execSQL(ctx, r.pool, tx, q, id, at)
	if err != nil {
		return false, fmt.Errorf("claim for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ProcessingRequestRepo) RequeueStaleClaims(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	const q = `
UPDATE processing_requests
SET retry_path = 'individual', claimed_at = NULL
WHERE status = 'failed' AND retry_path = 'individual_in_flight' AND claimed_at < $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ProcessingRequestRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.RequestStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM processing_requests GROUP BY status;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[model.RequestStatus]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out[model.RequestStatus(s)] = n
	}
	return out, rows.Err()
}
