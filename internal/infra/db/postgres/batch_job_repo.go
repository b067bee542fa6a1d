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

var _ repository.BatchJobRepository = (*BatchJobRepo)(nil)

type BatchJobRepo struct {
	pool *pgxpool.Pool
}

func NewBatchJobRepo(pool *pgxpool.Pool) *BatchJobRepo {
	return &BatchJobRepo{pool: pool}
}

const batchCols = `id, tenant_id, provider_batch_id, input_file_id, output_file_id, error_file_id, status,
  provider_status, total_requests, completed_requests, failed_requests, error_message,
  created_at, completed_at, processed_at, request_ids`

func scanBatch(row pgx.Row) (*model.BatchJob, error) {
	var (
		b      model.BatchJob
		status string
	)
	if err := row.Scan(&b.ID, &b.TenantID, &b.ProviderBatchID, &b.InputFileID, &b.OutputFileID, &b.ErrorFileID, &status,
		&b.ProviderStatus, &b.RequestCounts.Total, &b.RequestCounts.Completed, &b.RequestCounts.Failed, &b.ErrorMessage,
		&b.CreatedAt, &b.CompletedAt, &b.ProcessedAt, &b.RequestIDs); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

func (r *BatchJobRepo) Create(ctx context.Context, tx repository.Tx, job *model.BatchJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO batch_jobs (id, tenant_id, provider_batch_id, input_file_id, output_file_id, error_file_id, status,
  provider_status, total_requests, completed_requests, failed_requests, error_message, created_at, request_ids)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`
	ids := job.RequestIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.TenantID, job.ProviderBatchID, job.InputFileID, job.OutputFileID, job.ErrorFileID, string(job.Status),
		job.ProviderStatus, job.RequestCounts.Total, job.RequestCounts.Completed, job.RequestCounts.Failed, job.ErrorMessage,
		job.CreatedAt, ids)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("batch %s: %w", job.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *BatchJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.BatchJob, error) {
	q := `SELECT ` + batchCols + ` FROM batch_jobs WHERE id = $1;`
	b, err := scanBatch(pickRow(ctx, r.pool, tx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find batch: %w", err)
	}
	return b, nil
}

func (r *BatchJobRepo) ListByStatus(ctx context.Context, tx repository.Tx, tenantIDs []string, statuses []model.BatchStatus) ([]*model.BatchJob, error) {
	st := make([]string, len(statuses))
	for i, s := range statuses {
		st[i] = string(s)
	}
	q := `SELECT ` + batchCols + `
FROM batch_jobs
WHERE tenant_id = ANY($1) AND status = ANY($2)
ORDER BY created_at, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, tenantIDs, st)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []*model.BatchJob
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BatchJobRepo) Transition(ctx context.Context, tx repository.Tx, id string, from model.BatchStatus, p repository.BatchPatch) (bool, error) {
	const q = `
UPDATE batch_jobs SET
  status             = COALESCE(NULLIF($3, ''), status),
  provider_status    = COALESCE(NULLIF($4, ''), provider_status),
  output_file_id     = COALESCE($5, output_file_id),
  error_file_id      = COALESCE($6, error_file_id),
  total_requests     = COALESCE($7, total_requests),
  completed_requests = COALESCE($8, completed_requests),
  failed_requests    = COALESCE($9, failed_requests),
  error_message      = COALESCE($10, error_message),
  completed_at       = COALESCE($11, completed_at),
  processed_at       = COALESCE($12, processed_at)
WHERE id = $1 AND status = $2;`
	var total, completed, failed *int
	if p.RequestCounts != nil {
		total, completed, failed = &p.RequestCounts.Total, &p.RequestCounts.Completed, &p.RequestCounts.Failed
	}
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(from), string(p.Status), p.ProviderStatus,
		p.OutputFileID, p.ErrorFileID, total, completed, failed, p.ErrorMessage, p.CompletedAt, p.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("transition batch: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1);`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("transition batch: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (r *BatchJobRepo) CountStale(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	const q = `
SELECT COUNT(*) FROM batch_jobs
WHERE status IN ('validating', 'in_progress', 'finalizing') AND created_at < $1;`
	var n int
	if err := pickRow(ctx, r.pool, tx, q, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale: %w", err)
	}
	return n, nil
}
