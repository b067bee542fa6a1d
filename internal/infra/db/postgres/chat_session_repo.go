package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.ChatSessionRepository = (*ChatSessionRepo)(nil)

type ChatSessionRepo struct {
	pool *pgxpool.Pool
}

func NewChatSessionRepo(pool *pgxpool.Pool) *ChatSessionRepo {
	return &ChatSessionRepo{pool: pool}
}

// Save upserts the session row and replaces its transcript.
func (r *ChatSessionRepo) Save(ctx context.Context, tx repository.Tx, s *model.ChatSession) error {
	const q = `
INSERT INTO chat_sessions (id, tenant_id, created_at, updated_at)
VALUES ($1,$2,COALESCE($3,NOW()),COALESCE($4,NOW()))
ON CONFLICT (id) DO UPDATE SET
  tenant_id = EXCLUDED.tenant_id,
  updated_at = EXCLUDED.updated_at;`
	if _, err := execSQL(ctx, r.pool, tx, q, s.ID, s.TenantID, nullTime(s.CreatedAt), nullTime(s.UpdatedAt)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := execSQL(ctx, r.pool, tx, `DELETE FROM chat_messages WHERE session_id = $1;`, s.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	const qm = `
INSERT INTO chat_messages (session_id, position, role, content, created_at)
VALUES ($1,$2,$3,$4,COALESCE($5,NOW()));`
	for i, m := range s.Messages {
		if _, err := execSQL(ctx, r.pool, tx, qm, s.ID, i, m.Role, m.Content, nullTime(m.Timestamp)); err != nil {
			return fmt.Errorf("save message: %w", err)
		}
	}
	return nil
}

func (r *ChatSessionRepo) FindForAnalysis(ctx context.Context, tx repository.Tx, id string) (*model.ChatSession, error) {
	const qs = `
SELECT id, tenant_id, language, sentiment, category, escalated, forwarded_hr, summary, questions,
  analyzed_at, created_at, updated_at
FROM chat_sessions WHERE id = $1;`
	var (
		s                                      model.ChatSession
		language, sentiment, category, summary *string
		escalated, forwarded                   *bool
		questions                              []byte
	)
	err := pickRow(ctx, r.pool, tx, qs, id).Scan(&s.ID, &s.TenantID, &language, &sentiment, &category,
		&escalated, &forwarded, &summary, &questions, &s.AnalyzedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if s.AnalyzedAt != nil && category != nil {
		a := &model.SessionAnalysis{SessionID: s.ID, Questions: []string{}}
		a.Language, a.Sentiment, a.Category = deref(language), deref(sentiment), deref(category)
		a.Summary = deref(summary)
		a.Escalated = escalated != nil && *escalated
		a.ForwardedHR = forwarded != nil && *forwarded
		if len(questions) > 0 {
			_ = json.Unmarshal(questions, &a.Questions)
		}
		s.Analysis = a
	}

	const qm = `SELECT role, content, created_at FROM chat_messages WHERE session_id = $1 ORDER BY position;`
	rows, err := queryRows(ctx, r.pool, tx, qm, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m := model.ChatMessage{SessionID: s.ID}
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan msg: %w", err)
		}
		s.Messages = append(s.Messages, m)
	}
	return &s, rows.Err()
}

func (r *ChatSessionRepo) ApplyAnalysis(ctx context.Context, tx repository.Tx, id string, a *model.SessionAnalysis, at time.Time) error {
	questions, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	const q = `
UPDATE chat_sessions SET
  language = $2, sentiment = $3, category = $4, escalated = $5, forwarded_hr = $6,
  summary = $7, questions = $8, analyzed_at = $9, updated_at = $9
WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, a.Language, a.Sentiment, a.Category, a.Escalated, a.ForwardedHR,
		a.Summary, questions, at)
	if err != nil {
		return fmt.Errorf("apply analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
