package memory

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
)

var _ repository.ChatSessionRepository = (*SessionRepo)(nil)

type SessionRepo struct{ s *Store }

func (r *SessionRepo) Save(ctx context.Context, tx repository.Tx, session *model.ChatSession) error {
	defer r.s.lock(tx)()
	r.s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *SessionRepo) FindForAnalysis(ctx context.Context, tx repository.Tx, id string) (*model.ChatSession, error) {
	defer r.s.lock(tx)()
	s, ok := r.s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *SessionRepo) ApplyAnalysis(ctx context.Context, tx repository.Tx, id string, analysis *model.SessionAnalysis, at time.Time) error {
	defer r.s.lock(tx)()
	s, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	a := *analysis
	a.Questions = append([]string(nil), analysis.Questions...)
	s.Analysis = &a
	s.AnalyzedAt = &at
	s.UpdatedAt = at
	return nil
}
