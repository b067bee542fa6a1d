package repository

import (
	"context"
	"time"

	"chat-insights-batch/internal/domain/model"
)

type ChatSessionRepository interface {
	Save(ctx context.Context, tx Tx, session *model.ChatSession) error
	// FindForAnalysis loads the session with its transcript.
	FindForAnalysis(ctx context.Context, tx Tx, id string) (*model.ChatSession, error)
	ApplyAnalysis(ctx context.Context, tx Tx, id string, analysis *model.SessionAnalysis, at time.Time) error
}
