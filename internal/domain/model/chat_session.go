package model

import (
	"time"
)

// ChatMessage represents one message within a chat session transcript.
type ChatMessage struct {
	SessionID string
	Role      string // "user" | "assistant" | "system"
	Content   string
	Timestamp time.Time
}

// ChatSession is an imported tenant chat session awaiting or carrying analysis.
type ChatSession struct {
	ID         string
	TenantID   string
	Messages   []ChatMessage
	Analysis   *SessionAnalysis
	AnalyzedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewChatSession(id, tenantID string) *ChatSession {
	return &ChatSession{
		ID:        id,
		TenantID:  tenantID,
		Messages:  make([]ChatMessage, 0, 8),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (s *ChatSession) AddMessage(role, content string) {
	s.Messages = append(s.Messages, ChatMessage{
		SessionID: s.ID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	s.UpdatedAt = time.Now()
}
