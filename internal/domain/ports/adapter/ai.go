package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AnalysisClient runs one analysis synchronously, outside any batch.
// The individual-retry path uses it.
type AnalysisClient interface {
	// ChatWithUsage returns assistant text + usage as reported by the provider.
	ChatWithUsage(ctx context.Context, model string, messages []Message) (string, Usage, error)
}

// TokenCounter estimates prompt tokens for messages.
type TokenCounter interface {
	CountTokens(model string, messages []Message) int
}
