package ai

import (
	"sync"

	"chat-insights-batch/internal/domain/ports/adapter"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

var _ adapter.TokenCounter = (*TokenEstimator)(nil)

// per-message framing overhead used by chat models
const tokensPerMessage = 4

// TokenEstimator counts prompt tokens with tiktoken, falling back to
// four characters per token when no encoding can be loaded.
type TokenEstimator struct {
	log       *zerolog.Logger
	heuristic bool

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
}

func NewTokenEstimator(logger *zerolog.Logger) *TokenEstimator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TokenEstimator{
		log:       logger,
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
	}
}

// NewHeuristicEstimator never loads BPE ranks; used offline and in tests.
func NewHeuristicEstimator() *TokenEstimator {
	e := NewTokenEstimator(nil)
	e.heuristic = true
	return e
}

func (e *TokenEstimator) CountTokens(model string, messages []adapter.Message) int {
	enc := e.encoding(model)
	n := 3 // reply priming
	for _, m := range messages {
		n += tokensPerMessage
		if enc != nil {
			n += len(enc.Encode(m.Role, nil, nil)) + len(enc.Encode(m.Content, nil, nil))
		} else {
			n += HeuristicTokens(m.Role) + HeuristicTokens(m.Content)
		}
	}
	return n
}

// CountText counts tokens of a bare string.
func (e *TokenEstimator) CountText(model, text string) int {
	if enc := e.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return HeuristicTokens(text)
}

func (e *TokenEstimator) encoding(model string) *tiktoken.Tiktoken {
	if e.heuristic {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	if e.failed[model] {
		return nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		e.log.Warn().Err(err).Str("model", model).Msg("tiktoken unavailable; using heuristic")
		e.failed[model] = true
		return nil
	}
	e.encodings[model] = enc
	return enc
}

func HeuristicTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
