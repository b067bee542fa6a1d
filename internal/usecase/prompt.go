package usecase

import (
	"fmt"
	"strings"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
)

var analysisSystemPrompt = fmt.Sprintf(`You analyse one HR assistant chat session and answer with a single JSON object:
{"session_id": string, "language": string, "sentiment": string, "category": string,
 "escalated": bool, "forwarded_hr": bool, "summary": string, "questions": [string]}

Rules:
- session_id must equal the id on the first line of the transcript.
- language: ISO-639-1 code of the employee's language, two lowercase letters.
- sentiment: positive, neutral or negative.
- category: exactly one of %s.
- escalated: true when the assistant handed the conversation to a human.
- forwarded_hr: true when the employee was referred to HR.
- summary: 10 to 300 characters.
- questions: the employee's distinct questions, may be empty.
Answer with JSON only.`, strings.Join(model.SessionCategories, ", "))

// AnalysisMessages builds the prompt for one session. The first user line
// carries the session id so the reply can be matched back.
func AnalysisMessages(s *model.ChatSession) []adapter.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "session_id: %s\n\n", s.ID)
	for _, m := range s.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return []adapter.Message{
		{Role: "system", Content: analysisSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}
