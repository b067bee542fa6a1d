package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Batch files are newline-delimited JSON. Input lines carry a chat completion
// request keyed by custom_id; output lines echo the custom_id with either a
// response body or an error object.

const BatchEndpoint = "/v1/chat/completions"

var ErrMalformedLine = errors.New("malformed batch result line")

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequestBody struct {
	Model          string          `json:"model"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Messages       []Message       `json:"messages"`
}

type InputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     ChatRequestBody `json:"body"`
}

func NewInputLine(customID, model string, messages []Message) InputLine {
	return InputLine{
		CustomID: customID,
		Method:   http.MethodPost,
		URL:      BatchEndpoint,
		Body: ChatRequestBody{
			Model:          model,
			ResponseFormat: &ResponseFormat{Type: "json_object"},
			Messages:       messages,
		},
	}
}

// EncodeInputFile renders lines as JSONL.
func EncodeInputFile(lines []InputLine) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return nil, fmt.Errorf("encode line %s: %w", l.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeInputFile is the inverse of EncodeInputFile.
func DecodeInputFile(b []byte) ([]InputLine, error) {
	var out []InputLine
	for _, raw := range SplitLines(b) {
		var l InputLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("decode input line: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// SplitLines returns the non-blank lines of a JSONL payload. Lines of any
// length are kept.
func SplitLines(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		var line []byte
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			line, b = b[:i], b[i+1:]
		} else {
			line, b = b, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out
}

// ResultLine is one parsed output line: either *SuccessLine or *ErrorLine.
type ResultLine interface {
	RequestID() string
	resultLine()
}

type SuccessLine struct {
	CustomID string
	Model    string
	Content  string
	Usage    Usage
}

func (l *SuccessLine) RequestID() string { return l.CustomID }
func (*SuccessLine) resultLine()         {}

type ErrorLine struct {
	CustomID   string
	StatusCode int
	Code       string
	Message    string
}

func (l *ErrorLine) RequestID() string { return l.CustomID }
func (*ErrorLine) resultLine()         {}

func (l *ErrorLine) Error() string {
	if l.Code != "" {
		return fmt.Sprintf("%s: %s", l.Code, l.Message)
	}
	return l.Message
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireResult struct {
	ID       string `json:"id,omitempty"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		RequestID  string          `json:"request_id,omitempty"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *wireError `json:"error"`
}

type wireCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *wireError `json:"error"`
}

// ParseResultLine decodes a single output line. Anything that does not fit
// either shape is ErrMalformedLine.
func ParseResultLine(raw []byte) (ResultLine, error) {
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if w.CustomID == "" {
		return nil, fmt.Errorf("%w: missing custom_id", ErrMalformedLine)
	}
	if w.Error != nil {
		return &ErrorLine{CustomID: w.CustomID, Code: w.Error.Code, Message: w.Error.Message}, nil
	}
	if w.Response == nil {
		return nil, fmt.Errorf("%w: neither response nor error", ErrMalformedLine)
	}

	var body wireCompletion
	if len(w.Response.Body) > 0 {
		if err := json.Unmarshal(w.Response.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: response body: %v", ErrMalformedLine, err)
		}
	}
	if w.Response.StatusCode != http.StatusOK {
		el := &ErrorLine{CustomID: w.CustomID, StatusCode: w.Response.StatusCode, Message: http.StatusText(w.Response.StatusCode)}
		if body.Error != nil {
			el.Code, el.Message = body.Error.Code, body.Error.Message
		}
		return el, nil
	}
	if len(body.Choices) == 0 || body.Choices[0].Message.Content == "" {
		return &ErrorLine{CustomID: w.CustomID, StatusCode: w.Response.StatusCode, Code: "empty_response", Message: "no choice content"}, nil
	}
	return &SuccessLine{
		CustomID: w.CustomID,
		Model:    body.Model,
		Content:  body.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
		},
	}, nil
}

// EncodeSuccessLine renders a success line in the provider's output shape.
func EncodeSuccessLine(customID, model, content string, u Usage) ([]byte, error) {
	body := map[string]any{
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		},
	}
	return json.Marshal(map[string]any{
		"custom_id": customID,
		"response":  map[string]any{"status_code": http.StatusOK, "body": body},
		"error":     nil,
	})
}

// EncodeErrorLine renders an error line in the provider's output shape.
func EncodeErrorLine(customID, code, message string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"custom_id": customID,
		"response":  nil,
		"error":     wireError{Code: code, Message: message},
	})
}
