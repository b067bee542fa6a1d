package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/infra/resilience"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Compile-time assurance this adapter satisfies the ports
var (
	_ adapter.BatchProvider  = (*OpenAIGateway)(nil)
	_ adapter.AnalysisClient = (*OpenAIGateway)(nil)
)

// OpenAIGateway talks to the OpenAI Files and Batches APIs, plus Chat
// Completions for requests retried outside a batch.
type OpenAIGateway struct {
	client openai.Client
	model  string
}

func NewOpenAIGateway(apiKey, baseURL, model string) (*OpenAIGateway, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are owned by the resilient wrapper
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAIGateway{client: openai.NewClient(opts...), model: model}, nil
}

func (g *OpenAIGateway) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	f, err := g.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(content), filename, "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", providerErr("upload", err)
	}
	return f.ID, nil
}

func (g *OpenAIGateway) CreateBatch(ctx context.Context, inputFileID string) (adapter.CreatedBatch, error) {
	b, err := g.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      inputFileID,
	})
	if err != nil {
		return adapter.CreatedBatch{}, providerErr("create_batch", err)
	}
	return adapter.CreatedBatch{BatchID: b.ID, Status: string(b.Status)}, nil
}

func (g *OpenAIGateway) GetBatchStatus(ctx context.Context, batchID string) (adapter.BatchStatus, error) {
	b, err := g.client.Batches.Get(ctx, batchID)
	if err != nil {
		return adapter.BatchStatus{}, providerErr("get_batch", err)
	}
	return adapter.BatchStatus{
		BatchID:      b.ID,
		Status:       string(b.Status),
		OutputFileID: b.OutputFileID,
		ErrorFileID:  b.ErrorFileID,
		RequestCounts: adapter.RequestCounts{
			Total:     int(b.RequestCounts.Total),
			Completed: int(b.RequestCounts.Completed),
			Failed:    int(b.RequestCounts.Failed),
		},
	}, nil
}

func (g *OpenAIGateway) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := g.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, providerErr("download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &resilience.ProviderError{Op: "download", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download: read body: %w", err)
	}
	return b, nil
}

func (g *OpenAIGateway) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if model == "" {
		model = g.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
		// same output contract as the batch input lines
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", adapter.Usage{}, providerErr("chat", err)
	}
	usage := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			return c.Message.Content, usage, nil
		}
	}
	return "", usage, errors.New("no choice content")
}

// providerErr keeps the HTTP status visible to the retry classifier.
func providerErr(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &resilience.ProviderError{Op: op, StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}
