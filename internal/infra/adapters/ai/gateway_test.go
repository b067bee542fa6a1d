//go:build !integration

package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func transcript(sessionID, text string) []adapter.Message {
	return []adapter.Message{
		{Role: "system", Content: "analyse"},
		{Role: "user", Content: "session_id: " + sessionID + "\n" + text},
	}
}

func submit(t *testing.T, g *ai.MockGateway, ids ...string) string {
	t.Helper()
	lines := make([]adapter.InputLine, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, adapter.NewInputLine(id, "gpt-4o-mini", transcript("s-"+id, "When is my next shift?")))
	}
	content, err := adapter.EncodeInputFile(lines)
	require.NoError(t, err)
	fileID, err := g.UploadFile(context.Background(), "batch.jsonl", content)
	require.NoError(t, err)
	created, err := g.CreateBatch(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, adapter.ProviderValidating, created.Status)
	return created.BatchID
}

func TestMockGateway_StageProgression(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	g := ai.NewMockGateway(ai.MockOptions{StageDuration: time.Minute, Now: clk.Now})
	batchID := submit(t, g, "r1", "r2")

	want := []string{adapter.ProviderValidating, adapter.ProviderInProgress, adapter.ProviderFinalizing, adapter.ProviderCompleted}
	for i, w := range want {
		st, err := g.GetBatchStatus(context.Background(), batchID)
		require.NoError(t, err)
		assert.Equal(t, w, st.Status, "stage %d", i)
		clk.Add(time.Minute)
	}

	st, err := g.GetBatchStatus(context.Background(), batchID)
	require.NoError(t, err)
	require.NotEmpty(t, st.OutputFileID)
	assert.Equal(t, 2, st.RequestCounts.Completed)

	out, err := g.DownloadFile(context.Background(), st.OutputFileID)
	require.NoError(t, err)
	lines := adapter.SplitLines(out)
	require.Len(t, lines, 2)

	parsed, err := adapter.ParseResultLine(lines[0])
	require.NoError(t, err)
	ok := parsed.(*adapter.SuccessLine)
	a, err := model.ParseSessionAnalysis(ok.Content, "s-r1")
	require.NoError(t, err)
	assert.Equal(t, "schedule_hours", a.Category)
	assert.Equal(t, []string{"When is my next shift?"}, a.Questions)
	assert.Greater(t, ok.Usage.TotalTokens, 0)
}

func TestMockGateway_LineFaults(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	g := ai.NewMockGateway(ai.MockOptions{StageDuration: time.Second, Now: clk.Now})
	g.SetLineFault("bad", ai.FaultMalformed)
	g.SetLineFault("err", ai.FaultProviderError)
	batchID := submit(t, g, "ok", "bad", "err")
	clk.Add(time.Hour)

	st, err := g.GetBatchStatus(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RequestCounts.Failed)
	require.NotEmpty(t, st.ErrorFileID)

	out, _ := g.DownloadFile(context.Background(), st.OutputFileID)
	var malformed int
	for _, raw := range adapter.SplitLines(out) {
		if _, err := adapter.ParseResultLine(raw); errors.Is(err, adapter.ErrMalformedLine) {
			malformed++
		}
	}
	assert.Equal(t, 1, malformed)

	errOut, _ := g.DownloadFile(context.Background(), st.ErrorFileID)
	line, err := adapter.ParseResultLine(adapter.SplitLines(errOut)[0])
	require.NoError(t, err)
	assert.Equal(t, "err", line.RequestID())
	_, isErr := line.(*adapter.ErrorLine)
	assert.True(t, isErr)
}

func newRegistry() *resilience.Registry {
	r := resilience.NewRetrier(resilience.DefaultRetryConfig(), nil).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	return resilience.NewRegistry(resilience.BreakerConfig{Threshold: 5, Timeout: 5 * time.Minute}, r, nil)
}

func TestResilientGateway(t *testing.T) {
	t.Run("should retry transient failures", func(t *testing.T) {
		mock := ai.NewMockGateway(ai.MockOptions{})
		mock.FailNext(resilience.OpUpload, &resilience.ProviderError{StatusCode: 503}, 2)
		g := ai.NewResilientGateway(mock, newRegistry(), time.Second)

		content, _ := adapter.EncodeInputFile([]adapter.InputLine{adapter.NewInputLine("a", "m", transcript("s", "hi"))})
		id, err := g.UploadFile(context.Background(), "b.jsonl", content)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 3, mock.Calls(resilience.OpUpload))
	})

	t.Run("should give up after three attempts", func(t *testing.T) {
		mock := ai.NewMockGateway(ai.MockOptions{})
		mock.FailNext(resilience.OpDownload, errors.New("connection reset by peer"), 10)
		g := ai.NewResilientGateway(mock, newRegistry(), time.Second)

		_, err := g.DownloadFile(context.Background(), "file-x")
		require.Error(t, err)
		assert.Equal(t, 3, mock.Calls(resilience.OpDownload))
	})

	t.Run("should not retry a 4xx", func(t *testing.T) {
		mock := ai.NewMockGateway(ai.MockOptions{})
		g := ai.NewResilientGateway(mock, newRegistry(), time.Second)

		_, err := g.GetBatchStatus(context.Background(), "missing")
		require.Error(t, err)
		assert.Equal(t, 1, mock.Calls(resilience.OpStatus))
	})

	t.Run("should isolate an open download breaker from creation", func(t *testing.T) {
		mock := ai.NewMockGateway(ai.MockOptions{})
		mock.FailNext(resilience.OpDownload, &resilience.ProviderError{StatusCode: 500}, 100)
		reg := newRegistry()
		g := ai.NewResilientGateway(mock, reg, time.Second)

		for i := 0; i < 2; i++ {
			_, _ = g.DownloadFile(context.Background(), "f")
		}
		before := mock.Calls(resilience.OpDownload)
		_, err := g.DownloadFile(context.Background(), "f")
		assert.True(t, resilience.IsCircuitOpen(err))
		assert.Equal(t, before, mock.Calls(resilience.OpDownload))

		content, _ := adapter.EncodeInputFile([]adapter.InputLine{adapter.NewInputLine("a", "m", transcript("s", "hi"))})
		fileID, err := g.UploadFile(context.Background(), "b.jsonl", content)
		require.NoError(t, err)
		_, err = g.CreateBatch(context.Background(), fileID)
		require.NoError(t, err)
	})

	t.Run("should bound each call with the timeout", func(t *testing.T) {
		slow := &slowGateway{delay: 200 * time.Millisecond}
		g := ai.NewResilientGateway(slow, newRegistry(), 10*time.Millisecond)
		_, err := g.GetBatchStatus(context.Background(), "b")
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, int32(3), slow.calls.Load())
	})
}

type slowGateway struct {
	ai.Gateway
	delay time.Duration
	calls atomic.Int32
}

func (s *slowGateway) GetBatchStatus(ctx context.Context, _ string) (adapter.BatchStatus, error) {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return adapter.BatchStatus{}, nil
	case <-ctx.Done():
		return adapter.BatchStatus{}, ctx.Err()
	}
}

type countingGateway struct {
	ai.Gateway
	inFlight, peak atomic.Int32
}

func (c *countingGateway) ChatWithUsage(ctx context.Context, _ string, _ []adapter.Message) (string, adapter.Usage, error) {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.inFlight.Add(-1)
	return "{}", adapter.Usage{}, nil
}

func TestLimitedGateway_CapsConcurrency(t *testing.T) {
	inner := &countingGateway{}
	g := ai.NewLimitedGateway(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = g.ChatWithUsage(context.Background(), "m", nil)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}

func TestHeuristicEstimator(t *testing.T) {
	e := ai.NewHeuristicEstimator()
	msgs := []adapter.Message{{Role: "user", Content: "12345678"}}
	// 3 priming + 4 framing + 1 role + 2 content
	assert.Equal(t, 10, e.CountTokens("gpt-4o-mini", msgs))
	assert.Equal(t, 0, ai.HeuristicTokens(""))
}

func TestOpenAIGateway_ChatRequestsJSONObject(t *testing.T) {
	var body struct {
		Model          string `json:"model"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
		Messages []json.RawMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"language\":\"en\"}"}}],`+
			`"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	}))
	defer srv.Close()

	g, err := ai.NewOpenAIGateway("sk-test", srv.URL, "gpt-4o-mini")
	require.NoError(t, err)
	content, usage, err := g.ChatWithUsage(context.Background(), "", transcript("s-1", "Where is my payslip?"))
	require.NoError(t, err)

	assert.Equal(t, "json_object", body.ResponseFormat.Type)
	assert.Equal(t, "gpt-4o-mini", body.Model)
	assert.Len(t, body.Messages, 2)
	assert.Equal(t, `{"language":"en"}`, content)
	assert.Equal(t, 10, usage.TotalTokens)
}
