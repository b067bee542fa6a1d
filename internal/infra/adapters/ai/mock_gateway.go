package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/infra/resilience"
)

var _ Gateway = (*MockGateway)(nil)

// LineFault makes the mock emit a broken result for one custom id.
type LineFault int

const (
	FaultNone LineFault = iota
	FaultMalformed
	FaultProviderError
	FaultInvalidSchema
)

type MockOptions struct {
	// StageDuration is the time spent in each of validating, in_progress and
	// finalizing before the batch reports completed.
	StageDuration time.Duration
	Now           func() time.Time
	Tokens        adapter.TokenCounter
	Model         string
}

type mockBatch struct {
	id           string
	inputFileID  string
	createdAt    time.Time
	lines        []adapter.InputLine
	forced       string
	materialized bool
	outputFileID string
	errorFileID  string
	completed    int
	failed       int
}

type injected struct {
	err   error
	times int
}

// MockGateway is a cost-free, deterministic stand-in for the provider. Batches
// advance one stage per StageDuration of the injected clock and complete with
// schema-valid analyses derived from the transcript.
type MockGateway struct {
	opts MockOptions

	mu      sync.Mutex
	seq     int
	files   map[string][]byte
	batches map[string]*mockBatch
	faults  map[string]LineFault
	inject  map[string]*injected
	calls   map[string]int
}

func NewMockGateway(opts MockOptions) *MockGateway {
	if opts.StageDuration <= 0 {
		opts.StageDuration = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tokens == nil {
		opts.Tokens = NewHeuristicEstimator()
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return &MockGateway{
		opts:    opts,
		files:   make(map[string][]byte),
		batches: make(map[string]*mockBatch),
		faults:  make(map[string]LineFault),
		inject:  make(map[string]*injected),
		calls:   make(map[string]int),
	}
}

// FailNext makes the next n calls of op return err. op is one of the
// resilience operation names.
func (m *MockGateway) FailNext(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inject[op] = &injected{err: err, times: n}
}

// SetLineFault corrupts the output line for customID.
func (m *MockGateway) SetLineFault(customID string, f LineFault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[customID] = f
}

// ForceStatus pins a batch to a provider status regardless of elapsed time.
func (m *MockGateway) ForceStatus(batchID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		b.forced = status
	}
}

// PutFile stores raw content under id, for tests that need a hand-made output.
func (m *MockGateway) PutFile(id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id] = content
}

// Calls returns how many times op was invoked, failures included.
func (m *MockGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// InputLines returns what was submitted for a batch.
func (m *MockGateway) InputLines(batchID string) []adapter.InputLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		return append([]adapter.InputLine(nil), b.lines...)
	}
	return nil
}

// enter must be called with mu held.
func (m *MockGateway) enter(op string) error {
	m.calls[op]++
	if inj, ok := m.inject[op]; ok && inj.times > 0 {
		inj.times--
		return inj.err
	}
	return nil
}

func (m *MockGateway) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-mock-%06d", prefix, m.seq)
}

func (m *MockGateway) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(resilience.OpUpload); err != nil {
		return "", err
	}
	if _, err := adapter.DecodeInputFile(content); err != nil {
		return "", &resilience.ProviderError{Op: "upload", StatusCode: 400, Message: err.Error()}
	}
	id := m.nextID("file")
	m.files[id] = append([]byte(nil), content...)
	return id, nil
}

func (m *MockGateway) CreateBatch(ctx context.Context, inputFileID string) (adapter.CreatedBatch, error) {
	if err := ctx.Err(); err != nil {
		return adapter.CreatedBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(resilience.OpCreation); err != nil {
		return adapter.CreatedBatch{}, err
	}
	content, ok := m.files[inputFileID]
	if !ok {
		return adapter.CreatedBatch{}, &resilience.ProviderError{Op: "create_batch", StatusCode: 404, Message: "input file not found"}
	}
	lines, _ := adapter.DecodeInputFile(content)
	b := &mockBatch{id: m.nextID("batch"), inputFileID: inputFileID, createdAt: m.opts.Now(), lines: lines}
	m.batches[b.id] = b
	return adapter.CreatedBatch{BatchID: b.id, Status: adapter.ProviderValidating}, nil
}

func (m *MockGateway) GetBatchStatus(ctx context.Context, batchID string) (adapter.BatchStatus, error) {
	if err := ctx.Err(); err != nil {
		return adapter.BatchStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(resilience.OpStatus); err != nil {
		return adapter.BatchStatus{}, err
	}
	b, ok := m.batches[batchID]
	if !ok {
		return adapter.BatchStatus{}, &resilience.ProviderError{Op: "get_batch", StatusCode: 404, Message: "batch not found"}
	}

	status := b.forced
	if status == "" {
		switch stage := int(m.opts.Now().Sub(b.createdAt) / m.opts.StageDuration); {
		case stage <= 0:
			status = adapter.ProviderValidating
		case stage == 1:
			status = adapter.ProviderInProgress
		case stage == 2:
			status = adapter.ProviderFinalizing
		default:
			status = adapter.ProviderCompleted
		}
	}
	if status == adapter.ProviderCompleted && !b.materialized {
		m.materialize(b)
	}

	out := adapter.BatchStatus{
		BatchID:       b.id,
		Status:        status,
		RequestCounts: adapter.RequestCounts{Total: len(b.lines)},
	}
	if status == adapter.ProviderCompleted {
		out.OutputFileID = b.outputFileID
		out.ErrorFileID = b.errorFileID
		out.RequestCounts.Completed = b.completed
		out.RequestCounts.Failed = b.failed
	}
	return out, nil
}

func (m *MockGateway) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(resilience.OpDownload); err != nil {
		return nil, err
	}
	c, ok := m.files[fileID]
	if !ok {
		return nil, &resilience.ProviderError{Op: "download", StatusCode: 404, Message: "file not found"}
	}
	return append([]byte(nil), c...), nil
}

func (m *MockGateway) ChatWithUsage(ctx context.Context, modelName string, messages []adapter.Message) (string, adapter.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", adapter.Usage{}, err
	}
	m.mu.Lock()
	err := m.enter(resilience.OpIndividual)
	m.mu.Unlock()
	if err != nil {
		return "", adapter.Usage{}, err
	}
	if modelName == "" {
		modelName = m.opts.Model
	}
	content := MockAnalysis(messages)
	return content, m.usage(modelName, messages, content), nil
}

func (m *MockGateway) usage(modelName string, messages []adapter.Message, content string) adapter.Usage {
	in := m.opts.Tokens.CountTokens(modelName, messages)
	out := HeuristicTokens(content)
	return adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// materialize writes the output and error files; must be called with mu held.
func (m *MockGateway) materialize(b *mockBatch) {
	var out, errs strings.Builder
	for _, l := range b.lines {
		var (
			raw    []byte
			toErrs bool
		)
		switch m.faults[l.CustomID] {
		case FaultMalformed:
			raw = []byte(`{"custom_id":"` + l.CustomID + `","response":{"status_code":200,"body":`)
		case FaultProviderError:
			raw, _ = adapter.EncodeErrorLine(l.CustomID, "server_error", "the model failed to produce a response")
			toErrs = true
		case FaultInvalidSchema:
			raw, _ = adapter.EncodeSuccessLine(l.CustomID, l.Body.Model, `{"language":"english"}`, adapter.Usage{})
		default:
			content := MockAnalysis(l.Body.Messages)
			raw, _ = adapter.EncodeSuccessLine(l.CustomID, l.Body.Model, content, m.usage(l.Body.Model, l.Body.Messages, content))
		}
		if toErrs {
			b.failed++
			errs.Write(raw)
			errs.WriteByte('\n')
			continue
		}
		b.completed++
		out.Write(raw)
		out.WriteByte('\n')
	}
	b.materialized = true
	// like the real API, a batch where every line failed has no output file
	if out.Len() > 0 {
		b.outputFileID = m.nextID("file")
		m.files[b.outputFileID] = []byte(out.String())
	}
	if errs.Len() > 0 {
		b.errorFileID = m.nextID("file")
		m.files[b.errorFileID] = []byte(errs.String())
	}
}

var sessionIDPattern = regexp.MustCompile(`(?i)session[_ ]id:\s*(\S+)`)

var transcriptRoles = map[string]bool{"user": true, "assistant": true, "system": true}

var mockKeywords = []struct {
	category string
	words    []string
}{
	{"sick_leave", []string{"sick", "ill", "doctor"}},
	{"leave_vacation", []string{"vacation", "holiday", "leave"}},
	{"salary_compensation", []string{"salary", "pay", "bonus", "wage"}},
	{"schedule_hours", []string{"schedule", "shift", "roster"}},
	{"contract_hours", []string{"contract", "hours"}},
	{"onboarding", []string{"first day", "onboarding", "new hire"}},
	{"offboarding", []string{"resign", "notice", "last day"}},
	{"workwear_staff_pass", []string{"uniform", "workwear", "badge", "pass"}},
	{"access_login", []string{"password", "login", "log in", "access"}},
	{"team_contacts", []string{"manager", "contact", "phone"}},
}

// MockAnalysis derives a schema-valid analysis from a transcript.
func MockAnalysis(messages []adapter.Message) string {
	var (
		sessionID string
		userText  []string
		questions = []string{}
	)
	for _, msg := range messages {
		if sessionID == "" {
			if mm := sessionIDPattern.FindStringSubmatch(msg.Content); mm != nil {
				sessionID = mm[1]
			}
		}
		if msg.Role != "user" {
			continue
		}
		for _, ln := range strings.Split(msg.Content, "\n") {
			ln = strings.TrimSpace(ln)
			if ln == "" || sessionIDPattern.MatchString(ln) {
				continue
			}
			// transcripts are flattened as "role: content"
			if role, rest, ok := strings.Cut(ln, ":"); ok && transcriptRoles[role] {
				if role != "user" {
					continue
				}
				ln = strings.TrimSpace(rest)
			}
			userText = append(userText, ln)
			if strings.HasSuffix(ln, "?") && len(questions) < 3 {
				questions = append(questions, ln)
			}
		}
	}
	all := strings.ToLower(strings.Join(userText, " "))

	category := "unrecognized_other"
	for _, k := range mockKeywords {
		for _, w := range k.words {
			if strings.Contains(all, w) {
				category = k.category
				break
			}
		}
		if category != "unrecognized_other" {
			break
		}
	}
	sentiment := "neutral"
	switch {
	case strings.Contains(all, "thank") || strings.Contains(all, "great"):
		sentiment = "positive"
	case strings.Contains(all, "angry") || strings.Contains(all, "complain") || strings.Contains(all, "unacceptable"):
		sentiment = "negative"
	}

	a := model.SessionAnalysis{
		SessionID:   sessionID,
		Language:    "en",
		Sentiment:   sentiment,
		Category:    category,
		Escalated:   strings.Contains(all, "human") || strings.Contains(all, "supervisor"),
		ForwardedHR: strings.Contains(all, " hr ") || strings.Contains(all, "human resources"),
		Summary:     fmt.Sprintf("Employee conversation about %s with %d user lines.", strings.ReplaceAll(category, "_", " "), len(userText)),
		Questions:   questions,
	}
	b, _ := json.Marshal(a)
	return string(b)
}
