package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/infra/resilience"
)

func TestBatchCreator_CreatesAndAttaches(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 12, 5*time.Minute)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatalf("CreateForTenant: %v", err)
	}
	if res.Skipped || res.Requests != 12 || res.Reason != FlushSize {
		t.Fatalf("unexpected result %+v", res)
	}

	job := f.batch(t, res.BatchID)
	if job.Status != model.BatchValidating || len(job.RequestIDs) != 12 || job.RequestCounts.Total != 12 {
		t.Fatalf("unexpected batch %+v", job)
	}
	lines := f.mock.InputLines(job.ProviderBatchID)
	if len(lines) != 12 {
		t.Fatalf("provider got %d lines, want 12", len(lines))
	}
	if lines[0].CustomID != ids[0] || lines[0].URL != adapter.BatchEndpoint {
		t.Fatalf("first line %+v should be the oldest request", lines[0])
	}
	if !strings.HasPrefix(lines[0].Body.Messages[1].Content, "session_id: t1-s000") {
		t.Fatalf("transcript should lead with the session id, got %q", lines[0].Body.Messages[1].Content)
	}
	for _, id := range ids {
		if r := f.request(t, id); !r.OwnedBy(job.ID) {
			t.Fatalf("request %s not attached: %+v", id, r)
		}
	}
	f.assertNoLoss(t)
}

func TestBatchCreator_RespectsPolicy(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	f.seed(t, "t1", 9, 10*time.Minute)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Reason != HoldWaiting {
		t.Fatalf("nine young requests should wait, got %+v", res)
	}
	if f.mock.Calls(resilience.OpUpload) != 0 {
		t.Fatal("nothing should be uploaded while waiting")
	}

	f.seed(t, "t1", 1, time.Minute)
	res, err = f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Requests != 10 {
		t.Fatalf("the tenth request should flush, got %+v", res)
	}
}

func TestBatchCreator_TokenBudget(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	f.seed(t, "t1", 10, time.Minute)

	one := seededPromptTokens(t, f)
	f.creator.cfg.MaxBatchTokens = one*4 + one/2

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Requests != 4 {
		t.Fatalf("budget for 4.5 lines should take 4, took %d", res.Requests)
	}
	if sum := f.summary(t, "t1"); sum.Count != 6 {
		t.Fatalf("6 requests should stay pending, got %d", sum.Count)
	}
}

// seededPromptTokens estimates one seeded request's prompt size.
func seededPromptTokens(t *testing.T, f *fixture) int {
	t.Helper()
	s := model.NewChatSession("t1-s000", "t1")
	s.AddMessage("user", "How many vacation days do I have left?")
	s.AddMessage("assistant", "You have 12 days left this year.")
	return f.creator.tokens.CountTokens("gpt-4o-mini", AnalysisMessages(s))
}

func TestBatchCreator_UploadFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 10, time.Minute)
	f.mock.FailNext(resilience.OpUpload, &resilience.ProviderError{Op: "upload", StatusCode: 503, Message: "unavailable"}, 3)

	_, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err == nil {
		t.Fatal("expected upload failure")
	}
	if got := f.mock.Calls(resilience.OpUpload); got != 3 {
		t.Fatalf("upload attempted %d times, want 3", got)
	}
	for _, id := range ids {
		if r := f.request(t, id); r.Status != model.RequestPending || r.BatchID != nil {
			t.Fatalf("request %s should stay pending: %+v", id, r)
		}
	}
	f.assertNoLoss(t)
}

func TestBatchCreator_ForceCreate(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ctx := context.Background()

	if _, err := f.creator.ForceCreate(ctx, "t1"); !errors.Is(err, domain.ErrNoPendingRequests) {
		t.Fatalf("want ErrNoPendingRequests, got %v", err)
	}

	f.seed(t, "t1", 2, time.Minute)
	res, err := f.creator.ForceCreate(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Requests != 2 || res.Reason != FlushForced {
		t.Fatalf("force should bypass the policy, got %+v", res)
	}
}

func TestBatchCreator_RetiresRequestsWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 1, time.Hour)

	req, _ := model.NewProcessingRequest("t1", "gone", "gpt-4o-mini")
	req.RequestedAt = f.clock.Now().Add(-2 * time.Hour)
	if err := f.store.Requests().Create(context.Background(), nil, req); err != nil {
		t.Fatal(err)
	}

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Requests != 1 {
		t.Fatalf("only the request with a session should be batched, got %d", res.Requests)
	}
	if r := f.request(t, req.ID); r.Status != model.RequestFailed || r.RetryPath != model.RetryExhausted {
		t.Fatalf("orphan request should be exhausted: %+v", r)
	}
	if r := f.request(t, ids[0]); !r.Attached() {
		t.Fatalf("request with session should be attached: %+v", r)
	}
}
