package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/db/memory"
	"chat-insights-batch/internal/infra/resilience"

	"github.com/rs/zerolog"
)

// ---- Fakes ----

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

// ---- Fixture ----

const stage = 30 * time.Second

type fixture struct {
	store   *memory.Store
	clock   *testClock
	mock    *ai.MockGateway
	gateway *ai.ResilientGateway
	alerts  *recordingAlerter

	policy     *BatchingPolicy
	lifecycle  *batchLifecycleUC
	creator    *batchCreatorUC
	reconciler *resultReconcilerUC
	retry      *individualRetryUC
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	mock := ai.NewMockGateway(ai.MockOptions{StageDuration: stage, Now: clock.Now})

	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig(), nil).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	reg := resilience.NewRegistry(resilience.BreakerConfig{Threshold: 5, Timeout: 5 * time.Minute}, retrier, nil).WithClock(clock.Now)
	gw := ai.NewResilientGateway(mock, reg, time.Second)

	alerts := &recordingAlerter{}
	policy := NewBatchingPolicy(PolicyConfig{MinBatchSize: 10, MaxWait: 30 * time.Minute}, store.Requests(), clock.Now)
	lifecycle := NewBatchLifecycleUseCase(store, store.Batches(), store.Requests(), alerts, &nop, clock.Now)
	creator := NewBatchCreatorUseCase(
		CreatorConfig{Model: "gpt-4o-mini", MaxBatchSize: 500, MaxBatchTokens: 2_000_000},
		store, store.Requests(), store.Batches(), store.Sessions(),
		gw, ai.NewHeuristicEstimator(), policy, &nop, clock.Now,
	)
	reconciler := NewResultReconcilerUseCase(store, store.Requests(), store.Batches(), store.Sessions(), gw, lifecycle, &nop, clock.Now)
	retry := NewIndividualRetryUseCase(store, store.Requests(), store.Sessions(), mock, "gpt-4o-mini", 3, &nop, clock.Now)

	return &fixture{
		store:      store,
		clock:      clock,
		mock:       mock,
		gateway:    gw,
		alerts:     alerts,
		policy:     policy,
		lifecycle:  lifecycle,
		creator:    creator,
		reconciler: reconciler,
		retry:      retry,
	}
}

func (f *fixture) tenant(t *testing.T, id string) {
	t.Helper()
	err := f.store.Tenants().Save(context.Background(), repository.NoTX, &model.Tenant{ID: id, Name: id, Status: model.TenantActive})
	if err != nil {
		t.Fatalf("save tenant: %v", err)
	}
}

// seed adds n sessions with pending requests for tenant. Request i was made
// age - i seconds ago, so ids come back oldest first.
func (f *fixture) seed(t *testing.T, tenantID string, n int, age time.Duration) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s := model.NewChatSession(fmt.Sprintf("%s-s%03d", tenantID, i), tenantID)
		s.AddMessage("user", "How many vacation days do I have left?")
		s.AddMessage("assistant", "You have 12 days left this year.")
		if err := f.store.Sessions().Save(ctx, repository.NoTX, s); err != nil {
			t.Fatalf("save session: %v", err)
		}
		req, err := model.NewProcessingRequest(tenantID, s.ID, "gpt-4o-mini")
		if err != nil {
			t.Fatal(err)
		}
		req.RequestedAt = f.clock.Now().Add(-age + time.Duration(i)*time.Second)
		if err := f.store.Requests().Create(ctx, repository.NoTX, req); err != nil {
			t.Fatalf("create request: %v", err)
		}
		ids = append(ids, req.ID)
	}
	return ids
}

func (f *fixture) summary(t *testing.T, tenantID string) repository.PendingSummary {
	t.Helper()
	sums, err := f.store.Requests().SummarizePending(context.Background(), repository.NoTX, []string{tenantID})
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) == 0 {
		return repository.PendingSummary{TenantID: tenantID}
	}
	return sums[0]
}

func (f *fixture) batch(t *testing.T, id string) *model.BatchJob {
	t.Helper()
	b, err := f.store.Batches().FindByID(context.Background(), repository.NoTX, id)
	if err != nil {
		t.Fatalf("find batch %s: %v", id, err)
	}
	return b
}

func (f *fixture) request(t *testing.T, id string) *model.ProcessingRequest {
	t.Helper()
	r, err := f.store.Requests().FindByID(context.Background(), repository.NoTX, id)
	if err != nil {
		t.Fatalf("find request %s: %v", id, err)
	}
	return r
}

// pollUntil advances the mock provider through its stages and applies each
// poll until the batch reaches want.
func (f *fixture) pollUntil(t *testing.T, batchID string, want model.BatchStatus) *model.BatchJob {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		job := f.batch(t, batchID)
		if job.Status == want {
			return job
		}
		st, err := f.gateway.GetBatchStatus(ctx, job.ProviderBatchID)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if _, err := f.lifecycle.ApplyPoll(ctx, job, st); err != nil {
			t.Fatalf("apply poll: %v", err)
		}
		f.clock.Advance(stage)
	}
	job := f.batch(t, batchID)
	if job.Status != want {
		t.Fatalf("batch %s stuck in %s, want %s", batchID, job.Status, want)
	}
	return job
}

// assertNoLoss checks that every request is in a known state and that any
// batch link points at a live batch.
func (f *fixture) assertNoLoss(t *testing.T) {
	t.Helper()
	for _, r := range f.store.Requests().All() {
		if err := r.CheckInvariant(); err != nil {
			t.Errorf("invariant: %v", err)
		}
		switch r.Status {
		case model.RequestPending, model.RequestBatchingInProgress, model.RequestComplete, model.RequestFailed:
		default:
			t.Errorf("request %s in unknown status %q", r.ID, r.Status)
		}
		if r.BatchID == nil {
			continue
		}
		b, err := f.store.Batches().FindByID(context.Background(), repository.NoTX, *r.BatchID)
		if err != nil {
			t.Errorf("request %s points at missing batch %s", r.ID, *r.BatchID)
			continue
		}
		if b.Status.Terminal() {
			t.Errorf("request %s still attached to %s batch %s", r.ID, b.Status, b.ID)
		}
	}
}
