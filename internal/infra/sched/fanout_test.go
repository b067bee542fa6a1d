package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/db/memory"
	red "chat-insights-batch/internal/infra/redis"
	"chat-insights-batch/internal/infra/resilience"
	"chat-insights-batch/internal/infra/worker"
	"chat-insights-batch/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	mu      sync.Mutex
	failFor map[string]bool
	called  []string
}

func (c *fakeCreator) CreateForTenant(_ context.Context, s repository.PendingSummary) (*usecase.CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.called = append(c.called, s.TenantID)
	if c.failFor[s.TenantID] {
		return nil, errors.New("upload rejected")
	}
	return &usecase.CreateResult{TenantID: s.TenantID, Requests: s.Count}, nil
}

func (c *fakeCreator) ForceCreate(ctx context.Context, tenantID string) (*usecase.CreateResult, error) {
	return c.CreateForTenant(ctx, repository.PendingSummary{TenantID: tenantID})
}

type testEnv struct {
	store *memory.Store
	now   time.Time
	mu    sync.Mutex
}

func (e *testEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T, tenants ...string) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.NewStore(), now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	for _, id := range tenants {
		require.NoError(t, env.store.Tenants().Save(context.Background(), repository.NoTX,
			&model.Tenant{ID: id, Name: id, Status: model.TenantActive}))
	}
	return env
}

func (e *testEnv) seed(t *testing.T, tenantID string, n int) []string {
	t.Helper()
	return e.seedFrom(t, tenantID, 0, n)
}

// seedFrom adds sessions numbered from first so repeated calls do not collide.
func (e *testEnv) seedFrom(t *testing.T, tenantID string, first, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := first; i < first+n; i++ {
		s := model.NewChatSession(fmt.Sprintf("%s-s%03d", tenantID, i), tenantID)
		s.AddMessage("user", "Can I carry unused vacation days into next year?")
		require.NoError(t, e.store.Sessions().Save(ctx, repository.NoTX, s))
		req, err := model.NewProcessingRequest(tenantID, s.ID, "gpt-4o-mini")
		require.NoError(t, err)
		req.RequestedAt = e.Now().Add(-time.Hour + time.Duration(i)*time.Second)
		require.NoError(t, e.store.Requests().Create(ctx, repository.NoTX, req))
		ids = append(ids, req.ID)
	}
	return ids
}

func newCreateFanOut(env *testEnv, creator usecase.BatchCreatorUseCase, locker red.Locker) *FanOut {
	nop := zerolog.Nop()
	return NewFanOut(FanOutConfig{RetryBatchSize: 50, BatchTimeout: 24 * time.Hour}, FanOutDeps{
		Cache:    NewTenantCache(env.store.Tenants(), time.Minute, env.Now),
		Pool:     worker.NewPool(2),
		Locker:   locker,
		Requests: env.store.Requests(),
		Batches:  env.store.Batches(),
		Creator:  creator,
		Now:      env.Now,
	}, &nop)
}

func TestFanOut_TenantFailureIsIsolated(t *testing.T) {
	env := newEnv(t, "t1", "t2", "t3")
	for _, id := range []string{"t1", "t2", "t3"} {
		env.seed(t, id, 2)
	}
	creator := &fakeCreator{failFor: map[string]bool{"t2": true}}
	f := newCreateFanOut(env, creator, nil)

	rep, err := f.Run(context.Background(), CadenceCreate)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Tenants)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Errors, "t2")
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, creator.called)
}

func TestFanOut_AllTenantsFailingFailsTheTick(t *testing.T) {
	env := newEnv(t, "t1", "t2")
	env.seed(t, "t1", 1)
	env.seed(t, "t2", 1)
	f := newCreateFanOut(env, &fakeCreator{failFor: map[string]bool{"t1": true, "t2": true}}, nil)

	rep, err := f.Run(context.Background(), CadenceCreate)
	require.Error(t, err)
	assert.Equal(t, 2, rep.Failed)
}

func TestFanOut_LockedTenantIsSkipped(t *testing.T) {
	env := newEnv(t, "t1", "t2")
	env.seed(t, "t1", 1)
	env.seed(t, "t2", 1)
	locker := NewLocalLocker()
	_, err := locker.TryLock(context.Background(), red.TenantCadenceKey(CadenceCreate, "t1"), time.Minute)
	require.NoError(t, err)
	creator := &fakeCreator{}
	f := newCreateFanOut(env, creator, locker)

	rep, err := f.Run(context.Background(), CadenceCreate)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, []string{"t2"}, creator.called)

	// the lock taken for t2 was released
	_, err = locker.TryLock(context.Background(), red.TenantCadenceKey(CadenceCreate, "t2"), time.Minute)
	assert.NoError(t, err)
}

func TestFanOut_SuspendedTenantIsNotProcessed(t *testing.T) {
	env := newEnv(t, "t1", "t2")
	env.seed(t, "t1", 1)
	env.seed(t, "t2", 1)
	require.NoError(t, env.store.Tenants().SetStatus(context.Background(), repository.NoTX, "t2", model.TenantSuspended))
	creator := &fakeCreator{}
	f := newCreateFanOut(env, creator, nil)

	_, err := f.Run(context.Background(), CadenceCreate)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, creator.called)
}

func TestFanOut_UnknownCadence(t *testing.T) {
	env := newEnv(t)
	f := newCreateFanOut(env, &fakeCreator{}, nil)
	_, err := f.Run(context.Background(), "cleanup")
	assert.Error(t, err)
}

// newPipeline wires the real use cases over env's store, calling the
// provider through gw.
func newPipeline(env *testEnv, gw ai.Gateway) (*FanOut, usecase.BatchCreatorUseCase) {
	nop := zerolog.Nop()
	s := env.store
	policy := usecase.NewBatchingPolicy(usecase.PolicyConfig{MinBatchSize: 10, MaxWait: 30 * time.Minute}, s.Requests(), env.Now)
	lifecycle := usecase.NewBatchLifecycleUseCase(s, s.Batches(), s.Requests(), nil, &nop, env.Now)
	creator := usecase.NewBatchCreatorUseCase(
		usecase.CreatorConfig{Model: "gpt-4o-mini", MaxBatchSize: 500, MaxBatchTokens: 2_000_000},
		s, s.Requests(), s.Batches(), s.Sessions(), gw, ai.NewHeuristicEstimator(), policy, &nop, env.Now)
	reconciler := usecase.NewResultReconcilerUseCase(s, s.Requests(), s.Batches(), s.Sessions(), gw, lifecycle, &nop, env.Now)
	retry := usecase.NewIndividualRetryUseCase(s, s.Requests(), s.Sessions(), gw, "gpt-4o-mini", 3, &nop, env.Now)

	f := NewFanOut(FanOutConfig{RetryBatchSize: 50, BatchTimeout: 24 * time.Hour}, FanOutDeps{
		Cache:      NewTenantCache(s.Tenants(), time.Minute, env.Now),
		Pool:       worker.NewPool(4),
		Requests:   s.Requests(),
		Batches:    s.Batches(),
		Provider:   gw,
		Creator:    creator,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		Retry:      retry,
		Now:        env.Now,
	}, &nop)
	return f, creator
}

const stage = 30 * time.Second

// pollToCompletion walks every in-flight batch through the mock's stages.
func pollToCompletion(t *testing.T, env *testEnv, f *FanOut) {
	t.Helper()
	for i := 0; i < 4; i++ {
		env.advance(stage)
		_, err := f.Run(context.Background(), CadenceStatus)
		require.NoError(t, err)
	}
}

func TestFanOut_EndToEnd(t *testing.T) {
	env := newEnv(t, "t1", "t2")
	ids := append(env.seed(t, "t1", 12), env.seed(t, "t2", 3)...)
	mock := ai.NewMockGateway(ai.MockOptions{StageDuration: stage, Now: env.Now})
	s := env.store
	f, _ := newPipeline(env, mock)
	ctx := context.Background()

	rep, err := f.Run(ctx, CadenceCreate)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Tenants)

	pollToCompletion(t, env, f)
	completed, err := s.Batches().ListByStatus(ctx, repository.NoTX, []string{"t1", "t2"}, []model.BatchStatus{model.BatchCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 2)

	_, err = f.Run(ctx, CadenceReconcile)
	require.NoError(t, err)
	for _, id := range ids {
		r, err := s.Requests().FindByID(ctx, repository.NoTX, id)
		require.NoError(t, err)
		assert.Equal(t, model.RequestComplete, r.Status, "request %s", id)
	}

	rep, err = f.Run(ctx, CadenceRetry)
	require.NoError(t, err)
	assert.Zero(t, rep.Tenants, "nothing left to retry")

	n, err := f.StaleBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFanOut_AllLinesFailedBatchIsReconciled(t *testing.T) {
	env := newEnv(t, "t1")
	ids := env.seed(t, "t1", 3)
	mock := ai.NewMockGateway(ai.MockOptions{StageDuration: stage, Now: env.Now})
	for _, id := range ids {
		mock.SetLineFault(id, ai.FaultProviderError)
	}
	f, _ := newPipeline(env, mock)
	ctx := context.Background()
	s := env.store

	_, err := f.Run(ctx, CadenceCreate)
	require.NoError(t, err)
	pollToCompletion(t, env, f)

	completed, err := s.Batches().ListByStatus(ctx, repository.NoTX, []string{"t1"}, []model.BatchStatus{model.BatchCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.False(t, completed[0].HasOutput(), "every line failed, so there is only an error file")
	require.True(t, completed[0].HasErrors())

	_, err = f.Run(ctx, CadenceReconcile)
	require.NoError(t, err)
	b, err := s.Batches().FindByID(ctx, repository.NoTX, completed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessed, b.Status)
	for _, id := range ids {
		r, err := s.Requests().FindByID(ctx, repository.NoTX, id)
		require.NoError(t, err)
		assert.Nil(t, r.BatchID, "request %s still attached", id)
		assert.Equal(t, model.RequestFailed, r.Status)
		assert.Equal(t, model.RetryIndividually, r.RetryPath)
	}

	// a second reconcile tick has nothing left to do
	rep, err := f.Run(ctx, CadenceReconcile)
	require.NoError(t, err)
	assert.Zero(t, rep.Tenants)

	_, err = f.Run(ctx, CadenceRetry)
	require.NoError(t, err)
	for _, id := range ids {
		r, err := s.Requests().FindByID(ctx, repository.NoTX, id)
		require.NoError(t, err)
		assert.Equal(t, model.RequestComplete, r.Status, "request %s", id)
	}
}

func TestFanOut_OpenDownloadCircuitLeavesBatchesCompleted(t *testing.T) {
	env := newEnv(t, "t1")
	mock := ai.NewMockGateway(ai.MockOptions{StageDuration: stage, Now: env.Now})
	retrier := resilience.NewRetrier(resilience.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}, nil).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	reg := resilience.NewRegistry(resilience.BreakerConfig{Threshold: 5, Timeout: 5 * time.Minute}, retrier, nil).WithClock(env.Now)
	f, creator := newPipeline(env, ai.NewResilientGateway(mock, reg, time.Second))
	ctx := context.Background()
	s := env.store

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.seedFrom(t, "t1", i*2, 2)...)
		_, err := creator.ForceCreate(ctx, "t1")
		require.NoError(t, err)
	}
	pollToCompletion(t, env, f)

	mock.FailNext(resilience.OpDownload, errors.New("read: connection reset by peer"), 5)
	_, err := f.Run(ctx, CadenceReconcile)
	require.Error(t, err)
	assert.Equal(t, 5, mock.Calls(resilience.OpDownload), "no download once the circuit opened")

	count := func(st model.BatchStatus) int {
		jobs, err := s.Batches().ListByStatus(ctx, repository.NoTX, []string{"t1"}, []model.BatchStatus{st})
		require.NoError(t, err)
		return len(jobs)
	}
	// only the batch whose own downloads failed is given up on
	assert.Equal(t, 1, count(model.BatchFailed))
	assert.Equal(t, 2, count(model.BatchCompleted))

	env.advance(5*time.Minute + time.Second)
	_, err = f.Run(ctx, CadenceReconcile)
	require.NoError(t, err)
	assert.Equal(t, 2, count(model.BatchProcessed))
	assert.Zero(t, count(model.BatchCompleted))

	complete := 0
	for _, id := range ids {
		r, err := s.Requests().FindByID(ctx, repository.NoTX, id)
		require.NoError(t, err)
		if r.Status == model.RequestComplete {
			complete++
			continue
		}
		assert.Equal(t, model.RequestPending, r.Status, "released by the failed batch")
		assert.Nil(t, r.BatchID)
	}
	assert.Equal(t, 4, complete)
}

func TestNewFanOut_LockOutlivesClaimTimeout(t *testing.T) {
	nop := zerolog.Nop()
	f := NewFanOut(FanOutConfig{LockTTL: time.Minute, ClaimTimeout: 10 * time.Minute}, FanOutDeps{}, &nop)
	assert.Equal(t, 10*time.Minute, f.cfg.LockTTL)

	f = NewFanOut(FanOutConfig{LockTTL: time.Hour, ClaimTimeout: 10 * time.Minute}, FanOutDeps{}, &nop)
	assert.Equal(t, time.Hour, f.cfg.LockTTL)
}
