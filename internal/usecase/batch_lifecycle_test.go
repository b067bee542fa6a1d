package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
)

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]model.BatchStatus{
		"validating":  model.BatchValidating,
		"in_progress": model.BatchInProgress,
		"finalizing":  model.BatchFinalizing,
		"completed":   model.BatchCompleted,
		"failed":      model.BatchFailed,
		"expired":     model.BatchFailed,
		"cancelling":  model.BatchCancelled,
		"cancelled":   model.BatchCancelled,
		"":            model.BatchFailed,
		"paused":      model.BatchFailed,
	}
	for in, want := range cases {
		if got := MapProviderStatus(in); got != want {
			t.Errorf("MapProviderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func createBatch(t *testing.T, f *fixture, tenantID string, n int) (*model.BatchJob, []string) {
	t.Helper()
	ids := f.seed(t, tenantID, n, time.Minute)
	res, err := f.creator.ForceCreate(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return f.batch(t, res.BatchID), ids
}

func TestLifecycle_ApplyPollIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, _ := createBatch(t, f, "t1", 3)
	ctx := context.Background()

	st := adapter.BatchStatus{BatchID: job.ProviderBatchID, Status: adapter.ProviderInProgress, RequestCounts: adapter.RequestCounts{Total: 3}}
	got, err := f.lifecycle.ApplyPoll(ctx, job, st)
	if err != nil || got != model.BatchInProgress {
		t.Fatalf("first apply = %s, %v", got, err)
	}
	after := f.batch(t, job.ID)

	got, err = f.lifecycle.ApplyPoll(ctx, after, st)
	if err != nil || got != model.BatchInProgress {
		t.Fatalf("second apply = %s, %v", got, err)
	}
	again := f.batch(t, job.ID)
	if again.Status != after.Status || again.ProviderStatus != after.ProviderStatus || again.RequestCounts != after.RequestCounts {
		t.Fatalf("re-applying the same poll changed the batch: %+v -> %+v", after, again)
	}
}

func TestLifecycle_RejectsBackwardsPoll(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, _ := createBatch(t, f, "t1", 2)
	ctx := context.Background()

	if _, err := f.lifecycle.ApplyPoll(ctx, job, adapter.BatchStatus{Status: adapter.ProviderFinalizing}); err != nil {
		t.Fatal(err)
	}
	_, err := f.lifecycle.ApplyPoll(ctx, f.batch(t, job.ID), adapter.BatchStatus{Status: adapter.ProviderValidating})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if got := f.batch(t, job.ID).Status; got != model.BatchFinalizing {
		t.Fatalf("status moved backwards to %s", got)
	}
}

func TestLifecycle_ExpiredReleasesOnce(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, ids := createBatch(t, f, "t1", 5)
	ctx := context.Background()

	st := adapter.BatchStatus{Status: adapter.ProviderExpired}
	got, err := f.lifecycle.ApplyPoll(ctx, job, st)
	if err != nil || got != model.BatchFailed {
		t.Fatalf("apply expired = %s, %v", got, err)
	}
	for _, id := range ids {
		r := f.request(t, id)
		if r.Status != model.RequestPending || r.BatchID != nil || r.RetryPath != model.RetryViaBatch {
			t.Fatalf("request %s not released: %+v", id, r)
		}
		if r.ErrorMessage == "" {
			t.Fatalf("released request %s should carry the reason", id)
		}
	}
	if f.alerts.count() != 1 {
		t.Fatalf("want one alert, got %d", f.alerts.count())
	}

	// same response again, with the stale and the fresh job record
	if _, err := f.lifecycle.ApplyPoll(ctx, job, st); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lifecycle.ApplyPoll(ctx, f.batch(t, job.ID), st); err != nil {
		t.Fatal(err)
	}
	if f.alerts.count() != 1 {
		t.Fatalf("re-applying a failure must not alert again, got %d alerts", f.alerts.count())
	}
	f.assertNoLoss(t)
}

func TestLifecycle_UnknownStatusFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, _ := createBatch(t, f, "t1", 2)

	got, err := f.lifecycle.ApplyPoll(context.Background(), job, adapter.BatchStatus{Status: "on_fire"})
	if err != nil {
		t.Fatal(err)
	}
	if got != model.BatchFailed {
		t.Fatalf("unknown status should fail the batch, got %s", got)
	}
	f.assertNoLoss(t)
}

func TestLifecycle_CompletedRecordsFiles(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, _ := createBatch(t, f, "t1", 2)

	done := f.pollUntil(t, job.ID, model.BatchCompleted)
	if !done.HasOutput() {
		t.Fatalf("completed batch should carry an output file: %+v", done)
	}
	if done.CompletedAt == nil || done.RequestCounts.Completed != 2 {
		t.Fatalf("completion not recorded: %+v", done)
	}
}
