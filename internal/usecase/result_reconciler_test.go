package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/domain/ports/repository"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/resilience"
)

func TestReconciler_MalformedLinesDoNotAbort(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 100, time.Hour)
	// lines 37 and 82
	f.mock.SetLineFault(ids[36], ai.FaultMalformed)
	f.mock.SetLineFault(ids[81], ai.FaultMalformed)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	job := f.pollUntil(t, res.BatchID, model.BatchCompleted)

	rep, err := f.reconciler.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Succeeded != 98 || rep.Malformed != 2 || rep.Missing != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := f.batch(t, job.ID); got.Status != model.BatchProcessed || got.ProcessedAt == nil {
		t.Fatalf("batch should be processed: %+v", got)
	}

	complete := 0
	for _, id := range ids {
		r := f.request(t, id)
		switch r.Status {
		case model.RequestComplete:
			complete++
			if r.Usage == nil || r.Usage.TotalTokens == 0 {
				t.Fatalf("request %s completed without usage", id)
			}
		case model.RequestFailed:
			if id != ids[36] && id != ids[81] {
				t.Fatalf("unexpected failure for %s", id)
			}
			if r.RetryPath != model.RetryIndividually {
				t.Fatalf("skipped line should go to individual retry, got %s", r.RetryPath)
			}
		default:
			t.Fatalf("request %s left in %s", id, r.Status)
		}
	}
	if complete != 98 {
		t.Fatalf("want 98 complete, got %d", complete)
	}

	s, err := f.store.Sessions().FindForAnalysis(context.Background(), repository.NoTX, "t1-s000")
	if err != nil {
		t.Fatal(err)
	}
	if s.Analysis == nil || s.Analysis.Category != "leave_vacation" || s.AnalyzedAt == nil {
		t.Fatalf("analysis not applied to session: %+v", s.Analysis)
	}
	f.assertNoLoss(t)
}

func TestReconciler_ProviderErrorsAndInvalidSchema(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 4, time.Hour)
	f.mock.SetLineFault(ids[1], ai.FaultProviderError)
	f.mock.SetLineFault(ids[2], ai.FaultInvalidSchema)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	job := f.pollUntil(t, res.BatchID, model.BatchCompleted)
	if job.ErrorFileID == nil {
		t.Fatal("provider errors should produce an error file")
	}

	rep, err := f.reconciler.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != 2 || rep.Failed != 1 || rep.Invalid != 1 || rep.Missing != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if r := f.request(t, ids[1]); r.Status != model.RequestFailed || r.ErrorMessage == "" {
		t.Fatalf("provider error not recorded: %+v", r)
	}
	if r := f.request(t, ids[2]); r.Status != model.RequestFailed || r.RetryPath != model.RetryIndividually {
		t.Fatalf("invalid analysis should fail per request: %+v", r)
	}
	s, _ := f.store.Sessions().FindForAnalysis(context.Background(), repository.NoTX, "t1-s002")
	if s.Analysis != nil {
		t.Fatal("invalid analysis must not be applied")
	}
	f.assertNoLoss(t)
}

func TestReconciler_DownloadFailureReleasesAll(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 25, time.Hour)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	job := f.pollUntil(t, res.BatchID, model.BatchCompleted)
	f.mock.FailNext(resilience.OpDownload, errors.New("read: connection reset by peer"), 3)

	_, err = f.reconciler.Reconcile(context.Background(), job)
	if err == nil {
		t.Fatal("expected batch-fatal download error")
	}
	if got := f.mock.Calls(resilience.OpDownload); got != 3 {
		t.Fatalf("download attempted %d times, want 3", got)
	}
	if got := f.batch(t, job.ID); got.Status != model.BatchFailed {
		t.Fatalf("batch should be failed, got %s", got.Status)
	}
	for _, id := range ids {
		if r := f.request(t, id); r.Status != model.RequestPending || r.BatchID != nil {
			t.Fatalf("request %s not released: %+v", id, r)
		}
	}
	if f.alerts.count() != 1 {
		t.Fatalf("want one alert, got %d", f.alerts.count())
	}
	f.assertNoLoss(t)
}

func TestReconciler_RequiresCompletedBatch(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, _ := createBatch(t, f, "t1", 1)

	_, err := f.reconciler.Reconcile(context.Background(), job)
	if !errors.Is(err, domain.ErrBatchNotReconcilable) {
		t.Fatalf("want ErrBatchNotReconcilable, got %v", err)
	}
}

func TestReconciler_IgnoresLinesForOtherBatches(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	ids := f.seed(t, "t1", 2, time.Hour)

	res, err := f.creator.CreateForTenant(context.Background(), f.summary(t, "t1"))
	if err != nil {
		t.Fatal(err)
	}
	job := f.pollUntil(t, res.BatchID, model.BatchCompleted)

	// the first request was failed out of the batch meanwhile
	if _, err := f.store.Requests().MarkFailed(context.Background(), repository.NoTX, ids[0], job.ID, "operator", model.RetryExhausted); err != nil {
		t.Fatal(err)
	}
	rep, err := f.reconciler.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Ignored != 1 || rep.Succeeded != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if r := f.request(t, ids[0]); r.Status != model.RequestFailed || r.RetryPath != model.RetryExhausted {
		t.Fatalf("unowned request must not be touched: %+v", r)
	}

	// a second run finds nothing to do
	if _, err := f.reconciler.Reconcile(context.Background(), f.batch(t, job.ID)); !errors.Is(err, domain.ErrBatchNotReconcilable) {
		t.Fatalf("processed batch should not reconcile twice, got %v", err)
	}
}

func TestReconciler_CompletedWithOnlyErrorFile(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, ids := createBatch(t, f, "t1", 3)
	ctx := context.Background()

	var errFile []byte
	for _, id := range ids[:2] {
		line, err := adapter.EncodeErrorLine(id, "server_error", "the model failed to produce a response")
		if err != nil {
			t.Fatal(err)
		}
		errFile = append(append(errFile, line...), '\n')
	}
	f.mock.PutFile("file-err", errFile)

	st := adapter.BatchStatus{
		BatchID:       job.ProviderBatchID,
		Status:        adapter.ProviderCompleted,
		ErrorFileID:   "file-err",
		RequestCounts: adapter.RequestCounts{Total: 3, Failed: 3},
	}
	if got, err := f.lifecycle.ApplyPoll(ctx, job, st); err != nil || got != model.BatchCompleted {
		t.Fatalf("ApplyPoll = %s, %v", got, err)
	}
	done := f.batch(t, job.ID)
	if done.HasOutput() || !done.Reconcilable() {
		t.Fatalf("completed batch without output must still reconcile: %+v", done)
	}

	rep, err := f.reconciler.Reconcile(ctx, done)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Failed != 2 || rep.Missing != 1 || rep.Succeeded != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := f.batch(t, job.ID); got.Status != model.BatchProcessed {
		t.Fatalf("batch should be processed, got %s", got.Status)
	}
	for _, id := range ids {
		r := f.request(t, id)
		if r.BatchID != nil || r.Status != model.RequestFailed || r.RetryPath != model.RetryIndividually {
			t.Fatalf("request %s not handed to individual retry: %+v", id, r)
		}
	}
	f.assertNoLoss(t)
}

func TestReconciler_OpenCircuitKeepsBatchCompleted(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "t1")
	job, ids := createBatch(t, f, "t1", 2)
	job = f.pollUntil(t, job.ID, model.BatchCompleted)
	ctx := context.Background()

	// trip the download breaker: threshold 5, three attempts per call
	f.mock.FailNext(resilience.OpDownload, errors.New("read: connection reset by peer"), 5)
	for i := 0; i < 2; i++ {
		_, _ = f.gateway.DownloadFile(ctx, "warmup")
	}
	if f.mock.Calls(resilience.OpDownload) != 5 {
		t.Fatalf("breaker setup made %d calls", f.mock.Calls(resilience.OpDownload))
	}

	_, err := f.reconciler.Reconcile(ctx, job)
	if !resilience.IsCircuitOpen(err) {
		t.Fatalf("want circuit open error, got %v", err)
	}
	if got := f.mock.Calls(resilience.OpDownload); got != 5 {
		t.Fatalf("download attempted while the circuit was open (%d calls)", got)
	}
	if got := f.batch(t, job.ID); got.Status != model.BatchCompleted {
		t.Fatalf("batch should stay completed for the next tick, got %s", got.Status)
	}
	if f.alerts.count() != 0 {
		t.Fatalf("no batch failure alert expected, got %d", f.alerts.count())
	}

	f.clock.Advance(5*time.Minute + time.Second)
	rep, err := f.reconciler.Reconcile(ctx, f.batch(t, job.ID))
	if err != nil {
		t.Fatalf("Reconcile after cooldown: %v", err)
	}
	if rep.Succeeded != len(ids) {
		t.Fatalf("unexpected report %+v", rep)
	}
	f.assertNoLoss(t)
}
