package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"chat-insights-batch/internal/application"
	"chat-insights-batch/internal/config"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/logging"
	"chat-insights-batch/internal/infra/resilience"
	"chat-insights-batch/internal/infra/sched"
	"chat-insights-batch/internal/infra/scheduler"
)

const demoConfig = `
log:
  level: warn
  format: console
provider:
  mock: true
  mock_stage_duration: 30s
batch:
  min_batch_size: 10
retry:
  base_delay: 1ms
  max_delay: 5ms
scheduler:
  max_consecutive_errors: 3
`

// demo runs one tenant through every cadence on a simulated clock: a batch
// with a malformed line and a provider error, the individual retry of those
// requests, and a provider outage that pauses the scheduler.
func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Parse([]byte(demoConfig), true)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, true)
	clock := scheduler.NewManualClock(time.Now().UTC().Truncate(time.Second))
	mock := ai.NewMockGateway(ai.MockOptions{StageDuration: cfg.Provider.MockStageDuration, Now: clock.Now})

	orch, err := application.New(ctx, cfg, logger, application.Options{Clock: clock, Gateway: mock})
	if err != nil {
		return err
	}
	defer orch.Close()

	step("register tenant and submit 12 sessions")
	if _, err := orch.Tenants.Register(ctx, "acme", "Acme Corp"); err != nil {
		return err
	}
	var ids []string
	for i := 0; i < 12; i++ {
		s := model.NewChatSession(fmt.Sprintf("acme-%02d", i), "acme")
		s.AddMessage("user", "How many vacation days can I carry over?")
		s.AddMessage("assistant", "Up to five days, used before March.")
		req, err := orch.Intake.Submit(ctx, s)
		if err != nil {
			return err
		}
		ids = append(ids, req.ID)
	}
	mock.SetLineFault(ids[3], ai.FaultMalformed)
	mock.SetLineFault(ids[7], ai.FaultProviderError)

	if err := tick(ctx, orch, sched.CadenceCreate); err != nil {
		return err
	}

	step("poll the batch to completion")
	for i := 0; i < 4; i++ {
		clock.Advance(cfg.Provider.MockStageDuration)
		if err := tick(ctx, orch, sched.CadenceStatus); err != nil {
			return err
		}
	}

	step("reconcile results")
	if err := tick(ctx, orch, sched.CadenceReconcile); err != nil {
		return err
	}
	printRequests(ctx, orch, ids)

	step("retry the two failed requests individually")
	if err := tick(ctx, orch, sched.CadenceRetry); err != nil {
		return err
	}
	printRequests(ctx, orch, ids)

	step("provider outage: status polls fail until the scheduler pauses")
	s := model.NewChatSession("acme-outage", "acme")
	s.AddMessage("user", "Is the office open on public holidays?")
	if _, err := orch.Intake.Submit(ctx, s); err != nil {
		return err
	}
	if _, err := orch.Scheduler.ForceCreateBatch(ctx, "acme"); err != nil {
		return err
	}
	mock.FailNext(resilience.OpStatus, &resilience.ProviderError{Op: "get_batch", StatusCode: 503, Message: "overloaded"}, 100)
	for i := 0; i < 4; i++ {
		clock.Advance(cfg.Provider.MockStageDuration)
		err := orch.Scheduler.Tick(ctx, sched.CadenceStatus)
		fmt.Printf("  status tick %d: %v\n", i+1, err)
	}
	dump(orch.Scheduler.Status(ctx))

	step("operator force-resume")
	fmt.Printf("  was paused: %v\n", orch.Scheduler.ForceResume())
	return nil
}

func tick(ctx context.Context, orch *application.Orchestrator, cadence string) error {
	rep, err := orch.FanOut.Run(ctx, cadence)
	if rep != nil {
		fmt.Printf("  %-9s tenants=%d failed=%d skipped=%d\n", cadence, rep.Tenants, rep.Failed, rep.Skipped)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cadence, err)
	}
	return nil
}

func printRequests(ctx context.Context, orch *application.Orchestrator, ids []string) {
	counts := map[string]int{}
	for _, id := range ids {
		r, err := orch.Stores.Requests.FindByID(ctx, repository.NoTX, id)
		if err == nil {
			counts[string(r.Status)+"/"+string(r.RetryPath)]++
		}
	}
	dump(counts)
}

func step(title string) { fmt.Printf("\n== %s\n", title) }

func dump(v any) {
	b, _ := json.MarshalIndent(v, "  ", "  ")
	fmt.Printf("  %s\n", b)
}
