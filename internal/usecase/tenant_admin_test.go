package usecase

import (
	"context"
	"errors"
	"testing"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/db/memory"

	"github.com/rs/zerolog"
)

func TestTenantAdmin_StatusChangesNotify(t *testing.T) {
	store := memory.NewStore()
	nop := zerolog.Nop()
	var changed []string
	notify := func(_ context.Context, id string) error {
		changed = append(changed, id)
		return nil
	}
	failing := func(context.Context, string) error { return errors.New("redis down") }
	uc := NewTenantAdminUseCase(store.Tenants(), &nop, notify, failing)
	ctx := context.Background()

	if _, err := uc.Register(ctx, "acme", "Acme"); err != nil {
		t.Fatal(err)
	}
	if err := uc.Suspend(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	ids, _ := store.Tenants().ListActiveIDs(ctx, repository.NoTX)
	if len(ids) != 0 {
		t.Fatalf("suspended tenant still active: %v", ids)
	}
	if err := uc.Activate(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	ids, _ = store.Tenants().ListActiveIDs(ctx, repository.NoTX)
	if len(ids) != 1 {
		t.Fatalf("tenant not reactivated: %v", ids)
	}
	if len(changed) != 3 {
		t.Fatalf("want 3 notifications, got %v", changed)
	}

	if err := uc.Suspend(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := uc.Register(ctx, " ", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestIntake_Submit(t *testing.T) {
	store := memory.NewStore()
	nop := zerolog.Nop()
	ctx := context.Background()
	admin := NewTenantAdminUseCase(store.Tenants(), &nop)
	intake := NewIntakeUseCase(store, store.Tenants(), store.Sessions(), store.Requests(), "gpt-4o-mini", &nop)

	s := model.NewChatSession("s1", "acme")
	s.AddMessage("user", "Where do I pick up my badge?")

	if _, err := intake.Submit(ctx, s); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown tenant: want ErrNotFound, got %v", err)
	}
	if _, err := admin.Register(ctx, "acme", ""); err != nil {
		t.Fatal(err)
	}
	req, err := intake.Submit(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != model.RequestPending || req.RetryPath != model.RetryViaBatch || req.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected request %+v", req)
	}

	_ = admin.Suspend(ctx, "acme")
	if _, err := intake.Submit(ctx, s); !errors.Is(err, domain.ErrTenantInactive) {
		t.Fatalf("suspended tenant: want ErrTenantInactive, got %v", err)
	}
	if _, err := intake.Submit(ctx, model.NewChatSession("empty", "acme")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("empty session: want ErrInvalidArgument, got %v", err)
	}
}
