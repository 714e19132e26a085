package settings_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/settings"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsert_DefaultsThenPartialUpdate(t *testing.T) {
	svc := settings.New(openTestStore(t), nil)
	ctx := context.Background()

	in, err := settings.DecodeUpdate([]byte(`{"budget_limit_usd": 12.5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec, err := svc.Upsert(ctx, "alpha", in)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.Model != persistence.DefaultAgentModel || rec.BudgetLimitUSD == nil || *rec.BudgetLimitUSD != 12.5 {
		t.Fatalf("unexpected settings: %+v", rec)
	}

	in, _ = settings.DecodeUpdate([]byte(`{"model": "gpt-4o"}`))
	rec, err = svc.Upsert(ctx, "alpha", in)
	if err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	if rec.Model != "gpt-4o" || rec.BudgetLimitUSD == nil {
		t.Fatalf("model update should keep budget: %+v", rec)
	}

	in, _ = settings.DecodeUpdate([]byte(`{"budget_limit_usd": null}`))
	rec, err = svc.Upsert(ctx, "alpha", in)
	if err != nil {
		t.Fatalf("clear budget: %v", err)
	}
	if rec.BudgetLimitUSD != nil || rec.Model != "gpt-4o" {
		t.Fatalf("expected cleared budget, got %+v", rec)
	}
}

func TestGetListDelete(t *testing.T) {
	svc := settings.New(openTestStore(t), nil)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "ghost"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, id := range []string{"beta", "alpha"} {
		if _, err := svc.Upsert(ctx, id, settings.UpdateInput{}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	all, err := svc.List(ctx)
	if err != nil || len(all) != 2 || all[0].AgentID != "alpha" {
		t.Fatalf("unexpected list: %+v %v", all, err)
	}
	if err := svc.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "alpha"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestDecodeUpdate_RejectsWrongTypes(t *testing.T) {
	if _, err := settings.DecodeUpdate([]byte(`{"model": 4}`)); err == nil {
		t.Fatal("expected numeric model to fail")
	}
	if _, err := settings.DecodeUpdate([]byte(`{"budget_limit_usd": "ten"}`)); err == nil {
		t.Fatal("expected string budget to fail")
	}
}

func TestModels(t *testing.T) {
	models := settings.New(openTestStore(t), nil).Models()
	if len(models) != 5 {
		t.Fatalf("expected 5 catalogue models, got %d", len(models))
	}
	found := false
	for _, m := range models {
		if m.ID == persistence.DefaultAgentModel {
			found = true
		}
	}
	if !found {
		t.Fatalf("default model %q missing from catalogue", persistence.DefaultAgentModel)
	}
}
