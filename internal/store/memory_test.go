package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCreateIsCreateOrFetch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, created, err := m.Create(ctx, TableActionAudit, "a1", Record{"status": "planned"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := m.Create(ctx, TableActionAudit, "a1", Record{"status": "executing"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate id must not report created")
	}
	if second["status"] != first["status"] {
		t.Fatalf("duplicate create must return the existing record, got %v", second["status"])
	}
}

func TestCreateRace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	createdCount := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := m.Create(ctx, TableActionAudit, "same", Record{"status": "planned"})
			if err != nil {
				t.Error(err)
				return
			}
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	wins := 0
	for created := range createdCount {
		if created {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one racer should create, got %d", wins)
	}
}

func TestUpdateIfCondition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, _, err := m.Create(ctx, TableConsentTokens, "ctk_1", Record{"used_at": nil}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.UpdateIf(ctx, TableConsentTokens, "ctk_1", map[string]any{"used_at": nil}, Record{"used_at": "2026-02-10T09:00:00Z"}); err != nil {
		t.Fatalf("first stamp should pass: %v", err)
	}
	_, err := m.UpdateIf(ctx, TableConsentTokens, "ctk_1", map[string]any{"used_at": nil}, Record{"used_at": "2026-02-10T09:00:05Z"})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("second stamp must fail the condition, got %v", err)
	}
	if _, err := m.UpdateIf(ctx, TableConsentTokens, "missing", map[string]any{"used_at": nil}, Record{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing record: %v", err)
	}
}

func TestListWhereLimitDesc(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		if _, _, err := m.Create(ctx, TablePolicyEvents, id, Record{"actor_id": "u1", "event_type": "tool_outcome"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := m.Create(ctx, TablePolicyEvents, "other", Record{"actor_id": "u2"}); err != nil {
		t.Fatal(err)
	}

	rows, err := m.List(ctx, TablePolicyEvents, Query{Where: map[string]any{"actor_id": "u1"}, Limit: 2, Desc: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != "e3" || rows[1]["id"] != "e2" {
		t.Fatalf("unexpected order: %v, %v", rows[0]["id"], rows[1]["id"])
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, _, err := m.Create(ctx, TableActionAudit, "a1", Record{"data": map[string]any{"n": 1}}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Get(ctx, TableActionAudit, "a1")
	if err != nil {
		t.Fatal(err)
	}
	rec["data"].(map[string]any)["n"] = 99

	again, _ := m.Get(ctx, TableActionAudit, "a1")
	if again["data"].(map[string]any)["n"] != 1 {
		t.Fatal("mutating a returned record must not change stored state")
	}
}
