package action

import (
	"context"
	"testing"
	"time"

	"carebridge.org/internal/policy"
	"carebridge.org/internal/store"
)

type execFixture struct {
	exec   *Executor
	store  *store.Memory
	events *policy.Log
	runs   *int
}

func newFixture(t *testing.T, handler func(ctx context.Context, req Context, payload map[string]any) (Outcome, error)) *execFixture {
	t.Helper()
	st := store.NewMemory()
	events := policy.NewLog(st)
	runs := 0
	if handler == nil {
		handler = func(ctx context.Context, req Context, payload map[string]any) (Outcome, error) {
			return Outcome{Status: StateSucceeded, Data: map[string]any{"confirmation": "APT-1"}}, nil
		}
	}
	reg := NewRegistry()
	reg.Register(&Tool{
		Name:          "appointment_book",
		Transactional: true,
		Run: func(ctx context.Context, req Context, payload map[string]any) (Outcome, error) {
			runs++
			return handler(ctx, req, payload)
		},
	}, "book_appointment")
	reg.Register(&Tool{
		Name: "medication_list",
		Run: func(ctx context.Context, req Context, payload map[string]any) (Outcome, error) {
			runs++
			return Outcome{Status: StateSucceeded, Data: map[string]any{"medications": []any{"metformin"}}}, nil
		},
	})

	engine := policy.NewEngine(
		[]string{"appointment_book", "medication_list"},
		[]string{"appointment_book"},
	)
	exec := NewExecutor(reg, NewLedger(st), policy.NewGate(events), engine)
	exec.Deps = func(context.Context) []policy.Dependency {
		return []policy.Dependency{{Name: "policy_store", Available: true}}
	}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	exec.Now = func() time.Time { return base }
	return &execFixture{exec: exec, store: st, events: events, runs: &runs}
}

func confirmedReq() Context {
	return Context{ActorID: "user-1", SessionKey: "sess-1", UserConfirmed: true}
}

func bookingPayload() map[string]any {
	return map[string]any{
		"provider":      "Dr. Chen",
		"slot":          "2025-06-02T09:00:00Z",
		"consent_token": "ctk_abc.def",
	}
}

func TestExecuteFreshBookingSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.exec.Execute(context.Background(), confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "succeeded" {
		t.Fatalf("status = %s (code %s)", res.Status, res.Code)
	}
	if res.Replayed {
		t.Fatal("fresh attempt marked replayed")
	}
	if res.Data["confirmation"] != "APT-1" {
		t.Fatalf("data = %v", res.Data)
	}
	want := []string{"planned", "awaiting_confirmation", "executing", "succeeded"}
	if len(res.Lifecycle) != len(want) {
		t.Fatalf("lifecycle = %v", res.Lifecycle)
	}
	if *f.runs != 1 {
		t.Fatalf("handler ran %d times", *f.runs)
	}
}

func TestExecuteDuplicateReturnsStoredResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Fatal("duplicate not marked replayed")
	}
	if second.Status != "succeeded" || second.Data["confirmation"] != first.Data["confirmation"] {
		t.Fatalf("replay did not return stored result: %+v", second)
	}
	if *f.runs != 1 {
		t.Fatalf("handler ran %d times, want 1", *f.runs)
	}
	rows, _ := f.store.List(ctx, store.TableActionAudit, store.Query{})
	if len(rows) != 1 {
		t.Fatalf("duplicate created a second audit record: %d rows", len(rows))
	}
}

func TestExecuteAliasResolvesToSameAction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	res, err := f.exec.Execute(ctx, confirmedReq(), "book_appointment", bookingPayload())
	if err != nil {
		t.Fatalf("execute alias: %v", err)
	}
	if !res.Replayed {
		t.Fatal("alias invocation did not dedupe against canonical name")
	}
}

func TestExecuteConsentTokenStartsFreshAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, _ := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	p := bookingPayload()
	p["consent_token"] = "ctk_other.token"
	res, _ := f.exec.Execute(ctx, confirmedReq(), "appointment_book", p)
	if res.Replayed {
		t.Fatal("different consent token collided with the earlier attempt")
	}
	if res.ActionID == first.ActionID {
		t.Fatal("fresh attempt reused the earlier audit record")
	}
}

func TestExecuteExplicitIdempotencyKeyOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := bookingPayload()
	p["idempotency_key"] = "client-key-1"
	f.exec.Execute(ctx, confirmedReq(), "appointment_book", p)

	q := bookingPayload()
	q["provider"] = "Dr. Patel"
	q["idempotency_key"] = "client-key-1"
	res, _ := f.exec.Execute(ctx, confirmedReq(), "appointment_book", q)
	if !res.Replayed {
		t.Fatal("explicit idempotency key did not dedupe across payloads")
	}
}

func TestExecuteDuplicateOfFailureIsRejected(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req Context, payload map[string]any) (Outcome, error) {
		return Outcome{Status: StateFailed, Errors: []string{"slot_taken"}}, nil
	})
	ctx := context.Background()
	first, err := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Status != "failed" {
		t.Fatalf("first status = %s", first.Status)
	}
	second, err := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Code != "duplicate_non_success_replay" {
		t.Fatalf("code = %s, want duplicate_non_success_replay", second.Code)
	}
	if !second.Replayed || second.Status != "failed" {
		t.Fatalf("unexpected replay result: %+v", second)
	}
	if *f.runs != 1 {
		t.Fatalf("handler ran %d times, want 1", *f.runs)
	}
}

func TestExecuteUnconfirmedParksThenResumes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := confirmedReq()
	req.UserConfirmed = false

	parked, err := f.exec.Execute(ctx, req, "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("unconfirmed execute: %v", err)
	}
	if parked.Status != "awaiting_confirmation" || parked.Code != "user_confirmation_required" {
		t.Fatalf("unexpected parked result: %+v", parked)
	}
	if *f.runs != 0 {
		t.Fatal("handler ran before confirmation")
	}

	req.UserConfirmed = true
	done, err := f.exec.Execute(ctx, req, "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("confirmed execute: %v", err)
	}
	if done.Status != "succeeded" {
		t.Fatalf("resume status = %s (code %s)", done.Status, done.Code)
	}
	if done.ActionID != parked.ActionID {
		t.Fatal("resume created a new audit record")
	}
	if *f.runs != 1 {
		t.Fatalf("handler ran %d times", *f.runs)
	}
}

func TestExecuteTransitionRaceReturnsWinnersResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := confirmedReq()
	req.UserConfirmed = false

	parked, err := f.exec.Execute(ctx, req, "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("unconfirmed execute: %v", err)
	}

	// A concurrent duplicate finishes the attempt after the safety checks
	// but before this invocation claims the executing transition.
	led := NewLedger(f.store)
	f.exec.Before = append(f.exec.Before, func(ctx context.Context, _ Context, tool string, payload map[string]any) policy.Decision {
		if _, err := led.Transition(ctx, parked.ActionID, StateExecuting, TransitionUpdate{Now: f.exec.Now()}); err != nil {
			t.Fatalf("rival executing transition: %v", err)
		}
		if _, err := led.Transition(ctx, parked.ActionID, StateSucceeded, TransitionUpdate{
			Result: map[string]any{"confirmation": "APT-9"},
			Now:    f.exec.Now(),
		}); err != nil {
			t.Fatalf("rival terminal transition: %v", err)
		}
		return policy.Allowed()
	})

	req.UserConfirmed = true
	res, err := f.exec.Execute(ctx, req, "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("confirmed execute: %v", err)
	}
	if !res.Replayed || res.Status != "succeeded" {
		t.Fatalf("loser did not get the winner's result: %+v", res)
	}
	if res.Data["confirmation"] != "APT-9" {
		t.Fatalf("data = %v", res.Data)
	}
	if res.Code == "audit_write_failed" {
		t.Fatal("lost race reported as audit failure")
	}
	if *f.runs != 0 {
		t.Fatal("loser ran the handler")
	}
}

func TestExecuteFailsClosedWhenDependencyDown(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.Deps = func(context.Context) []policy.Dependency {
		return []policy.Dependency{{Name: "policy_store", Available: false, Detail: "connection refused"}}
	}
	ctx := context.Background()
	res, err := f.exec.Execute(ctx, confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "blocked" || res.Code != policy.CodeDependencyUnavailable {
		t.Fatalf("expected fail-closed block, got %+v", res)
	}
	if *f.runs != 0 {
		t.Fatal("handler ran despite outage")
	}
	events, _ := f.events.ListByActor(ctx, "user-1", 10)
	found := false
	for _, ev := range events {
		if ev["event_type"] == "fail_closed_activated" {
			found = true
		}
	}
	if !found {
		t.Fatal("fail_closed_activated event not recorded")
	}
}

func TestExecuteEmergencyBlocksTransactional(t *testing.T) {
	f := newFixture(t, nil)
	req := confirmedReq()
	req.MessageText = "I think I'm having a stroke, book me an appointment"
	res, err := f.exec.Execute(context.Background(), req, "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code != policy.CodeEmergencyBlock {
		t.Fatalf("code = %s, want emergency block", res.Code)
	}
	if *f.runs != 0 {
		t.Fatal("handler ran during emergency")
	}
}

func TestExecuteBeforeHookBlocks(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.Before = append(f.exec.Before, func(ctx context.Context, req Context, tool string, payload map[string]any) policy.Decision {
		return policy.Blocked("consent_token_missing", "Consent required.")
	})
	res, err := f.exec.Execute(context.Background(), confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "blocked" || res.Code != "consent_token_missing" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteHandlerPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req Context, payload map[string]any) (Outcome, error) {
		panic("boom")
	})
	res, err := f.exec.Execute(context.Background(), confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "failed" {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) == 0 || res.Errors[0] != "tool_exception" {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestExecuteNonTransactionalSkipsLedger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.exec.Execute(ctx, Context{ActorID: "user-1"}, "medication_list", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "succeeded" || res.ActionID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	rows, _ := f.store.List(ctx, store.TableActionAudit, store.Query{})
	if len(rows) != 0 {
		t.Fatalf("read-only tool wrote %d audit rows", len(rows))
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.exec.Execute(context.Background(), confirmedReq(), "rocket_launch", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "failed" || len(res.Errors) == 0 || res.Errors[0] != "unknown_tool" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteAfterHookSeesResult(t *testing.T) {
	f := newFixture(t, nil)
	var seen Result
	f.exec.After = append(f.exec.After, func(ctx context.Context, req Context, tool string, payload map[string]any, res Result) {
		seen = res
	})
	res, err := f.exec.Execute(context.Background(), confirmedReq(), "appointment_book", bookingPayload())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen.ActionID != res.ActionID || seen.Status != "succeeded" {
		t.Fatalf("after hook saw %+v", seen)
	}
}
