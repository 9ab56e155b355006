package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"carebridge.org/internal/store"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("u1", "appointment_book", `{"provider":"p1"}`, "p1|s1")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey("u1", "appointment_book", `{"provider":"p1"}`, "p1|s1")
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatal("same inputs must derive the same key")
	}
}

func TestDeriveKeySensitivity(t *testing.T) {
	base, _ := DeriveKey("u1", "appointment_book", `{"a":1}`, "p1|s1")
	variants := [][4]string{
		{"u2", "appointment_book", `{"a":1}`, "p1|s1"},
		{"u1", "medication_refill_request", `{"a":1}`, "p1|s1"},
		{"u1", "appointment_book", `{"a":2}`, "p1|s1"},
		{"u1", "appointment_book", `{"a":1}`, "p2|s1"},
	}
	for _, v := range variants {
		k, err := DeriveKey(v[0], v[1], v[2], v[3])
		if err != nil {
			t.Fatal(err)
		}
		if k == base {
			t.Fatalf("changing %v should change the key", v)
		}
	}
}

func TestDeriveKeyRequiredFields(t *testing.T) {
	if _, err := DeriveKey("u1", "", "{}", "ref"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty action type: %v", err)
	}
	if _, err := DeriveKey("u1", "appointment_book", "{}", "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty target ref: %v", err)
	}
}

func TestTargetRef(t *testing.T) {
	cases := []struct {
		action  string
		payload map[string]any
		want    string
	}{
		{"appointment_book", map[string]any{"provider": "p1", "slot": "2026-02-10T09:00:00Z"}, "p1|2026-02-10T09:00:00Z"},
		{"appointment_book", map[string]any{"provider_name": "Dr. Kim", "slot_datetime": "s"}, "Dr. Kim|s"},
		{"medication_refill_request", map[string]any{"medication_id": "m1", "pharmacy_target": "ph1"}, "m1|ph1"},
		{"clinical_profile_get", map[string]any{"x": 1}, "clinical_profile_get"},
	}
	for _, c := range cases {
		if got := TargetRef(c.action, c.payload); got != c.want {
			t.Fatalf("TargetRef(%s) = %q, want %q", c.action, got, c.want)
		}
	}
}

func TestBucket(t *testing.T) {
	now := time.Date(2026, 2, 10, 17, 45, 12, 0, time.UTC)
	b1, err := Bucket(now, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Bucket(now.Add(3*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !b1.Equal(b2) {
		t.Fatalf("same window must share a bucket: %v vs %v", b1, b2)
	}
	b3, _ := Bucket(now.Add(24*time.Hour), 24*time.Hour)
	if b3.Equal(b1) {
		t.Fatal("next window must start a new bucket")
	}
	if _, err := Bucket(now, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("non-positive window: %v", err)
	}
}

func TestParseWindowHours(t *testing.T) {
	d, err := ParseWindowHours("6")
	if err != nil || d != 6*time.Hour {
		t.Fatalf("ParseWindowHours(6) = %v, %v", d, err)
	}
	if d, err := ParseWindowHours(" 24 "); err != nil || d != 24*time.Hour {
		t.Fatalf("ParseWindowHours(24) = %v, %v", d, err)
	}
	for _, raw := range []string{"", "abc", "1.5", "0", "-3"} {
		if _, err := ParseWindowHours(raw); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("ParseWindowHours(%q) err = %v, want invalid argument", raw, err)
		}
	}
}

func TestClassifyTotality(t *testing.T) {
	cases := map[string]State{
		"succeeded":             ReplaySuccess,
		"partial":               ReplaySuccess,
		"failed":                TerminalNonSuccess,
		"blocked":               TerminalNonSuccess,
		"expired":               TerminalNonSuccess,
		"planned":               InProgress,
		"awaiting_confirmation": InProgress,
		"executing":             InProgress,
		"pending":               InProgress,
	}
	for status, want := range cases {
		if got := Classify(status); got != want {
			t.Fatalf("Classify(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestLookupMissThenCreated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bucket, _ := Bucket(time.Now(), DefaultWindow)

	state, rec, err := Lookup(ctx, st, "u1", "key-1", bucket)
	if err != nil {
		t.Fatal(err)
	}
	if state != Miss || rec != nil {
		t.Fatalf("expected miss, got %s", state)
	}

	_, _, err = st.Create(ctx, store.TableActionAudit, "row-1", store.Record{
		"actor_id":             "u1",
		"idempotency_key":      "key-1",
		"replay_window_bucket": bucket.Format(time.RFC3339),
		"status":               "executing",
	})
	if err != nil {
		t.Fatal(err)
	}

	state, rec, err = Lookup(ctx, st, "u1", "key-1", bucket)
	if err != nil {
		t.Fatal(err)
	}
	if state != InProgress {
		t.Fatalf("expected in_progress after create, got %s", state)
	}
	if rec["id"] != "row-1" {
		t.Fatalf("unexpected record: %v", rec)
	}

	// Different bucket, same key: independent attempt.
	other := bucket.Add(DefaultWindow)
	state, _, err = Lookup(ctx, st, "u1", "key-1", other)
	if err != nil {
		t.Fatal(err)
	}
	if state != Miss {
		t.Fatalf("key reuse across windows must miss, got %s", state)
	}
}
