package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"carebridge.org/internal/store"
)

// RecordID derives the deterministic audit-record id for one logical
// attempt. Two processes racing to record the same attempt compute the same
// id and converge on one row.
func RecordID(actor, actionType, idempotencyKey string, bucket time.Time) string {
	joined := strings.Join([]string{actor, actionType, idempotencyKey, bucket.UTC().Format(time.RFC3339)}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Attempt describes the first write of one logical action attempt.
type Attempt struct {
	ActorID        string
	SessionKey     string
	ActionType     string
	PayloadHash    string
	CanonicalJSON  string
	IdempotencyKey string
	Bucket         time.Time
	ConsentToken   string
	Now            time.Time
}

// Ledger is the append/update system of record for attempted transactional
// actions. Records are created once per (actor, key, bucket) and updated in
// place; they are never deleted.
type Ledger struct {
	store store.Store
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

func (l *Ledger) Store() store.Store { return l.store }

// RecordAttempt creates the audit record for a fresh attempt, or returns the
// existing one (replayed=true) when the deterministic id already exists.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) (store.Record, bool, error) {
	id := RecordID(a.ActorID, a.ActionType, a.IdempotencyKey, a.Bucket)
	now := a.Now.UTC().Format(time.RFC3339Nano)

	rec, created, err := l.store.Create(ctx, store.TableActionAudit, id, store.Record{
		"actor_id":             a.ActorID,
		"session_key":          a.SessionKey,
		"action_type":          a.ActionType,
		"payload_hash":         a.PayloadHash,
		"payload_canonical":    a.CanonicalJSON,
		"idempotency_key":      a.IdempotencyKey,
		"replay_window_bucket": a.Bucket.UTC().Format(time.RFC3339),
		"consent_token":        a.ConsentToken,
		"consent_snapshot": map[string]any{
			"token_present": a.ConsentToken != "",
		},
		"status":        string(StatePlanned),
		"lifecycle":     []any{string(StatePlanned)},
		"result":        nil,
		"error_code":    "",
		"error_message": "",
		"started_at":    now,
		"finished_at":   nil,
	})
	if err != nil {
		return nil, false, err
	}
	return rec, !created, nil
}

// AttachConsent stores the consent token on a record that was created before
// the user had granted one, so the awaiting_confirmation resume can proceed.
func (l *Ledger) AttachConsent(ctx context.Context, actionID, token string) (store.Record, error) {
	rec, err := l.store.Update(ctx, store.TableActionAudit, actionID, store.Record{
		"consent_token": token,
		"consent_snapshot": map[string]any{
			"token_present": token != "",
		},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	return rec, err
}

// TransitionUpdate carries the optional fields written alongside a state
// change. Error details stick only for failure-family states.
type TransitionUpdate struct {
	Result       map[string]any
	ErrorCode    string
	ErrorMessage string
	Now          time.Time
}

var ErrActionNotFound = errors.New("action not found")

// Transition moves an action to the next state, appending to the lifecycle
// trail and stamping finished_at on terminal states. The edge
// awaiting_confirmation -> executing additionally requires a consent token
// to be structurally present on the record.
func (l *Ledger) Transition(ctx context.Context, actionID string, next State, up TransitionUpdate) (store.Record, error) {
	rec, err := l.store.Get(ctx, store.TableActionAudit, actionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}

	currentStr, _ := rec["status"].(string)
	current := State(currentStr)
	if !next.Valid() || !CanTransition(current, next) {
		return nil, &InvalidTransitionError{From: current, To: next}
	}
	if current == StateAwaitingConfirmation && next == StateExecuting {
		if token, _ := rec["consent_token"].(string); token == "" {
			return nil, &InvalidTransitionError{From: current, To: next}
		}
	}

	lifecycle := append(lifecycleOf(rec), string(next))
	now := up.Now
	if now.IsZero() {
		now = time.Now()
	}
	patch := store.Record{
		"status":    string(next),
		"lifecycle": toAnySlice(lifecycle),
	}
	if up.Result != nil {
		patch["result"] = up.Result
	}
	if up.ErrorCode != "" {
		patch["error_code"] = up.ErrorCode
		patch["error_message"] = up.ErrorMessage
	}
	if next.Terminal() {
		patch["finished_at"] = now.UTC().Format(time.RFC3339Nano)
	}

	// The decide-then-write pair is guarded: the update applies only while
	// the record is still in the state the decision was based on.
	updated, err := l.store.UpdateIf(ctx, store.TableActionAudit, actionID,
		map[string]any{"status": currentStr}, patch)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, &InvalidTransitionError{From: current, To: next}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reconcile attaches a final status to a previously pending attempt, e.g.
// when an external confirmation callback arrives.
func (l *Ledger) Reconcile(ctx context.Context, actionID string, final State, up TransitionUpdate) (store.Record, error) {
	if !final.Terminal() {
		return nil, &InvalidTransitionError{From: StatePending, To: final}
	}
	return l.Transition(ctx, actionID, final, up)
}

// ExpireStale marks awaiting_confirmation records started before the cutoff
// as expired, so abandoned confirmations do not linger forever. Returns the
// number of records expired; a record another writer moved first is skipped.
func (l *Ledger) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rows, err := l.store.List(ctx, store.TableActionAudit, store.Query{
		Where: map[string]any{"status": string(StateAwaitingConfirmation)},
		Limit: limit,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, rec := range rows {
		startedAt, _ := rec["started_at"].(string)
		started, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil || !started.Before(cutoff) {
			continue
		}
		id, _ := rec["id"].(string)
		_, err = l.Transition(ctx, id, StateExpired, TransitionUpdate{
			ErrorCode:    "confirmation_window_elapsed",
			ErrorMessage: "No user confirmation arrived before the window closed.",
			Now:          cutoff,
		})
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ListByActor returns the actor's audit records, newest first.
func (l *Ledger) ListByActor(ctx context.Context, actorID string, limit int) ([]store.Record, error) {
	return l.store.List(ctx, store.TableActionAudit, store.Query{
		Where: map[string]any{"actor_id": actorID},
		Limit: limit,
		Desc:  true,
	})
}

func lifecycleOf(rec store.Record) []string {
	raw, _ := rec["lifecycle"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if s, ok := rec["lifecycle"].([]string); ok {
			return append(out, s...)
		}
	}
	return out
}

func toAnySlice(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
