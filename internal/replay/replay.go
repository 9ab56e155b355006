// Package replay detects duplicate submissions of side-effecting actions.
// A deterministic idempotency key plus a fixed-width time bucket identify one
// logical attempt; the audit ledger is consulted to classify repeats.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carebridge.org/internal/store"
)

// DefaultWindow scopes duplicate detection. Identical keys in different
// windows start independent attempts.
const DefaultWindow = 24 * time.Hour

var ErrInvalidArgument = errors.New("invalid argument")

// DeriveKey fingerprints one action request. The hash is for collision
// resistance, not secrecy, so no key material is involved.
func DeriveKey(actor, actionType, canonicalPayload, targetRef string) (string, error) {
	if strings.TrimSpace(actionType) == "" {
		return "", fmt.Errorf("%w: action type is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(targetRef) == "" {
		return "", fmt.Errorf("%w: target ref is required", ErrInvalidArgument)
	}
	joined := strings.Join([]string{actor, actionType, canonicalPayload, targetRef}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), nil
}

// TargetRef extracts the action-specific target from a payload. Scheduling
// actions key on provider and slot, refills on medication and pharmacy;
// everything else falls back to the action type itself.
func TargetRef(actionType string, payload map[string]any) string {
	switch actionType {
	case "appointment_book":
		provider := firstString(payload, "provider", "provider_name", "provider_id")
		slot := firstString(payload, "slot", "slot_datetime")
		return provider + "|" + slot
	case "medication_refill_request":
		med := firstString(payload, "medication_id", "medication_name")
		pharmacy := firstString(payload, "pharmacy_target", "pharmacy")
		return med + "|" + pharmacy
	default:
		return actionType
	}
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			s := strings.TrimSpace(fmt.Sprint(v))
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// ParseWindowHours parses a configured replay-window size given in whole
// hours. Zero and negative values are rejected rather than silently
// disabling deduplication.
func ParseWindowHours(raw string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: window hours %q is not an integer", ErrInvalidArgument, raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: window hours must be positive, got %d", ErrInvalidArgument, n)
	}
	return time.Duration(n) * time.Hour, nil
}

// Bucket floors now to the start of its replay window in UTC.
func Bucket(now time.Time, window time.Duration) (time.Time, error) {
	if window <= 0 {
		return time.Time{}, fmt.Errorf("%w: window must be positive", ErrInvalidArgument)
	}
	return now.UTC().Truncate(window), nil
}

// State classifies a replay lookup.
type State int

const (
	// Miss: no prior record, the caller should execute.
	Miss State = iota
	// ReplaySuccess: a terminal success exists, return its stored result.
	ReplaySuccess
	// InProgress: a non-terminal attempt exists, report pending.
	InProgress
	// TerminalNonSuccess: a terminal failure exists; blind retry of a failed
	// side-effecting call is unsafe, so the caller must require a new key.
	TerminalNonSuccess
)

func (s State) String() string {
	switch s {
	case Miss:
		return "miss"
	case ReplaySuccess:
		return "replay_success"
	case InProgress:
		return "in_progress"
	case TerminalNonSuccess:
		return "terminal_non_success"
	default:
		return "unknown"
	}
}

// Classify maps an audit record status to a replay state.
func Classify(status string) State {
	switch status {
	case "succeeded", "partial":
		return ReplaySuccess
	case "failed", "blocked", "expired":
		return TerminalNonSuccess
	default:
		// planned, awaiting_confirmation, executing, pending
		return InProgress
	}
}

// Lookup finds the audit record for (actor, key, bucket) and classifies it.
func Lookup(ctx context.Context, st store.Store, actor, idempotencyKey string, bucket time.Time) (State, store.Record, error) {
	rows, err := st.List(ctx, store.TableActionAudit, store.Query{
		Where: map[string]any{
			"actor_id":             actor,
			"idempotency_key":      idempotencyKey,
			"replay_window_bucket": bucket.UTC().Format(time.RFC3339),
		},
		Limit: 1,
	})
	if err != nil {
		return Miss, nil, err
	}
	if len(rows) == 0 {
		return Miss, nil, nil
	}
	rec := rows[0]
	status, _ := rec["status"].(string)
	return Classify(status), rec, nil
}
