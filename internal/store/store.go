package store

import (
	"context"
	"errors"
)

// Table names used by the safety core.
const (
	TableConsentTokens = "consent_tokens"
	TableActionAudit   = "action_audit"
	TablePolicyEvents  = "policy_events"
	TableMedications   = "medications"
	TableAppointments  = "appointments"
)

// Record is one keyed row. Values are JSON-compatible.
type Record map[string]any

// Query filters List results. Where entries are compared by equality.
type Query struct {
	Where map[string]any
	Limit int
	// Desc orders newest-first by created_at.
	Desc bool
}

var (
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed reports that an UpdateIf precondition did not hold.
	ErrConditionFailed = errors.New("update condition failed")
)

// Store is generic keyed record storage. Create is create-or-fetch: a
// duplicate id returns the existing record instead of failing, so two
// processes racing to create the same logical row converge on one record.
// UpdateIf is the compare-and-swap primitive used for single-use stamps.
type Store interface {
	Get(ctx context.Context, table, id string) (Record, error)
	Create(ctx context.Context, table, id string, rec Record) (Record, bool, error)
	Update(ctx context.Context, table, id string, patch Record) (Record, error)
	UpdateIf(ctx context.Context, table, id string, cond map[string]any, patch Record) (Record, error)
	List(ctx context.Context, table string, q Query) ([]Record, error)
}

// Clone deep-copies a record so callers cannot mutate stored state.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
