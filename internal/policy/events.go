package policy

import (
	"context"
	"time"

	"carebridge.org/internal/ids"
	"carebridge.org/internal/store"
)

// Event is one append-only policy occurrence: token issuance, fail-closed
// activation, tool outcomes. Events are never mutated after creation.
type Event struct {
	ActorID    string
	SessionKey string
	EventType  string
	ToolName   string
	Details    map[string]any
	CreatedAt  time.Time
}

// Log appends policy events to the record store.
type Log struct {
	store store.Store
	now   func() time.Time
}

func NewLog(st store.Store) *Log {
	return &Log{store: st, now: time.Now}
}

// NewLogAt fixes the clock. Test use.
func NewLogAt(st store.Store, now func() time.Time) *Log {
	return &Log{store: st, now: now}
}

func (l *Log) Append(ctx context.Context, ev Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	_, _, err := l.store.Create(ctx, store.TablePolicyEvents, ids.NewAt(createdAt), store.Record{
		"actor_id":    ev.ActorID,
		"session_key": ev.SessionKey,
		"event_type":  ev.EventType,
		"tool_name":   ev.ToolName,
		"details":     details,
		"created_at":  createdAt.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// ListByActor returns the actor's most recent events.
func (l *Log) ListByActor(ctx context.Context, actorID string, limit int) ([]store.Record, error) {
	return l.store.List(ctx, store.TablePolicyEvents, store.Query{
		Where: map[string]any{"actor_id": actorID},
		Limit: limit,
		Desc:  true,
	})
}
