package policy

import (
	"context"
	"strings"
)

// Dependency is one pre-computed health check. The gate never probes
// anything itself; callers supply the results.
type Dependency struct {
	Name      string
	Available bool
	Detail    string
}

// Gate blocks transactional actions while any required dependency is down.
type Gate struct {
	events *Log
}

func NewGate(events *Log) *Gate {
	return &Gate{events: events}
}

// Check returns Allowed only when every dependency reports available.
// Activation is recorded as a policy event on a best-effort basis: a failure
// to record never changes the decision.
func (g *Gate) Check(ctx context.Context, actorID string, deps []Dependency) Decision {
	var unavailable []string
	details := make(map[string]any)
	for _, d := range deps {
		if d.Available {
			continue
		}
		unavailable = append(unavailable, d.Name)
		if d.Detail != "" {
			details[d.Name] = d.Detail
		}
	}
	if len(unavailable) == 0 {
		return Allowed()
	}

	if g.events != nil {
		_ = g.events.Append(ctx, Event{
			ActorID:   actorID,
			EventType: "fail_closed_activated",
			Details: map[string]any{
				"unavailable": unavailable,
				"detail":      details,
			},
		})
	}

	d := Blocked(CodeDependencyUnavailable,
		"Safety checks are temporarily unavailable ("+strings.Join(unavailable, ", ")+"); transactional actions are paused.")
	d.Unavailable = unavailable
	return d
}
