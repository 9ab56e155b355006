package tools

import (
	"context"
	"time"

	"carebridge.org/internal/action"
	"carebridge.org/internal/canonical"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/policy"
)

// NewConsentBeforeHook returns the pre-execution check: transactional tools
// must present a consent token bound to this actor, tool, and exact payload.
// The check does not consume the token; consumption happens after the tool
// reports a non-failure outcome.
func NewConsentBeforeHook(svc *consent.Service, engine *policy.Engine, now func() time.Time) action.BeforeHook {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, req action.Context, tool string, payload map[string]any) policy.Decision {
		if !engine.IsTransactional(tool) {
			return policy.Allowed()
		}
		token, _ := payload["consent_token"].(string)
		if token == "" {
			obs.ObserveConsentValidation(consent.CodeMissing)
			return policy.Blocked(consent.CodeMissing,
				"A consent token is required for this action.")
		}
		// The binding hash is always recomputed from the payload being
		// executed. A caller-supplied payload_hash is never trusted.
		hash := canonical.Hash(action.SanitizePayload(payload))
		d, err := svc.Validate(ctx, req.ActorID, token, tool, hash, false, now())
		if err != nil {
			return policy.Blocked(policy.CodeDependencyUnavailable,
				"Consent verification is temporarily unavailable.")
		}
		obs.ObserveConsentValidation(d.Code)
		if !d.Allowed {
			return policy.Blocked(d.Code, d.Message)
		}
		return policy.Allowed()
	}
}

// NewOutcomeAfterHook records every tool outcome as a policy event and
// consumes the consent token once a transactional tool lands in a
// non-failure state.
func NewOutcomeAfterHook(events *policy.Log, svc *consent.Service, engine *policy.Engine, now func() time.Time) action.AfterHook {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, req action.Context, tool string, payload map[string]any, res action.Result) {
		_ = events.Append(ctx, policy.Event{
			ActorID:    req.ActorID,
			SessionKey: req.SessionKey,
			EventType:  "tool_outcome",
			ToolName:   tool,
			Details: map[string]any{
				"status":    res.Status,
				"code":      res.Code,
				"errors":    res.Errors,
				"action_id": res.ActionID,
			},
		})

		if !engine.IsTransactional(tool) {
			return
		}
		switch res.Status {
		case "succeeded", "partial", "pending":
		default:
			return
		}
		if token, _ := payload["consent_token"].(string); token != "" {
			_ = svc.Consume(ctx, token, now())
		}
	}
}
