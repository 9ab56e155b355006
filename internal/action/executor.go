package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carebridge.org/internal/canonical"
	"carebridge.org/internal/policy"
	"carebridge.org/internal/replay"
	"carebridge.org/internal/store"
)

// Context carries the per-request facts the executor and hooks need.
type Context struct {
	ActorID       string
	SessionKey    string
	RequestID     string
	MessageText   string
	Emergency     bool
	UserConfirmed bool
}

// Outcome is what a tool handler reports back.
type Outcome struct {
	Status State
	Data   map[string]any
	Errors []string
}

// Result is the executor's answer for one invocation. Status is a lifecycle
// state name; Code is set when a safety check blocked the action.
type Result struct {
	ActionID  string         `json:"action_id,omitempty"`
	Status    string         `json:"status"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Lifecycle []string       `json:"lifecycle,omitempty"`
	Replayed  bool           `json:"replayed"`
}

// Tool is one registered capability. Transactional tools go through the full
// confirm/consent/audit path; read-only tools run directly.
type Tool struct {
	Name          string
	Transactional bool
	Run           func(ctx context.Context, req Context, payload map[string]any) (Outcome, error)
}

// Registry resolves tool names, including aliases, to registered tools.
type Registry struct {
	tools   map[string]*Tool
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool), aliases: make(map[string]string)}
}

func (r *Registry) Register(t *Tool, aliases ...string) {
	r.tools[t.Name] = t
	for _, a := range aliases {
		r.aliases[a] = t.Name
	}
}

// Resolve returns the tool for name, following one alias hop.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	if canon, ok := r.aliases[name]; ok {
		name = canon
	}
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// BeforeHook runs ahead of the tool handler and may block the action.
type BeforeHook func(ctx context.Context, req Context, tool string, payload map[string]any) policy.Decision

// AfterHook observes the finished result. After hooks must not fail the
// action; side effects have already happened.
type AfterHook func(ctx context.Context, req Context, tool string, payload map[string]any, res Result)

// Executor runs tools behind the safety pipeline: replay dedup, user
// confirmation, the fail-closed dependency gate, static policy, and the
// registered hooks, with every transactional attempt recorded in the ledger.
type Executor struct {
	registry *Registry
	ledger   *Ledger
	gate     *policy.Gate
	engine   *policy.Engine

	// Deps reports the health of the dependencies the fail-closed gate
	// requires before letting a transactional action through.
	Deps   func(ctx context.Context) []policy.Dependency
	Window time.Duration
	Before []BeforeHook
	After  []AfterHook
	Now    func() time.Time
}

func NewExecutor(reg *Registry, led *Ledger, gate *policy.Gate, engine *policy.Engine) *Executor {
	return &Executor{
		registry: reg,
		ledger:   led,
		gate:     gate,
		engine:   engine,
		Deps:     func(context.Context) []policy.Dependency { return nil },
		Window:   replay.DefaultWindow,
		Now:      time.Now,
	}
}

// Transport-level fields that ride along in the payload but are not part of
// what the action does, so they never influence the payload hash.
var payloadMetaFields = []string{"consent_token", "payload_hash", "idempotency_key"}

// SanitizePayload returns a copy of payload with transport metadata removed.
func SanitizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range payloadMetaFields {
		delete(out, k)
	}
	return out
}

// Execute runs one tool invocation through the pipeline.
func (e *Executor) Execute(ctx context.Context, req Context, toolName string, payload map[string]any) (Result, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	tool, ok := e.registry.Resolve(toolName)
	if !ok {
		return Result{
			Status:  string(StateFailed),
			Code:    policy.CodeAllowlistDenied,
			Message: fmt.Sprintf("unknown tool %q", toolName),
			Errors:  []string{"unknown_tool"},
		}, nil
	}

	emergency := req.Emergency || policy.IsEmergencyText(req.MessageText)
	transactional := tool.Transactional || e.engine.IsTransactional(tool.Name)
	if !transactional {
		return e.executeDirect(ctx, req, tool, payload, emergency)
	}

	// Two distinct hashes. The consent-binding hash covers the sanitized
	// payload, so a token minted before the user attached it still matches.
	// The idempotency key covers the payload as sent, so attaching a
	// consent token starts a fresh logical attempt instead of colliding
	// with an earlier blocked one.
	sanitized := SanitizePayload(payload)
	canonicalJSON := canonical.Canonicalize(sanitized)
	payloadHash := canonical.Hash(sanitized)

	idemKey, _ := payload["idempotency_key"].(string)
	if idemKey == "" {
		keyed := make(map[string]any, len(payload))
		for k, v := range payload {
			keyed[k] = v
		}
		delete(keyed, "idempotency_key")
		var err error
		idemKey, err = replay.DeriveKey(req.ActorID, tool.Name, canonical.Canonicalize(keyed), replay.TargetRef(tool.Name, sanitized))
		if err != nil {
			return Result{}, err
		}
	}
	bucket, err := replay.Bucket(e.Now(), e.Window)
	if err != nil {
		return Result{}, err
	}

	consentToken, _ := payload["consent_token"].(string)
	rec, replayed, err := e.ledger.RecordAttempt(ctx, Attempt{
		ActorID:        req.ActorID,
		SessionKey:     req.SessionKey,
		ActionType:     tool.Name,
		PayloadHash:    payloadHash,
		CanonicalJSON:  canonicalJSON,
		IdempotencyKey: idemKey,
		Bucket:         bucket,
		ConsentToken:   consentToken,
		Now:            e.Now(),
	})
	if err != nil {
		return Result{}, err
	}
	actionID, _ := rec["id"].(string)

	if replayed {
		status, _ := rec["status"].(string)
		// A record parked in awaiting_confirmation is not a duplicate when
		// the user has now confirmed; it is the same attempt resuming.
		if State(status) == StateAwaitingConfirmation && req.UserConfirmed {
			if consentToken != "" {
				if rec, err = e.ledger.AttachConsent(ctx, actionID, consentToken); err != nil {
					return Result{}, err
				}
			}
		} else {
			return e.replayResult(rec, actionID), nil
		}
	} else {
		// Confirmation comes before any dependency or policy work: an
		// unconfirmed action parks in awaiting_confirmation and nothing
		// else runs until the user says yes.
		rec, err = e.ledger.Transition(ctx, actionID, StateAwaitingConfirmation, TransitionUpdate{Now: e.Now()})
		if err != nil {
			return Result{}, err
		}
		if !req.UserConfirmed {
			return Result{
				ActionID:  actionID,
				Status:    string(StateAwaitingConfirmation),
				Code:      "user_confirmation_required",
				Message:   "This action needs your explicit confirmation before it runs.",
				Lifecycle: lifecycleOf(rec),
			}, nil
		}
	}

	if gd := e.gate.Check(ctx, req.ActorID, e.Deps(ctx)); !gd.Allowed {
		return e.block(ctx, req, tool, payload, actionID, gd)
	}
	if pd := e.engine.Evaluate(req.ActorID, tool.Name, emergency, sanitized); !pd.Allowed {
		return e.block(ctx, req, tool, payload, actionID, pd)
	}
	for _, hook := range e.Before {
		if hd := hook(ctx, req, tool.Name, payload); !hd.Allowed {
			return e.block(ctx, req, tool, payload, actionID, hd)
		}
	}

	if _, err := e.ledger.Transition(ctx, actionID, StateExecuting, TransitionUpdate{Now: e.Now()}); err != nil {
		if res, ok := e.lostRace(ctx, req, idemKey, bucket, actionID, err); ok {
			return res, nil
		}
		return Result{}, err
	}

	outcome := e.runHandler(ctx, req, tool, payload)
	final := outcome.Status
	if !final.Valid() || !CanTransition(StateExecuting, final) {
		final = StateFailed
		outcome.Errors = append(outcome.Errors, "invalid_tool_status")
	}

	up := TransitionUpdate{Result: outcome.Data, Now: e.Now()}
	if final == StateFailed && len(outcome.Errors) > 0 {
		up.ErrorCode = outcome.Errors[0]
		up.ErrorMessage = "tool reported failure"
	}
	rec, err = e.ledger.Transition(ctx, actionID, final, up)
	if err != nil {
		if res, ok := e.lostRace(ctx, req, idemKey, bucket, actionID, err); ok {
			return res, nil
		}
		// The side effect may have happened but could not be recorded.
		// Surface that loudly instead of pretending the action failed
		// cleanly.
		res := Result{
			ActionID: actionID,
			Status:   string(StateFailed),
			Code:     "audit_write_failed",
			Message:  "The action may have completed but its record could not be written.",
			Errors:   append(outcome.Errors, "audit_write_failed"),
		}
		e.runAfter(ctx, req, tool, payload, res)
		return res, nil
	}

	res := Result{
		ActionID:  actionID,
		Status:    string(final),
		Data:      outcome.Data,
		Errors:    outcome.Errors,
		Lifecycle: lifecycleOf(rec),
	}
	e.runAfter(ctx, req, tool, payload, res)
	return res, nil
}

func (e *Executor) executeDirect(ctx context.Context, req Context, tool *Tool, payload map[string]any, emergency bool) (Result, error) {
	if pd := e.engine.Evaluate(req.ActorID, tool.Name, emergency, payload); !pd.Allowed {
		return Result{Status: string(StateBlocked), Code: pd.Code, Message: pd.Message}, nil
	}
	outcome := e.runHandler(ctx, req, tool, payload)
	res := Result{Status: string(outcome.Status), Data: outcome.Data, Errors: outcome.Errors}
	e.runAfter(ctx, req, tool, payload, res)
	return res, nil
}

func (e *Executor) block(ctx context.Context, req Context, tool *Tool, payload map[string]any, actionID string, d policy.Decision) (Result, error) {
	rec, err := e.ledger.Transition(ctx, actionID, StateBlocked, TransitionUpdate{
		ErrorCode:    d.Code,
		ErrorMessage: d.Message,
		Now:          e.Now(),
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{
		ActionID:  actionID,
		Status:    string(StateBlocked),
		Code:      d.Code,
		Message:   d.Message,
		Lifecycle: lifecycleOf(rec),
	}
	e.runAfter(ctx, req, tool, payload, res)
	return res, nil
}

// lostRace answers a transition that failed because a concurrent duplicate
// moved the record first. The record is re-read and the winner's outcome is
// returned as a replay. Any other transition failure is left to the caller.
func (e *Executor) lostRace(ctx context.Context, req Context, idemKey string, bucket time.Time, actionID string, cause error) (Result, bool) {
	var invalid *InvalidTransitionError
	if !errors.As(cause, &invalid) {
		return Result{}, false
	}
	state, rec, err := replay.Lookup(ctx, e.ledger.Store(), req.ActorID, idemKey, bucket)
	if err != nil || state == replay.Miss {
		return Result{}, false
	}
	return e.replayResult(rec, actionID), true
}

// replayResult answers a duplicate attempt from the stored record without
// re-running the tool.
func (e *Executor) replayResult(rec store.Record, actionID string) Result {
	status, _ := rec["status"].(string)
	switch replay.Classify(status) {
	case replay.ReplaySuccess:
		data, _ := rec["result"].(map[string]any)
		return Result{
			ActionID:  actionID,
			Status:    status,
			Data:      data,
			Lifecycle: lifecycleOf(rec),
			Replayed:  true,
		}
	case replay.TerminalNonSuccess:
		code, _ := rec["error_code"].(string)
		return Result{
			ActionID:  actionID,
			Status:    string(StateFailed),
			Code:      "duplicate_non_success_replay",
			Message:   "An identical attempt already failed in this window; submit a fresh request to retry.",
			Errors:    appendNonEmpty(nil, code),
			Lifecycle: lifecycleOf(rec),
			Replayed:  true,
		}
	default:
		return Result{
			ActionID:  actionID,
			Status:    string(StatePending),
			Code:      "action_in_progress",
			Message:   "An identical attempt is already in progress.",
			Lifecycle: lifecycleOf(rec),
			Replayed:  true,
		}
	}
}

func (e *Executor) runHandler(ctx context.Context, req Context, tool *Tool, payload map[string]any) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StateFailed, Errors: []string{"tool_exception"}}
		}
	}()
	outcome, err := tool.Run(ctx, req, payload)
	if err != nil {
		return Outcome{Status: StateFailed, Errors: []string{"tool_exception", err.Error()}}
	}
	return outcome
}

func (e *Executor) runAfter(ctx context.Context, req Context, tool *Tool, payload map[string]any, res Result) {
	for _, hook := range e.After {
		hook(ctx, req, tool.Name, payload, res)
	}
}

func appendNonEmpty(xs []string, v string) []string {
	if v == "" {
		return xs
	}
	return append(xs, v)
}
