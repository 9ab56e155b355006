package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carebridge.org/internal/action"
	"carebridge.org/internal/auth"
	"carebridge.org/internal/canonical"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/store"
	"carebridge.org/internal/stream"
)

// Codes that mark an outcome as a policy block rather than a failure. Blocks
// are expected user-actionable outcomes and return 200 with status "blocked".
var blockCodes = map[string]bool{
	"consent_token_missing":         true,
	"consent_token_not_found":       true,
	"consent_token_expired":         true,
	"consent_action_type_mismatch":  true,
	"consent_payload_hash_mismatch": true,
	"consent_token_already_used":    true,
	"allowlist_denied":              true,
	"emergency_transaction_block":   true,
	"cross_user_block":              true,
	"policy_dependency_unavailable": true,
	"duplicate_non_success_replay":  true,
	"user_confirmation_required":    true,
}

func (a *API) actorID(r *http.Request) (string, bool) {
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		return id, true
	}
	if !a.authOn {
		if id := strings.TrimSpace(r.Header.Get("X-Actor-ID")); id != "" {
			return id, true
		}
	}
	return "", false
}

type issueConsentRequest struct {
	ActionType       string         `json:"action_type"`
	Payload          map[string]any `json:"payload,omitempty"`
	PayloadHash      string         `json:"payload_hash,omitempty"`
	ExpiresInSeconds int            `json:"expires_in_seconds,omitempty"`
}

// IssueConsent mints a consent token for the authenticated actor.
func (a *API) IssueConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req issueConsentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActionType == "" {
		respondError(w, http.StatusBadRequest, "action_type is required")
		return
	}
	hash := req.PayloadHash
	if hash == "" {
		hash = canonical.Hash(action.SanitizePayload(req.Payload))
	}
	ttl := time.Duration(req.ExpiresInSeconds) * time.Second

	token, err := a.consents.Issue(r.Context(), actor, req.ActionType, hash, ttl, time.Now())
	if err != nil {
		if errors.Is(err, consent.ErrInvalidArgument) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "consent issuance failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        token.Token,
		"action_type":  token.ActionType,
		"payload_hash": token.PayloadHash,
		"issued_at":    token.IssuedAt.Format(time.RFC3339),
		"expires_at":   token.ExpiresAt.Format(time.RFC3339),
	})
}

type executeRequest struct {
	Tool          string         `json:"tool"`
	Payload       map[string]any `json:"payload,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	MessageText   string         `json:"message_text,omitempty"`
	UserConfirmed bool           `json:"user_confirmed,omitempty"`
}

// ExecuteAction runs one tool invocation through the safety pipeline and
// answers with the tri-state envelope.
func (a *API) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		respondError(w, http.StatusBadRequest, "tool is required")
		return
	}

	res, err := a.exec.Execute(r.Context(), action.Context{
		ActorID:       actor,
		SessionKey:    req.SessionKey,
		RequestID:     requestIDFrom(r.Context()),
		MessageText:   req.MessageText,
		UserConfirmed: req.UserConfirmed,
	}, req.Tool, req.Payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "action execution failed")
		return
	}

	collapsed := action.Collapse(action.State(res.Status))
	obs.ObserveAction(req.Tool, collapsed)
	if res.Replayed {
		obs.ObserveReplayHit(res.Status)
	}

	envelope := "ok"
	switch {
	case res.Code == "audit_write_failed":
		envelope = "error"
	case blockCodes[res.Code]:
		envelope = "blocked"
		obs.ObservePolicyBlock(res.Code)
	}

	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.KindActionResult,
			ActorID:  actor,
			Tool:     req.Tool,
			Status:   collapsed,
			Code:     res.Code,
			ActionID: res.ActionID,
		})
		if envelope == "blocked" {
			a.stream.Publish(stream.Event{
				Kind:     stream.KindPolicyEvent,
				ActorID:  actor,
				Tool:     req.Tool,
				Code:     res.Code,
				ActionID: res.ActionID,
			})
		}
	}

	body := map[string]any{
		"status":           envelope,
		"action_status":    res.Status,
		"collapsed_status": collapsed,
		"data":             res.Data,
		"lifecycle":        res.Lifecycle,
		"action_id":        res.ActionID,
		"replayed":         res.Replayed,
	}
	var errs []map[string]any
	if res.Code != "" && res.Code != "ok" {
		errs = append(errs, map[string]any{"code": res.Code, "message": res.Message})
	}
	for _, e := range res.Errors {
		errs = append(errs, map[string]any{"code": e, "message": ""})
	}
	body["errors"] = errs

	code := http.StatusOK
	if res.Code == "audit_write_failed" {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, body)
}

// ListActions returns the actor's audit records, newest first.
func (a *API) ListActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := queryLimit(r, 50)
	rows, err := a.ledger.ListByActor(r.Context(), actor, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	items := make([]map[string]any, 0, len(rows))
	for _, rec := range rows {
		items = append(items, actionSummary(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": items})
}

// ActionByID routes /v1/actions/{id} and /v1/actions/{id}/resolve.
func (a *API) ActionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/actions/")
	if id, ok := strings.CutSuffix(rest, "/resolve"); ok && id != "" && !strings.Contains(id, "/") {
		a.ResolveAction(w, r, id)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}
	a.GetAction(w, r, rest)
}

// GetAction returns one audit record, restricted to its owning actor.
func (a *API) GetAction(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	rec, err := a.ledger.Store().Get(r.Context(), store.TableActionAudit, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec["actor_id"] != actor {
		// Do not reveal that the record exists.
		http.NotFound(w, r)
		return
	}
	out := actionSummary(rec)
	out["lifecycle"] = rec["lifecycle"]
	out["result"] = rec["result"]
	out["payload_hash"] = rec["payload_hash"]
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ResolveAction records the final status of a pending attempt once its
// outcome is known outside the request path, e.g. a call-to-book booking
// the user completed over the phone.
func (a *API) ResolveAction(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	final := action.State(req.Status)
	if !final.Valid() || !final.Terminal() {
		respondError(w, http.StatusBadRequest, "status must be a terminal state")
		return
	}

	rec, err := a.ledger.Store().Get(r.Context(), store.TableActionAudit, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec["actor_id"] != actor {
		// Do not reveal that the record exists.
		http.NotFound(w, r)
		return
	}

	rec, err = a.ledger.Reconcile(r.Context(), id, final, action.TransitionUpdate{
		Result:       req.Result,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		Now:          time.Now(),
	})
	var invalid *action.InvalidTransitionError
	if errors.As(err, &invalid) {
		respondError(w, http.StatusConflict, invalid.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	tool, _ := rec["action_type"].(string)
	collapsed := action.Collapse(final)
	obs.ObserveAction(tool, collapsed)
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.KindActionResult,
			ActorID:  actor,
			Tool:     tool,
			Status:   collapsed,
			ActionID: id,
		})
	}

	out := actionSummary(rec)
	out["lifecycle"] = rec["lifecycle"]
	out["result"] = rec["result"]
	writeJSON(w, http.StatusOK, out)
}

// ListPolicyEvents returns the actor's recent policy events.
func (a *API) ListPolicyEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := a.actorID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := queryLimit(r, 50)
	rows, err := a.events.ListByActor(r.Context(), actor, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	items := make([]map[string]any, 0, len(rows))
	for _, rec := range rows {
		items = append(items, map[string]any{
			"event_type": rec["event_type"],
			"tool_name":  rec["tool_name"],
			"details":    rec["details"],
			"created_at": rec["created_at"],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func actionSummary(rec store.Record) map[string]any {
	status, _ := rec["status"].(string)
	return map[string]any{
		"action_id":            rec["id"],
		"action_type":          rec["action_type"],
		"status":               action.Collapse(action.State(status)),
		"error_code":           rec["error_code"],
		"replay_window_bucket": rec["replay_window_bucket"],
		"started_at":           rec["started_at"],
		"finished_at":          rec["finished_at"],
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
