package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"carebridge.org/internal/action"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/policy"
	"carebridge.org/internal/sessioncache"
	"carebridge.org/internal/store"
	"carebridge.org/internal/stream"
	"carebridge.org/internal/tools"
)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	st := store.NewMemory()
	events := policy.NewLog(st)
	cs := consent.New(st, events, consent.Config{Secret: []byte("test-secret")})
	ts := tools.NewToolset(st, sessioncache.NewMemory(), cs)
	ts.DefaultMode = tools.ModeSimulated

	reg := action.NewRegistry()
	tools.Register(reg, ts)

	engine := policy.NewEngine(
		[]string{"appointment_book", "medication_refill_request", "consent_token_issue", "medication_list"},
		[]string{"appointment_book", "medication_refill_request"},
	)
	led := action.NewLedger(st)
	exec := action.NewExecutor(reg, led, policy.NewGate(events), engine)
	exec.Before = []action.BeforeHook{tools.NewConsentBeforeHook(cs, engine, exec.Now)}
	exec.After = []action.AfterHook{tools.NewOutcomeAfterHook(events, cs, engine, exec.Now)}

	api := New(Options{
		Version:     "test",
		Executor:    exec,
		Consents:    cs,
		Ledger:      led,
		Events:      events,
		Stream:      stream.New(),
		DisableAuth: true,
	})
	return api.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestOpenAPISpecServed(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodGet, "/openapi.yaml", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "openapi:") {
		t.Fatal("response is not an OpenAPI document")
	}
}

func TestExecuteRequiresTool(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"payload": map[string]any{},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestExecuteUnknownToolIsBlocked(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool": "no_such_tool",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "blocked" {
		t.Fatalf("envelope = %v", body["status"])
	}
}

func TestConsentFlowEndToEnd(t *testing.T) {
	h := newTestAPI(t)
	payload := map[string]any{
		"provider_name": "Dr. Chen",
		"location":      "Downtown Clinic",
		"slot_datetime": "2025-06-02T09:00:00Z",
	}

	// Without a consent token the booking is blocked.
	rr := doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool":           "appointment_book",
		"payload":        payload,
		"user_confirmed": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("blocked execute status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "blocked" {
		t.Fatalf("envelope = %v, want blocked", body["status"])
	}

	// Issue a token for the same payload.
	rr = doJSON(t, h, http.MethodPost, "/v1/consents", "user-1", map[string]any{
		"action_type": "appointment_book",
		"payload":     payload,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue consent status = %d: %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeBody(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("no token in response")
	}

	// With the token attached the booking succeeds.
	payload["consent_token"] = token
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool":           "appointment_book",
		"payload":        payload,
		"user_confirmed": true,
	})
	body = decodeBody(t, rr)
	if body["status"] != "ok" || body["action_status"] != "succeeded" {
		t.Fatalf("execute with consent: %v", body)
	}
	actionID, _ := body["action_id"].(string)
	if actionID == "" {
		t.Fatal("no action_id in response")
	}

	// The exact same request replays the stored result.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool":           "appointment_book",
		"payload":        payload,
		"user_confirmed": true,
	})
	body = decodeBody(t, rr)
	if body["replayed"] != true {
		t.Fatalf("duplicate not replayed: %v", body)
	}
	if body["action_id"] != actionID {
		t.Fatalf("replay action_id = %v, want %s", body["action_id"], actionID)
	}

	// The audit record lists for its owner.
	rr = doJSON(t, h, http.MethodGet, "/v1/actions", "user-1", nil)
	list := decodeBody(t, rr)
	actions, _ := list["actions"].([]any)
	if len(actions) == 0 {
		t.Fatal("no actions listed")
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/actions/"+actionID, "user-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get action status = %d", rr.Code)
	}
	detail := decodeBody(t, rr)
	if detail["status"] != "succeeded" {
		t.Fatalf("collapsed status = %v, want succeeded", detail["status"])
	}

	// Other actors get a 404, not a leak.
	rr = doJSON(t, h, http.MethodGet, "/v1/actions/"+actionID, "user-2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-actor get status = %d, want 404", rr.Code)
	}
}

func TestResolvePendingAction(t *testing.T) {
	h := newTestAPI(t)
	payload := map[string]any{
		"provider_name": "Dr. Okafor",
		"location":      "Eastside Clinic",
		"slot_datetime": "2025-06-03T14:00:00Z",
		"mode":          "call_to_book",
		"phone":         "+1-555-0100",
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/consents", "user-1", map[string]any{
		"action_type": "appointment_book",
		"payload":     payload,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue consent status = %d: %s", rr.Code, rr.Body.String())
	}
	payload["consent_token"] = decodeBody(t, rr)["token"]

	// Call-to-book parks the attempt in pending until the call happens.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool":           "appointment_book",
		"payload":        payload,
		"user_confirmed": true,
	})
	body := decodeBody(t, rr)
	if body["action_status"] != "pending" {
		t.Fatalf("execute: %v", body)
	}
	actionID, _ := body["action_id"].(string)
	if actionID == "" {
		t.Fatal("no action_id in response")
	}

	// Another actor cannot resolve it.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/"+actionID+"/resolve", "user-2", map[string]any{
		"status": "succeeded",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-actor resolve status = %d, want 404", rr.Code)
	}

	// A non-terminal status is rejected.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/"+actionID+"/resolve", "user-1", map[string]any{
		"status": "executing",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("non-terminal resolve status = %d, want 400", rr.Code)
	}

	// The owner reports the call went through.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/"+actionID+"/resolve", "user-1", map[string]any{
		"status": "succeeded",
		"result": map[string]any{"external_ref": "CONF-4471"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rr.Code, rr.Body.String())
	}
	resolved := decodeBody(t, rr)
	if resolved["status"] != "succeeded" {
		t.Fatalf("resolved status = %v", resolved["status"])
	}
	result, _ := resolved["result"].(map[string]any)
	if result["external_ref"] != "CONF-4471" {
		t.Fatalf("result = %v", resolved["result"])
	}

	// A second resolve hits an already-terminal record.
	rr = doJSON(t, h, http.MethodPost, "/v1/actions/"+actionID+"/resolve", "user-1", map[string]any{
		"status": "failed",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("double resolve status = %d, want 409", rr.Code)
	}
}

func TestPolicyEventsListed(t *testing.T) {
	h := newTestAPI(t)

	// A consent-blocked execute leaves a policy event trail.
	doJSON(t, h, http.MethodPost, "/v1/actions/execute", "user-1", map[string]any{
		"tool":           "appointment_book",
		"payload":        map[string]any{"provider_name": "Dr. Chen", "location": "Clinic", "slot_datetime": "2025-06-02T09:00:00Z"},
		"user_confirmed": true,
	})

	rr := doJSON(t, h, http.MethodGet, "/v1/policy/events", "user-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	events, _ := decodeBody(t, rr)["events"].([]any)
	if len(events) == 0 {
		t.Fatal("no policy events recorded")
	}
}

func TestConsentEndpointMethodNotAllowed(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodGet, "/v1/consents", "user-1", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newTestAPI(t)
	rr := doJSON(t, h, http.MethodGet, "/v1/nope", "user-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
