package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"carebridge.org/api/spec"
	"carebridge.org/internal/action"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/policy"
	"carebridge.org/internal/stream"
)

// ReadyProbe reports readiness, pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options collects everything the HTTP layer serves.
type Options struct {
	Ready    ReadyProbe
	Version  string
	Executor *action.Executor
	Consents *consent.Service
	Ledger   *action.Ledger
	Events   *policy.Log
	Stream   *stream.Stream
	// DisableAuth turns off bearer-token checks. Local development only.
	DisableAuth bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	exec       *action.Executor
	consents   *consent.Service
	ledger     *action.Ledger
	events     *policy.Log
	stream     *stream.Stream
	authOn     bool
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.Ready,
		version:    opts.Version,
		exec:       opts.Executor,
		consents:   opts.Consents,
		ledger:     opts.Ledger,
		events:     opts.Events,
		stream:     opts.Stream,
		authOn:     !opts.DisableAuth,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// safety core
	a.mux.HandleFunc("/v1/consents", a.IssueConsent)
	a.mux.HandleFunc("/v1/actions/execute", a.ExecuteAction)
	a.mux.HandleFunc("/v1/actions", a.ListActions)
	a.mux.HandleFunc("/v1/actions/", a.ActionByID)
	a.mux.HandleFunc("/v1/policy/events", a.ListPolicyEvents)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = a.withAuth(h)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carebridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "carebridge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
