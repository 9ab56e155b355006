// Package tools holds the built-in tool handlers the agent can invoke:
// appointment booking, medication refill estimation, and consent minting.
// Handlers never enforce safety themselves; the executor pipeline does that.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"carebridge.org/internal/action"
	"carebridge.org/internal/canonical"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/sessioncache"
	"carebridge.org/internal/store"
)

// Booking modes. Live submission needs an external automation worker, so in
// this service it always parks as pending.
const (
	ModeSimulated  = "simulated"
	ModeCallToBook = "call_to_book"
	ModeLive       = "live"
)

const (
	medsCacheTTL = 5 * time.Minute

	// slotHoldTTL covers the booking round trip. The hold is advisory; the
	// provider system is still the source of truth for availability.
	slotHoldTTL = 15 * time.Minute
)

// Toolset binds the handlers to their storage and services.
type Toolset struct {
	Store       store.Store
	Cache       sessioncache.Cache
	Consent     *consent.Service
	DefaultMode string
	Now         func() time.Time
}

func NewToolset(st store.Store, cache sessioncache.Cache, cs *consent.Service) *Toolset {
	mode := strings.TrimSpace(os.Getenv("CAREBRIDGE_BOOKING_MODE"))
	if mode == "" {
		mode = ModeSimulated
	}
	return &Toolset{Store: st, Cache: cache, Consent: cs, DefaultMode: mode, Now: time.Now}
}

// Register wires the toolset into the registry with the aliases callers use.
func Register(reg *action.Registry, ts *Toolset) {
	reg.Register(&action.Tool{Name: "appointment_book", Transactional: true, Run: ts.AppointmentBook},
		"book_appointment")
	reg.Register(&action.Tool{Name: "medication_refill_request", Transactional: true, Run: ts.MedicationRefill},
		"refill_request")
	reg.Register(&action.Tool{Name: "consent_token_issue", Run: ts.ConsentTokenIssue})
	reg.Register(&action.Tool{Name: "medication_list", Run: ts.MedicationList})
}

func resolveMode(raw any, fallback string) string {
	s, _ := raw.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simulated", "mock":
		return ModeSimulated
	case "call_to_book", "call":
		return ModeCallToBook
	case "live", "real":
		return ModeLive
	}
	return fallback
}

func str(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func num(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%g", &f); err == nil {
			return f
		}
	}
	return fallback
}

var genericProviderNames = map[string]bool{
	"unknown provider":      true,
	"primary care provider": true,
	"tbd":                   true,
}

// AppointmentBook validates booking fields, performs the booking for the
// resolved mode, and persists the appointment record.
func (ts *Toolset) AppointmentBook(ctx context.Context, req action.Context, payload map[string]any) (action.Outcome, error) {
	provider := str(payload, "provider_name", "provider_id", "provider")
	location := str(payload, "location")
	slot := str(payload, "slot_datetime", "slot")
	if slot == "" {
		if d, tm := str(payload, "date"), str(payload, "time"); d != "" && tm != "" {
			slot = d + "T" + tm
		}
	}
	mode := resolveMode(payload["mode"], ts.DefaultMode)
	phone := str(payload, "phone")

	var missing []string
	if provider == "" || genericProviderNames[strings.ToLower(provider)] {
		missing = append(missing, "provider_name")
	}
	if location == "" || location == "unknown location" || strings.EqualFold(location, "tbd") {
		missing = append(missing, "location")
	}
	if slot == "" {
		missing = append(missing, "slot_datetime")
	}
	if (mode == ModeCallToBook || mode == ModeLive) && phone == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return action.Outcome{
			Status: action.StatePending,
			Data: map[string]any{
				"missing_fields": missing,
				"message":        "Missing required booking fields.",
			},
		}, nil
	}

	// Best effort hold on the slot so two actors racing for the same time
	// do not both walk away with a confirmation. Cache outages do not stop
	// the booking.
	if ts.Cache != nil {
		holdKey := "slot_hold:" + strings.ToLower(provider) + "|" + slot
		acquired, err := ts.Cache.SetNX(ctx, holdKey, req.ActorID, slotHoldTTL)
		if err == nil && !acquired {
			if holder, herr := ts.Cache.Get(ctx, holdKey); herr == nil && holder != req.ActorID {
				return action.Outcome{
					Status: action.StateFailed,
					Data:   map[string]any{"message": "That slot was just taken. Pick another time."},
					Errors: []string{"slot_unavailable"},
				}, nil
			}
		}
	}

	appointmentID := "apt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	status := action.StateSucceeded
	var confirmation string
	var note string
	switch mode {
	case ModeSimulated:
		confirmation = "SIM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	case ModeCallToBook:
		status = action.StatePending
		note = "Call the provider to finalize this booking."
	default:
		status = action.StatePending
		note = "Live booking handed off to the automation worker."
	}

	_, _, err := ts.Store.Create(ctx, store.TableAppointments, appointmentID, store.Record{
		"actor_id":      req.ActorID,
		"provider_name": provider,
		"location":      location,
		"starts_at":     slot,
		"status":        string(status),
		"external_ref":  confirmation,
		"created_at":    ts.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return action.Outcome{}, err
	}

	data := map[string]any{
		"appointment_id": appointmentID,
		"provider_name":  provider,
		"location":       location,
		"slot_datetime":  slot,
		"execution_mode": mode,
		"confirmation_artifact": map[string]any{
			"external_ref": confirmation,
		},
	}
	if note != "" {
		data["message"] = note
	}
	return action.Outcome{Status: status, Data: data}, nil
}

// MedicationRefill estimates runout from the stored regimen and submits a
// simulated refill request. PRN regimens need a reported pill count.
func (ts *Toolset) MedicationRefill(ctx context.Context, req action.Context, payload map[string]any) (action.Outcome, error) {
	meds, err := ts.medications(ctx, req.ActorID)
	if err != nil {
		return action.Outcome{}, err
	}

	medID := str(payload, "medication_id")
	medName := strings.ToLower(str(payload, "medication_name"))
	var med store.Record
	for _, m := range meds {
		id, _ := m["id"].(string)
		name, _ := m["name"].(string)
		if (medID != "" && id == medID) || (medName != "" && strings.ToLower(name) == medName) {
			med = m
			break
		}
	}
	if med == nil {
		return action.Outcome{
			Status: action.StateFailed,
			Errors: []string{"medication_not_found"},
		}, nil
	}

	regimen, _ := med["regimen_type"].(string)
	if regimen == "" {
		regimen = "daily"
	}
	quantity := num(med["quantity_dispensed"], 0)
	freq := num(med["frequency_per_day"], 0)
	lastFill, hasLastFill := parseISO(med["last_fill_date"])
	now := ts.Now().UTC()
	remaining, reported := payload["remaining_pills_reported"]

	if regimen == "prn" && !reported {
		return action.Outcome{
			Status: action.StatePending,
			Data: map[string]any{
				"runout_estimate": nil,
				"confidence":      "low",
				"message":         "PRN medication requires a current pill count before a refill can run.",
			},
		}, nil
	}

	var estimatedDays float64
	var confidence string
	switch {
	case reported:
		estimatedDays = num(remaining, 0) / maxFloat(freq, 0.1)
		if estimatedDays < 0 {
			estimatedDays = 0
		}
		confidence = "medium"
	case quantity > 0 && hasLastFill && freq > 0:
		switch regimen {
		case "weekly", "biweekly", "monthly":
			interval := num(med["interval_days"], defaultInterval(regimen))
			estimatedDays = quantity * maxFloat(interval, 1)
		default:
			estimatedDays = quantity / maxFloat(freq, 0.1)
		}
		confidence = "high"
	default:
		return action.Outcome{
			Status: action.StatePending,
			Data: map[string]any{
				"runout_estimate": nil,
				"confidence":      "low",
				"message":         "Insufficient fill history. Please provide remaining pills.",
			},
		}, nil
	}

	base := now
	if !reported && hasLastFill {
		base = lastFill
	}
	runout := base.Add(time.Duration(estimatedDays*24) * time.Hour)
	followUp := runout.Add(-48 * time.Hour)
	requestRef := "RF-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])

	pharmacy := str(payload, "pharmacy_target")
	if pharmacy == "" {
		pharmacy, _ = med["pharmacy_name"].(string)
	}
	return action.Outcome{
		Status: action.StateSucceeded,
		Data: map[string]any{
			"medication_id":              med["id"],
			"medication_name":            med["name"],
			"runout_estimate":            runout.Format(time.RFC3339),
			"request_execution_status":   "submitted_simulated",
			"recommended_follow_up_date": followUp.Format(time.RFC3339),
			"confidence":                 confidence,
			"request_ref":                requestRef,
			"pharmacy_target":            pharmacy,
		},
	}, nil
}

// MedicationList returns the actor's active medications.
func (ts *Toolset) MedicationList(ctx context.Context, req action.Context, payload map[string]any) (action.Outcome, error) {
	meds, err := ts.medications(ctx, req.ActorID)
	if err != nil {
		return action.Outcome{}, err
	}
	items := make([]any, len(meds))
	for i, m := range meds {
		items[i] = map[string]any(m)
	}
	return action.Outcome{
		Status: action.StateSucceeded,
		Data:   map[string]any{"medications": items},
	}, nil
}

// ConsentTokenIssue mints a single-use consent token for an upcoming
// transactional action.
func (ts *Toolset) ConsentTokenIssue(ctx context.Context, req action.Context, payload map[string]any) (action.Outcome, error) {
	actionType := str(payload, "action_type")
	if actionType == "" {
		return action.Outcome{
			Status: action.StateFailed,
			Errors: []string{"bad_request"},
		}, nil
	}
	payloadHash := str(payload, "payload_hash")
	if payloadHash == "" {
		inner, _ := payload["payload"].(map[string]any)
		payloadHash = canonical.Hash(action.SanitizePayload(inner))
	}
	ttl := time.Duration(num(payload["expires_in_seconds"], 0)) * time.Second

	token, err := ts.Consent.Issue(ctx, req.ActorID, actionType, payloadHash, ttl, ts.Now())
	if err != nil {
		return action.Outcome{
			Status: action.StateFailed,
			Errors: []string{"consent_issue_failed", err.Error()},
		}, nil
	}
	return action.Outcome{
		Status: action.StateSucceeded,
		Data: map[string]any{
			"token":        token.Token,
			"action_type":  token.ActionType,
			"payload_hash": token.PayloadHash,
			"issued_at":    token.IssuedAt.Format(time.RFC3339),
			"expires_at":   token.ExpiresAt.Format(time.RFC3339),
		},
	}, nil
}

// medications loads the actor's medication list through the session cache.
func (ts *Toolset) medications(ctx context.Context, actorID string) ([]store.Record, error) {
	key := "meds:" + actorID
	if ts.Cache != nil {
		if cached, err := ts.Cache.Get(ctx, key); err == nil {
			var meds []store.Record
			if json.Unmarshal([]byte(cached), &meds) == nil {
				return meds, nil
			}
		}
	}
	meds, err := ts.Store.List(ctx, store.TableMedications, store.Query{
		Where: map[string]any{"actor_id": actorID},
	})
	if err != nil {
		return nil, err
	}
	if ts.Cache != nil {
		if raw, err := json.Marshal(meds); err == nil {
			_ = ts.Cache.Set(ctx, key, string(raw), medsCacheTTL)
		}
	}
	return meds, nil
}

func parseISO(v any) (time.Time, bool) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func defaultInterval(regimen string) float64 {
	switch regimen {
	case "weekly":
		return 7
	case "biweekly":
		return 14
	default:
		return 30
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
