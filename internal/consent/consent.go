// Package consent mints and checks the single-use tokens that authorize a
// transactional agent action. A token binds one actor to one action type and
// one exact payload hash, so an approval of "book appointment A" can never be
// replayed against a mutated payload that books appointment B.
package consent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"carebridge.org/internal/policy"
	"carebridge.org/internal/store"
)

// Validation outcome codes, in check order. The first failing check wins.
const (
	CodeOK              = "ok"
	CodeMissing         = "consent_token_missing"
	CodeNotFound        = "consent_token_not_found"
	CodeExpired         = "consent_token_expired"
	CodeActionMismatch  = "consent_action_type_mismatch"
	CodePayloadMismatch = "consent_payload_hash_mismatch"
	CodeAlreadyUsed     = "consent_token_already_used"
)

const (
	secretEnvVariable = "CAREBRIDGE_CONSENT_SECRET"
	// devFallbackSecret keeps local development working without configuration.
	// It is public by definition and MUST be overridden in any real deployment.
	devFallbackSecret = "carebridge-dev-consent-secret-do-not-deploy"

	tokenPrefix = "ctk_"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Config holds the tunables. Zero values fall back to defaults.
type Config struct {
	Secret     []byte
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// UsedGrace is the window during which a non-consuming check may still
	// accept an already-used token. It exists because a pre-execution hook
	// legitimately consumes the token just before the tool re-validates it.
	// A narrow, deliberate exception to single-use semantics.
	UsedGrace time.Duration
}

// ConfigFromEnv reads the signing secret from CAREBRIDGE_CONSENT_SECRET,
// falling back to the documented non-production default.
func ConfigFromEnv() Config {
	secret := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if secret == "" {
		secret = devFallbackSecret
	}
	return Config{Secret: []byte(secret)}
}

func (c Config) withDefaults() Config {
	if len(c.Secret) == 0 {
		c.Secret = []byte(devFallbackSecret)
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MinTTL <= 0 {
		c.MinTTL = 30 * time.Second
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = time.Hour
	}
	if c.UsedGrace <= 0 {
		c.UsedGrace = 15 * time.Second
	}
	return c
}

// Token is one persisted consent grant. used_at, once set, is never cleared;
// records are retained for audit and never deleted.
type Token struct {
	Token       string     `json:"token"`
	ActorID     string     `json:"actor_id"`
	ActionType  string     `json:"action_type"`
	PayloadHash string     `json:"payload_hash"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Decision is a validation outcome. Blocks carry a stable code plus a
// message safe to surface to the user.
type Decision struct {
	Allowed bool
	Code    string
	Message string
}

func allowed() Decision {
	return Decision{Allowed: true, Code: CodeOK, Message: "ok"}
}

func blocked(code, message string) Decision {
	return Decision{Allowed: false, Code: code, Message: message}
}

// Service issues and validates consent tokens against the record store.
type Service struct {
	store  store.Store
	events *policy.Log
	cfg    Config
}

func New(st store.Store, events *policy.Log, cfg Config) *Service {
	return &Service{store: st, events: events, cfg: cfg.withDefaults()}
}

// signature computes the keyed MAC binding every field of the grant.
func (s *Service) signature(actor, actionType, payloadHash string, issuedAt, expiresAt time.Time, nonce string) string {
	mac := hmac.New(sha256.New, s.cfg.Secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%d|%s", actor, actionType, payloadHash, issuedAt.Unix(), expiresAt.Unix(), nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a token for exactly one (actor, action type, payload hash)
// triple. ttl <= 0 selects the default; out-of-range values are clamped.
func (s *Service) Issue(ctx context.Context, actor, actionType, payloadHash string, ttl time.Duration, now time.Time) (Token, error) {
	if strings.TrimSpace(actor) == "" {
		return Token{}, fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(actionType) == "" {
		return Token{}, fmt.Errorf("%w: action type is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(payloadHash) == "" {
		return Token{}, fmt.Errorf("%w: payload hash is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL {
		ttl = s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}

	now = now.UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	u := uuid.New()
	nonce := hex.EncodeToString(u[:])
	sig := s.signature(actor, actionType, payloadHash, now, expiresAt, nonce)
	tokenString := tokenPrefix + nonce + "." + sig

	_, created, err := s.store.Create(ctx, store.TableConsentTokens, tokenString, store.Record{
		"actor_id":     actor,
		"action_type":  actionType,
		"payload_hash": payloadHash,
		"nonce":        nonce,
		"issued_at":    now.Format(time.RFC3339),
		"expires_at":   expiresAt.Format(time.RFC3339),
		"used_at":      nil,
	})
	if err != nil {
		return Token{}, err
	}
	if !created {
		// A nonce collision would take a broken RNG; treat it as corruption.
		return Token{}, errors.New("consent token collision")
	}

	if s.events != nil {
		_ = s.events.Append(ctx, policy.Event{
			ActorID:   actor,
			EventType: "consent_token_issued",
			Details: map[string]any{
				"action_type":  actionType,
				"payload_hash": payloadHash,
				"expires_at":   expiresAt.Format(time.RFC3339),
			},
		})
	}

	return Token{
		Token:       tokenString,
		ActorID:     actor,
		ActionType:  actionType,
		PayloadHash: payloadHash,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}, nil
}

// Validate checks a caller-supplied token against the action about to run.
// Checks run in a fixed order and the first failure wins. With consume=true
// a passing validation atomically stamps used_at; losing that race reports
// the token as already used.
//
// Storage failures propagate as errors; they are never folded into a policy
// decision.
func (s *Service) Validate(ctx context.Context, actor, tokenString, actionType, payloadHash string, consume bool, now time.Time) (Decision, error) {
	if strings.TrimSpace(tokenString) == "" {
		return blocked(CodeMissing, "Consent token required for transactional action."), nil
	}

	rec, err := s.store.Get(ctx, store.TableConsentTokens, tokenString)
	if errors.Is(err, store.ErrNotFound) {
		return blocked(CodeNotFound, "Consent token not found."), nil
	}
	if err != nil {
		return Decision{}, err
	}

	recActor, _ := rec["actor_id"].(string)
	recAction, _ := rec["action_type"].(string)
	recHash, _ := rec["payload_hash"].(string)
	nonce, _ := rec["nonce"].(string)
	issuedAt, okIssued := parseTime(rec["issued_at"])
	expiresAt, okExpires := parseTime(rec["expires_at"])

	if recActor != actor {
		return blocked(CodeNotFound, "Consent token not found."), nil
	}
	if !okIssued || !okExpires {
		return blocked(CodeNotFound, "Consent token not found."), nil
	}
	// Verify the stored grant was minted by us and has not been tampered with.
	wantSig := s.signature(recActor, recAction, recHash, issuedAt, expiresAt, nonce)
	if !strings.HasPrefix(tokenString, tokenPrefix) ||
		!hmac.Equal([]byte(tokenString), []byte(tokenPrefix+nonce+"."+wantSig)) {
		return blocked(CodeNotFound, "Consent token not found."), nil
	}

	if !now.Before(expiresAt) {
		return blocked(CodeExpired, "Consent token expired."), nil
	}
	if recAction != actionType {
		return blocked(CodeActionMismatch, "Consent token does not match this action."), nil
	}
	if recHash != payloadHash {
		return blocked(CodePayloadMismatch, "Consent token does not match this request."), nil
	}

	if usedAt, used := parseTime(rec["used_at"]); used {
		if !consume && now.Sub(usedAt) <= s.cfg.UsedGrace && now.Sub(usedAt) >= 0 {
			// Consumed moments ago by the pre-execution hook; accept.
			return allowed(), nil
		}
		return blocked(CodeAlreadyUsed, "Consent token already used."), nil
	}

	if consume {
		return s.consume(ctx, tokenString, now)
	}
	return allowed(), nil
}

// Consume stamps used_at without re-running the full validation. Used by the
// post-execution hook after a successful transactional outcome.
func (s *Service) Consume(ctx context.Context, tokenString string, now time.Time) error {
	d, err := s.consume(ctx, tokenString, now)
	if err != nil {
		return err
	}
	if !d.Allowed && d.Code != CodeAlreadyUsed {
		return fmt.Errorf("consume consent token: %s", d.Code)
	}
	return nil
}

func (s *Service) consume(ctx context.Context, tokenString string, now time.Time) (Decision, error) {
	_, err := s.store.UpdateIf(ctx, store.TableConsentTokens, tokenString,
		map[string]any{"used_at": nil},
		store.Record{"used_at": now.UTC().Format(time.RFC3339)})
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return blocked(CodeAlreadyUsed, "Consent token already used."), nil
	case errors.Is(err, store.ErrNotFound):
		return blocked(CodeNotFound, "Consent token not found."), nil
	case err != nil:
		return Decision{}, err
	}
	return allowed(), nil
}

// Get returns the persisted grant for audit display.
func (s *Service) Get(ctx context.Context, tokenString string) (Token, error) {
	rec, err := s.store.Get(ctx, store.TableConsentTokens, tokenString)
	if err != nil {
		return Token{}, err
	}
	t := Token{Token: tokenString}
	t.ActorID, _ = rec["actor_id"].(string)
	t.ActionType, _ = rec["action_type"].(string)
	t.PayloadHash, _ = rec["payload_hash"].(string)
	if v, ok := parseTime(rec["issued_at"]); ok {
		t.IssuedAt = v
	}
	if v, ok := parseTime(rec["expires_at"]); ok {
		t.ExpiresAt = v
	}
	if v, ok := parseTime(rec["used_at"]); ok {
		t.UsedAt = &v
	}
	return t, nil
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
