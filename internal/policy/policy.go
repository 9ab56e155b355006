// Package policy decides whether a proposed agent action may proceed.
// The posture is fail-closed: any uncertainty about dependency health
// blocks transactional actions instead of letting them through.
package policy

import (
	"regexp"
	"strings"
)

// Block codes surfaced to callers. Stable machine-readable strings; the
// accompanying messages are safe to show to users.
const (
	CodeOK                    = "ok"
	CodeAllowlistDenied       = "allowlist_denied"
	CodeEmergencyBlock        = "emergency_transaction_block"
	CodeCrossUserBlock        = "cross_user_block"
	CodeDependencyUnavailable = "policy_dependency_unavailable"
)

// Decision is the outcome of a policy check. Policy blocks are expected,
// user-actionable outcomes, not errors.
type Decision struct {
	Allowed bool
	Code    string
	Message string
	// Unavailable lists failed dependency names when the fail-closed gate
	// produced the decision.
	Unavailable []string
}

func Allowed() Decision {
	return Decision{Allowed: true, Code: CodeOK, Message: "allowed"}
}

func Blocked(code, message string) Decision {
	return Decision{Allowed: false, Code: code, Message: message}
}

var emergencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)chest pain.*breath`),
	regexp.MustCompile(`(?i)stroke`),
	regexp.MustCompile(`(?i)severe bleeding`),
	regexp.MustCompile(`(?i)anaphylaxis`),
	regexp.MustCompile(`(?i)overdose`),
	regexp.MustCompile(`(?i)self[- ]?harm`),
	regexp.MustCompile(`(?i)suicid`),
}

// Engine applies the static action policy: tool allowlisting, the emergency
// transactional block, and the cross-user target block.
type Engine struct {
	allowlist     map[string]struct{}
	transactional map[string]struct{}
}

func NewEngine(allowlist, transactional []string) *Engine {
	e := &Engine{
		allowlist:     make(map[string]struct{}, len(allowlist)),
		transactional: make(map[string]struct{}, len(transactional)),
	}
	for _, name := range allowlist {
		e.allowlist[name] = struct{}{}
	}
	for _, name := range transactional {
		e.transactional[name] = struct{}{}
	}
	return e
}

// IsTransactional reports whether the tool performs money/health-impacting
// side effects and therefore needs consent gating.
func (e *Engine) IsTransactional(tool string) bool {
	_, ok := e.transactional[tool]
	return ok
}

// IsEmergencyText reports whether free text describes a medical emergency.
func IsEmergencyText(text string) bool {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return false
	}
	for _, p := range emergencyPatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// Evaluate runs the static checks for one tool invocation.
func (e *Engine) Evaluate(actorID, tool string, emergency bool, payload map[string]any) Decision {
	if _, ok := e.allowlist[tool]; !ok {
		return Blocked(CodeAllowlistDenied, "Tool '"+tool+"' is not allowlisted.")
	}
	if e.IsTransactional(tool) && emergency {
		return Blocked(CodeEmergencyBlock, "Transactional actions are blocked in an emergency context.")
	}
	if target, ok := payload["target_user_id"].(string); ok && target != "" && target != actorID {
		return Blocked(CodeCrossUserBlock, "Cross-user target is blocked.")
	}
	return Allowed()
}
