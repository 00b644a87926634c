// Package connectorpolicy provides an allow/block-list filter over connector
// ids, consulted by the rule compiler (C14) alongside a project's static
// AllowedConnectors set whenever a deployment wants finer-grained policy
// than "in the list or not" (explicit block overriding an allow, or a
// project with no static list at all).
package connectorpolicy

import "strings"

// Options configures an Engine.
type Options struct {
	// AllowConnectors restricts actions to these connector ids. Empty means
	// no allowlist filter (everything not blocked is permitted).
	AllowConnectors []string
	// BlockConnectors excludes these connector ids even if allowlisted.
	// Block always takes precedence over allow.
	BlockConnectors []string
	// Label annotates the policy's decisions for audit logging; defaults to
	// "default".
	Label string
}

// Engine decides whether a rule's action may target a given connector.
type Engine struct {
	allow map[string]struct{}
	block map[string]struct{}
	label string
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "default"
	}
	return &Engine{
		allow: toSet(opts.AllowConnectors),
		block: toSet(opts.BlockConnectors),
		label: label,
	}
}

// Label identifies which policy produced a decision, for audit annotation.
func (e *Engine) Label() string { return e.label }

// Allowed reports whether connectorID may be used as an action target.
// Block always wins; an empty allowlist means every non-blocked connector
// is permitted.
func (e *Engine) Allowed(connectorID string) bool {
	if _, blocked := e.block[connectorID]; blocked {
		return false
	}
	if len(e.allow) == 0 {
		return true
	}
	_, ok := e.allow[connectorID]
	return ok
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
