// Package auth identifies callers and answers access questions for the cycle
// services.
package auth

import (
	"context"
	"strings"
)

// ScopeOperator grants platform-wide operations such as matching runs and sweeps.
const ScopeOperator = "cycles:operate"

// Principal is the authenticated caller.
type Principal struct {
	Subject   string   `json:"subject"`
	PartnerID string   `json:"partner_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// HasScope reports whether the principal carries scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsOperator reports whether the principal may act platform-wide.
func (p Principal) IsOperator() bool {
	return p.HasScope(ScopeOperator)
}

// Party is an actor and its optional tenant.
type Party struct {
	ActorID   string
	PartnerID string
}

// CanView reports whether the principal may read a resource owned by parties.
// Operators see everything, participants see their own cycles and partners see
// cycles involving their actors.
func (p Principal) CanView(parties []Party) bool {
	if p.IsOperator() {
		return true
	}
	subject := strings.TrimSpace(p.Subject)
	partner := strings.TrimSpace(p.PartnerID)
	for _, party := range parties {
		if subject != "" && party.ActorID == subject {
			return true
		}
		if partner != "" && party.PartnerID == partner {
			return true
		}
	}
	return false
}

// IsParty reports whether the principal is one of the parties.
func (p Principal) IsParty(parties []Party) bool {
	for _, party := range parties {
		if p.Subject != "" && party.ActorID == p.Subject {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithPrincipal stores the principal on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored on ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok && p.Subject != ""
}
