// Package authz enforces per-operation role rules and maps identity-provider
// groups onto application roles.
package authz

import (
	"fmt"
	"strings"

	"github.com/pitabwire/opgraph/model"
)

// Rule is the role-based access rule attached to an operation. Each list is
// enforced only when it is non-empty, and all enforced lists must pass.
type Rule struct {
	// RequireMatchAll: the principal must hold every listed role.
	RequireMatchAll []string `yaml:"require_match_all" json:"requireMatchAll,omitempty"`
	// RequireMatchAny: the principal must hold at least one listed role.
	RequireMatchAny []string `yaml:"require_match_any" json:"requireMatchAny,omitempty"`
	// DenyMatchAll: access is denied if the principal holds every listed role.
	DenyMatchAll []string `yaml:"deny_match_all" json:"denyMatchAll,omitempty"`
	// DenyMatchAny: access is denied if the principal holds any listed role.
	DenyMatchAny []string `yaml:"deny_match_any" json:"denyMatchAny,omitempty"`
}

// Empty reports whether the rule constrains nothing.
func (r Rule) Empty() bool {
	return len(r.RequireMatchAll) == 0 && len(r.RequireMatchAny) == 0 &&
		len(r.DenyMatchAll) == 0 && len(r.DenyMatchAny) == 0
}

// Validate rejects rules that can never be satisfied.
func (r Rule) Validate() error {
	for _, req := range r.RequireMatchAll {
		for _, deny := range r.DenyMatchAny {
			if req == deny {
				return fmt.Errorf("authz: role %q is both required and denied", req)
			}
		}
	}
	return nil
}

// Enforce checks the principal against the rule. A nil or anonymous context
// with a non-empty rule yields an authentication error; a principal that fails
// a list yields an authorization error naming the failed list.
func (r Rule) Enforce(rctx *model.RequestContext) *model.OperationError {
	if r.Empty() {
		return nil
	}
	if !rctx.Authenticated() {
		return model.NewAuthenticationError("authentication required")
	}
	roles := model.RoleSet(rctx.Roles)

	if len(r.RequireMatchAll) > 0 && !roles.HasAll(r.RequireMatchAll...) {
		return model.NewAuthorizationError("requires all roles: " + strings.Join(r.RequireMatchAll, ", "))
	}
	if len(r.RequireMatchAny) > 0 && !roles.HasAny(r.RequireMatchAny...) {
		return model.NewAuthorizationError("requires any role: " + strings.Join(r.RequireMatchAny, ", "))
	}
	if len(r.DenyMatchAll) > 0 && roles.HasAll(r.DenyMatchAll...) {
		return model.NewAuthorizationError("denied for roles: " + strings.Join(r.DenyMatchAll, ", "))
	}
	if len(r.DenyMatchAny) > 0 && roles.HasAny(r.DenyMatchAny...) {
		return model.NewAuthorizationError("denied for any role: " + strings.Join(r.DenyMatchAny, ", "))
	}
	return nil
}
