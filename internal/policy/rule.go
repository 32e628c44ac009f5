// Package policy implements the prioritized-rule authorization engine:
// ALLOW/DENY decisions over (principal, assurance, capability, requested
// and granted permissions, channel), with a global enforcement toggle and
// a per-channel enforcement override.
package policy

import (
	"github.com/p3394/exemplar-agent/internal/principal"
)

// Decision is the outcome of evaluating a policy.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// PermissionLevel classifies a requested permission for rules #4/#5/#7.
type PermissionLevel string

const (
	PermissionRead    PermissionLevel = "read"
	PermissionWrite   PermissionLevel = "write"
	PermissionExecute PermissionLevel = "execute"
	PermissionAdmin   PermissionLevel = "admin"
)

// Request is the input to Engine.Authorize.
type Request struct {
	Principal            *principal.Principal
	Assurance            principal.Assurance
	CapabilityID         string
	RequestedPermissions []string
	GrantedPermissions   []string
	ChannelID            string
	Authenticated        bool
}

// Condition evaluates whether a Rule applies to a Request.
type Condition func(Request) bool

// Rule is one entry in an ordered policy: a name, an evaluation priority
// (lower runs first), a condition, and the decision to return if it fires.
type Rule struct {
	Name      string
	Priority  int
	Condition Condition
	Decision  Decision
}

func permissionLevel(permission string) PermissionLevel {
	switch PermissionLevel(permission) {
	case PermissionAdmin, PermissionWrite, PermissionExecute, PermissionRead:
		return PermissionLevel(permission)
	default:
		return PermissionRead
	}
}

func anyPermissionAtLevel(permissions []string, level PermissionLevel) bool {
	for _, p := range permissions {
		if permissionLevel(p) == level {
			return true
		}
	}
	return false
}

func allPermissionsAtLevel(permissions []string, level PermissionLevel) bool {
	if len(permissions) == 0 {
		return false
	}
	for _, p := range permissions {
		if permissionLevel(p) != level {
			return false
		}
	}
	return true
}

func permissionsSubsetOf(requested, granted []string) bool {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		if g == "*" {
			return true
		}
		grantedSet[g] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := grantedSet[r]; !ok {
			return false
		}
	}
	return true
}

func isAnonymous(p *principal.Principal) bool {
	return p == nil || p.Type == principal.TypeAnonymous
}
