package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/p3394/exemplar-agent/internal/principal"
)

// Engine evaluates an ordered rule list plus the global/per-channel
// enforcement toggles of spec §4.3.
type Engine struct {
	mu sync.RWMutex

	rules []Rule

	globalEnforce  bool
	channelEnforce map[string]bool
}

// NewEngine builds an Engine seeded with the default policy (spec §4.3).
// Global enforcement defaults to off, matching the phased-rollout default.
func NewEngine() *Engine {
	e := &Engine{
		rules:          DefaultPolicy(),
		globalEnforce:  false,
		channelEnforce: map[string]bool{},
	}
	sortRules(e.rules)
	return e
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
}

// DefaultPolicy returns the seven named rules plus the priority-999 default
// deny, in spec §4.3's exact order and semantics.
func DefaultPolicy() []Rule {
	return []Rule{
		{
			Name:     "system_principal_allow",
			Priority: 1,
			Decision: Allow,
			Condition: func(r Request) bool {
				return r.Principal != nil && r.Principal.URN == principal.SystemURN
			},
		},
		{
			Name:     "admin_role_allow",
			Priority: 2,
			Decision: Allow,
			Condition: func(r Request) bool {
				return r.Principal != nil && r.Principal.IsAdmin()
			},
		},
		{
			Name:     "anonymous_privileged_deny",
			Priority: 3,
			Decision: Deny,
			Condition: func(r Request) bool {
				return isAnonymous(r.Principal) &&
					(anyPermissionAtLevel(r.RequestedPermissions, PermissionAdmin) ||
						anyPermissionAtLevel(r.RequestedPermissions, PermissionWrite) ||
						anyPermissionAtLevel(r.RequestedPermissions, PermissionExecute))
			},
		},
		{
			Name:     "admin_requires_high_assurance",
			Priority: 4,
			Decision: Deny,
			Condition: func(r Request) bool {
				if !anyPermissionAtLevel(r.RequestedPermissions, PermissionAdmin) {
					return false
				}
				return !(r.Assurance.AtLeast(principal.AssuranceHigh))
			},
		},
		{
			Name:     "write_requires_medium_assurance",
			Priority: 5,
			Decision: Deny,
			Condition: func(r Request) bool {
				if !anyPermissionAtLevel(r.RequestedPermissions, PermissionWrite) {
					return false
				}
				return !r.Assurance.AtLeast(principal.AssuranceMedium)
			},
		},
		{
			Name:     "requested_subset_of_granted_allow",
			Priority: 6,
			Decision: Allow,
			Condition: func(r Request) bool {
				return permissionsSubsetOf(r.RequestedPermissions, r.GrantedPermissions)
			},
		},
		{
			Name:     "authenticated_read_only_allow",
			Priority: 7,
			Decision: Allow,
			Condition: func(r Request) bool {
				return r.Authenticated && allPermissionsAtLevel(r.RequestedPermissions, PermissionRead)
			},
		},
		{
			Name:      "default_deny",
			Priority:  999,
			Decision:  Deny,
			Condition: func(Request) bool { return true },
		},
	}
}

// Result is the outcome of Authorize: the decision actually enforced (which
// may be forced to ALLOW when enforcement is off), the rule that matched,
// a human-readable reason, and the decision that would have been enforced
// had enforcement been on (for audit logging).
type Result struct {
	Decision    Decision
	RuleName    string
	Reason      string
	RawDecision Decision
}

// SetGlobalEnforcement toggles the global enforcement flag.
func (e *Engine) SetGlobalEnforcement(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalEnforce = on
}

// SetChannelEnforcement overrides enforcement for a specific channel.
func (e *Engine) SetChannelEnforcement(channelID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channelEnforce[channelID] = on
}

func (e *Engine) enforcementFor(channelID string) bool {
	if on, ok := e.channelEnforce[channelID]; ok {
		return on
	}
	return e.globalEnforce
}

// SetRules replaces the rule list wholesale, re-sorting by priority.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	sortRules(cp)
	e.rules = cp
}

// Authorize evaluates the rule list against req in priority order and
// returns the first match. The decision is always computed and returned
// as RawDecision (Authorize itself does not log it);
// when enforcement is off for req.ChannelID, the returned Decision is
// forced to ALLOW regardless of RawDecision (spec §4.3).
func (e *Engine) Authorize(req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if req.Principal == nil {
		return Result{}, fmt.Errorf("authorize: request principal is required")
	}

	for _, rule := range e.rules {
		if rule.Condition == nil {
			continue
		}
		if rule.Condition(req) {
			enforced := rule.Decision
			if !e.enforcementFor(req.ChannelID) {
				enforced = Allow
			}
			return Result{
				Decision:    enforced,
				RuleName:    rule.Name,
				Reason:      reasonFor(rule, req),
				RawDecision: rule.Decision,
			}, nil
		}
	}

	// Unreachable given default_deny always matches, but fail closed.
	return Result{Decision: Deny, RuleName: "no_rule_matched", Reason: "no policy rule matched", RawDecision: Deny}, nil
}

func reasonFor(rule Rule, req Request) string {
	switch rule.Name {
	case "admin_requires_high_assurance":
		return fmt.Sprintf("rule %s: admin-level permission requested with assurance %s; HIGH assurance required", rule.Name, req.Assurance)
	case "write_requires_medium_assurance":
		return fmt.Sprintf("rule %s: write-level permission requested with assurance %s; MEDIUM or higher assurance required", rule.Name, req.Assurance)
	case "anonymous_privileged_deny":
		return fmt.Sprintf("rule %s: anonymous principal requesting privileged permissions %s", rule.Name, strings.Join(req.RequestedPermissions, ","))
	default:
		return fmt.Sprintf("rule %s matched", rule.Name)
	}
}
