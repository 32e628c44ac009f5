// Package principal implements the persistent registry of principals and
// channel-to-principal credential bindings: URN-based identities, assurance
// levels, and the resolve_channel_identity lookup the gateway calls on
// every inbound message.
package principal

import (
	"fmt"
	"strings"
)

// Type classifies a Principal.
type Type string

const (
	TypeHuman     Type = "HUMAN"
	TypeAgent     Type = "AGENT"
	TypeService   Type = "SERVICE"
	TypeSystem    Type = "SYSTEM"
	TypeAnonymous Type = "ANONYMOUS"
)

// Assurance is the confidence level a channel adapter asserts for an
// inbound identity.
type Assurance string

const (
	AssuranceNone         Assurance = "NONE"
	AssuranceLow          Assurance = "LOW"
	AssuranceMedium       Assurance = "MEDIUM"
	AssuranceHigh         Assurance = "HIGH"
	AssuranceCryptographic Assurance = "CRYPTOGRAPHIC"
)

var assuranceRank = map[Assurance]int{
	AssuranceNone:          0,
	AssuranceLow:           1,
	AssuranceMedium:        2,
	AssuranceHigh:          3,
	AssuranceCryptographic: 4,
}

// AtLeast reports whether a meets or exceeds b in the NONE<LOW<MEDIUM<HIGH<CRYPTOGRAPHIC order.
func (a Assurance) AtLeast(b Assurance) bool {
	return assuranceRank[a] >= assuranceRank[b]
}

// ParseAssurance maps a channel adapter's plain assurance hint (as set on
// ClientIdentity.Assurance) to the typed enum, defaulting to NONE for
// anything unrecognized rather than failing the request.
func ParseAssurance(raw string) Assurance {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(AssuranceLow):
		return AssuranceLow
	case string(AssuranceMedium):
		return AssuranceMedium
	case string(AssuranceHigh):
		return AssuranceHigh
	case string(AssuranceCryptographic):
		return AssuranceCryptographic
	default:
		return AssuranceNone
	}
}

const (
	// SystemURN and AnonymousURN name two of the three principals seeded
	// on first start; the third, the local admin, has no named constant.
	SystemURN    = "urn:principal:org:system:role:system:person:system"
	AnonymousURN = "urn:principal:org:system:role:anonymous:person:anonymous"
)

// Principal is the semantic identity of the party on whose behalf a
// request is made.
type Principal struct {
	URN      string   `json:"urn"`
	Type     Type     `json:"type"`
	Org      string   `json:"org"`
	Role     string   `json:"role"`
	Person   string   `json:"person"`
	Scopes   []string `json:"scopes,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// URN builds the urn:principal:org:{org}:role:{role}:person:{person} string.
func URN(org, role, person string) string {
	return fmt.Sprintf("urn:principal:org:%s:role:%s:person:%s", org, role, person)
}

// ParseURN splits a principal URN back into its org/role/person parts.
func ParseURN(urn string) (org, role, person string, err error) {
	const prefix = "urn:principal:org:"
	if !strings.HasPrefix(urn, prefix) {
		return "", "", "", fmt.Errorf("parse principal urn: missing prefix: %q", urn)
	}
	rest := strings.TrimPrefix(urn, prefix)
	orgPart, rest, ok := strings.Cut(rest, ":role:")
	if !ok {
		return "", "", "", fmt.Errorf("parse principal urn: missing :role: segment: %q", urn)
	}
	rolePart, personPart, ok := strings.Cut(rest, ":person:")
	if !ok {
		return "", "", "", fmt.Errorf("parse principal urn: missing :person: segment: %q", urn)
	}
	if orgPart == "" || rolePart == "" || personPart == "" {
		return "", "", "", fmt.Errorf("parse principal urn: empty segment: %q", urn)
	}
	return orgPart, rolePart, personPart, nil
}

// NewPrincipal constructs a Principal with its URN derived from org/role/person.
func NewPrincipal(typ Type, org, role, person string, scopes []string) *Principal {
	return &Principal{
		URN:    URN(org, role, person),
		Type:   typ,
		Org:    org,
		Role:   role,
		Person: person,
		Scopes: scopes,
	}
}

// IsAdmin reports whether the principal's role grants the wildcard admin
// role used by policy rule #2 (spec §4.3).
func (p *Principal) IsAdmin() bool {
	return p != nil && strings.EqualFold(p.Role, "admin")
}
