package policy

import (
	"testing"

	"github.com/p3394/exemplar-agent/internal/principal"
)

func TestSystemPrincipalAlwaysAllowed(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(true)

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: principal.SystemURN, Type: principal.TypeSystem},
		RequestedPermissions: []string{"admin"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Allow || result.RuleName != "system_principal_allow" {
		t.Fatalf("expected system_principal_allow, got %+v", result)
	}
}

func TestAdminRequiresHighAssurance(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(true)

	svc := &principal.Principal{URN: "urn:principal:org:acme:role:agent:person:svc1", Type: principal.TypeAgent}
	result, err := e.Authorize(Request{
		Principal:            svc,
		Assurance:            principal.AssuranceMedium,
		RequestedPermissions: []string{"admin"},
		ChannelID:            "http",
		Authenticated:        true,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Deny || result.RuleName != "admin_requires_high_assurance" {
		t.Fatalf("expected admin_requires_high_assurance deny, got %+v", result)
	}
}

func TestAnonymousPrivilegedDenied(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(true)

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"write"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Deny || result.RuleName != "anonymous_privileged_deny" {
		t.Fatalf("expected anonymous_privileged_deny, got %+v", result)
	}
}

func TestRequestedSubsetOfGrantedAllowed(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(true)

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: "urn:principal:org:acme:role:reader:person:p1", Type: principal.TypeHuman},
		Assurance:            principal.AssuranceLow,
		RequestedPermissions: []string{"read"},
		GrantedPermissions:   []string{"read", "write"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Allow || result.RuleName != "requested_subset_of_granted_allow" {
		t.Fatalf("expected requested_subset_of_granted_allow, got %+v", result)
	}
}

func TestDefaultDenyWhenNothingElseMatches(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(true)

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: "urn:principal:org:acme:role:reader:person:p1", Type: principal.TypeHuman},
		RequestedPermissions: []string{"write"},
		Assurance:            principal.AssuranceHigh,
		GrantedPermissions:   nil,
		Authenticated:        false,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Deny || result.RuleName != "default_deny" {
		t.Fatalf("expected default_deny, got %+v", result)
	}
}

func TestEnforcementOffForcesAllowButRecordsRawDecision(t *testing.T) {
	e := NewEngine() // global enforcement defaults to off

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"admin"},
		ChannelID:            "http",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Allow {
		t.Fatalf("expected enforcement-off ALLOW, got %+v", result)
	}
	if result.RawDecision != Deny || result.RuleName != "anonymous_privileged_deny" {
		t.Fatalf("expected raw decision to still reflect the matched rule, got %+v", result)
	}
}

func TestPerChannelEnforcementOverridesGlobal(t *testing.T) {
	e := NewEngine()
	e.SetGlobalEnforcement(false)
	e.SetChannelEnforcement("http", true)

	result, err := e.Authorize(Request{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"admin"},
		ChannelID:            "http",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Deny {
		t.Fatalf("expected channel-level enforcement to apply DENY, got %+v", result)
	}

	result, err = e.Authorize(Request{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"admin"},
		ChannelID:            "terminal",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Decision != Allow {
		t.Fatalf("expected unenforced channel to still ALLOW, got %+v", result)
	}
}
