package principal

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := OpenAt(filepath.Join(dir, "principals.json"), filepath.Join(dir, "credential_bindings.json"))
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	return reg
}

func TestOpenSeedsDefaultPrincipals(t *testing.T) {
	reg := newTestRegistry(t)

	principals := reg.ListPrincipals()
	if len(principals) != 3 {
		t.Fatalf("expected 3 seeded principals, got %d", len(principals))
	}

	var sawSystem, sawAnon, sawAdmin bool
	for _, p := range principals {
		switch p.URN {
		case SystemURN:
			sawSystem = true
		case AnonymousURN:
			sawAnon = true
		default:
			if p.IsAdmin() {
				sawAdmin = true
			}
		}
	}
	if !sawSystem || !sawAnon || !sawAdmin {
		t.Fatalf("missing a seeded principal: system=%v anon=%v admin=%v", sawSystem, sawAnon, sawAdmin)
	}

	bindings := reg.ListBindings()
	if len(bindings) != 1 || bindings[0].ExternalSubject != "local:*" || bindings[0].ChannelID != "cli" {
		t.Fatalf("expected seeded cli/local:* binding, got %+v", bindings)
	}
}

func TestResolveChannelIdentityUnmatchedReturnsAnonymous(t *testing.T) {
	reg := newTestRegistry(t)

	p, b, err := reg.ResolveChannelIdentity("http", "api_key:unknown")
	if err != nil {
		t.Fatalf("ResolveChannelIdentity: %v", err)
	}
	if b != nil {
		t.Fatalf("expected no binding match, got %+v", b)
	}
	if p.URN != AnonymousURN || len(p.Scopes) != 0 {
		t.Fatalf("expected empty-scope ANONYMOUS principal, got %+v", p)
	}
}

func TestResolveChannelIdentityPrefersExactOverWildcard(t *testing.T) {
	reg := newTestRegistry(t)

	svc := NewPrincipal(TypeService, "acme", "reader", "svc1", []string{"read"})
	if err := reg.RegisterPrincipal(svc); err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}
	if _, err := reg.RegisterBinding(&Binding{
		ChannelID:       "http",
		ExternalSubject: "api_key:*",
		PrincipalURN:    AnonymousURN,
		Type:            BindingAPIKey,
	}); err != nil {
		t.Fatalf("RegisterBinding wildcard: %v", err)
	}
	if _, err := reg.RegisterBinding(&Binding{
		ChannelID:       "http",
		ExternalSubject: "api_key:sk-exact",
		PrincipalURN:    svc.URN,
		Scopes:          []string{"read"},
		Type:            BindingAPIKey,
	}); err != nil {
		t.Fatalf("RegisterBinding exact: %v", err)
	}

	p, b, err := reg.ResolveChannelIdentity("http", "api_key:sk-exact")
	if err != nil {
		t.Fatalf("ResolveChannelIdentity: %v", err)
	}
	if p.URN != svc.URN {
		t.Fatalf("expected exact-match principal %s, got %s", svc.URN, p.URN)
	}
	if b.ExternalSubject != "api_key:sk-exact" {
		t.Fatalf("expected exact binding match, got %+v", b)
	}
}

func TestResolveChannelIdentityPrefersMostRecentAmongEquallySpecific(t *testing.T) {
	reg := newTestRegistry(t)

	older := NewPrincipal(TypeAgent, "acme", "bot", "old", nil)
	newer := NewPrincipal(TypeAgent, "acme", "bot", "new", nil)
	_ = reg.RegisterPrincipal(older)
	_ = reg.RegisterPrincipal(newer)

	now := time.Now()
	if _, err := reg.RegisterBinding(&Binding{ChannelID: "http", ExternalSubject: "api_key:*", PrincipalURN: older.URN, Type: BindingAPIKey, CreatedAt: now}); err != nil {
		t.Fatalf("RegisterBinding older: %v", err)
	}
	if _, err := reg.RegisterBinding(&Binding{ChannelID: "http", ExternalSubject: "api_key:*", PrincipalURN: newer.URN, Type: BindingAPIKey, CreatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("RegisterBinding newer: %v", err)
	}

	p, _, err := reg.ResolveChannelIdentity("http", "api_key:anything")
	if err != nil {
		t.Fatalf("ResolveChannelIdentity: %v", err)
	}
	if p.URN != newer.URN {
		t.Fatalf("expected most recently registered binding to win, got %s", p.URN)
	}
}

func TestRevokeBinding(t *testing.T) {
	reg := newTestRegistry(t)
	bindings := reg.ListBindings()
	id := bindings[0].ID

	if err := reg.RevokeBinding(id); err != nil {
		t.Fatalf("RevokeBinding: %v", err)
	}
	if len(reg.ListBindings()) != 0 {
		t.Fatalf("expected binding removed")
	}
	if err := reg.RevokeBinding(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestOpenAtPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	pPath := filepath.Join(dir, "principals.json")
	bPath := filepath.Join(dir, "credential_bindings.json")

	reg1, err := OpenAt(pPath, bPath)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	svc := NewPrincipal(TypeService, "acme", "worker", "svc1", []string{"read"})
	if err := reg1.RegisterPrincipal(svc); err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}

	reg2, err := OpenAt(pPath, bPath)
	if err != nil {
		t.Fatalf("second OpenAt: %v", err)
	}
	found := false
	for _, p := range reg2.ListPrincipals() {
		if p.URN == svc.URN {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected persisted principal to survive reload")
	}
}
