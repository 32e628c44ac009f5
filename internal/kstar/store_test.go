package kstar

import (
	"testing"
	"time"

	"github.com/p3394/exemplar-agent/internal/consts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv(consts.StoragePathEnvVar, t.TempDir())
	s, err := NewStore([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStoreTraceAppendsToLTMAndSTM(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	tr := Trace{
		Timestamp: now,
		Situation: Situation{Domain: "test", Now: now},
		Task:      Task{Goal: "greet the user"},
		Action:    Action{Type: "cap.skill.greet"},
		Result:    Result{Success: true, Outcome: "greeted"},
		SessionID: "sess-1",
	}
	if err := s.StoreTrace(tr); err != nil {
		t.Fatalf("StoreTrace: %v", err)
	}

	ltm, err := s.QueryTraces(nil)
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if len(ltm) != 1 {
		t.Fatalf("expected 1 trace in LTM, got %d", len(ltm))
	}
	if ltm[0].ID == "" {
		t.Fatalf("expected trace to be assigned an ID")
	}

	found, err := s.SearchTraces("greet")
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected search to find the trace, got %d results", len(found))
	}
}

func TestUpsertSkillReplacesByID(t *testing.T) {
	s := newTestStore(t)

	sk := SkillRecord{ID: "skill-1", Name: "summarize", Maturity: MaturityExperimental}
	if err := s.UpsertSkill(sk); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}

	sk.RecordUse(true, time.Now())
	if err := s.UpsertSkill(sk); err != nil {
		t.Fatalf("UpsertSkill (update): %v", err)
	}

	got, ok, err := s.GetSkill("skill-1")
	if err != nil {
		t.Fatalf("GetSkill: %v", err)
	}
	if !ok {
		t.Fatalf("expected skill-1 to exist")
	}
	if got.UsageCount != 1 || got.SuccessCount != 1 {
		t.Fatalf("expected usage counters to reflect the update, got %+v", got)
	}

	all, err := s.ListSkills()
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single skill record after update, got %d", len(all))
	}
}

func TestIssueAndVerifyControlToken(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	tok, err := s.IssueControlToken(ControlToken{
		Type:      TokenCapability,
		Scope:     "cap.skill",
		GrantedBy: "urn:principal:org:system:role:system:person:system",
		GrantedAt: now,
	}, "")
	if err != nil {
		t.Fatalf("IssueControlToken: %v", err)
	}
	if tok.Signature == "" || tok.LineageHash == "" {
		t.Fatalf("expected signed token with a lineage hash, got %+v", tok)
	}

	v := s.VerifyControlToken(tok.TokenID, "cap.skill.greet", now)
	if !v.Valid {
		t.Fatalf("expected prefix-scoped token to verify, got reason %q", v.Reason)
	}

	v = s.VerifyControlToken(tok.TokenID, "cap.policy.anything", now)
	if v.Valid || v.Reason != ReasonScopeMismatch {
		t.Fatalf("expected scope_mismatch, got %+v", v)
	}
}

func TestVerifyControlTokenExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	past := now.Add(-time.Hour)

	tok, err := s.IssueControlToken(ControlToken{
		Type:      TokenSession,
		Scope:     "*",
		GrantedBy: "urn:principal:org:system:role:system:person:system",
		GrantedAt: past.Add(-time.Hour),
		ExpiresAt: &past,
	}, "")
	if err != nil {
		t.Fatalf("IssueControlToken: %v", err)
	}

	v := s.VerifyControlToken(tok.TokenID, "cap.skill.greet", now)
	if v.Valid || v.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
}

func TestIssueControlTokenDelegationChainAndRevocation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	root, err := s.IssueControlToken(ControlToken{
		Type:      TokenDelegation,
		Scope:     "cap.subagent",
		GrantedBy: "urn:principal:org:acme:role:admin:person:alice",
		GrantedAt: now,
	}, "")
	if err != nil {
		t.Fatalf("issue root: %v", err)
	}

	child, err := s.IssueControlToken(ControlToken{
		Type:      TokenDelegation,
		Scope:     "cap.subagent.research",
		GrantedBy: "urn:principal:org:acme:role:agent:person:bot1",
		GrantedAt: now,
	}, root.TokenID)
	if err != nil {
		t.Fatalf("issue child: %v", err)
	}

	lineage, err := s.GetTokenLineage(child.TokenID)
	if err != nil {
		t.Fatalf("GetTokenLineage: %v", err)
	}
	if len(lineage) != 2 || lineage[0].TokenID != root.TokenID || lineage[1].TokenID != child.TokenID {
		t.Fatalf("expected [root, child] lineage, got %+v", lineage)
	}

	v := s.VerifyControlToken(child.TokenID, "cap.subagent.research.search", now)
	if !v.Valid {
		t.Fatalf("expected child token to verify before revocation, got %+v", v)
	}

	if err := s.RevokeControlToken(root.TokenID, "owner requested", now); err != nil {
		t.Fatalf("RevokeControlToken: %v", err)
	}

	v = s.VerifyControlToken(child.TokenID, "cap.subagent.research.search", now)
	if v.Valid || v.Reason != ReasonRevoked {
		t.Fatalf("expected child to be transitively revoked, got %+v", v)
	}
}

func TestAppendAndReadStatements(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stmt := Statement{
		Timestamp: now,
		Actor:     Actor{Name: "alice", URN: "urn:principal:org:acme:role:user:person:alice"},
		Verb:      VerbAsked,
		Object:    MessageObject("msg-1"),
		Context:   StatementContext{SessionID: "sess-1"},
	}
	if err := s.AppendStatement("sess-1", stmt); err != nil {
		t.Fatalf("AppendStatement: %v", err)
	}

	got, err := s.ReadStatements("sess-1")
	if err != nil {
		t.Fatalf("ReadStatements: %v", err)
	}
	if len(got) != 1 || got[0].Verb != VerbAsked {
		t.Fatalf("expected 1 asked statement, got %+v", got)
	}
}

func TestExportImportBundleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.StoreTrace(Trace{Timestamp: now, Task: Task{Goal: "a"}}); err != nil {
		t.Fatalf("StoreTrace: %v", err)
	}
	if err := s.StorePerception(Perception{Type: PerceptionObservation, Subject: "x", CreatedAt: now}); err != nil {
		t.Fatalf("StorePerception: %v", err)
	}
	if err := s.UpsertSkill(SkillRecord{ID: "skill-1", Name: "summarize"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}

	bundle, err := s.ExportBundle(AgentMetadata{AgentID: "agent-1"}, now, false)
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}
	if bundle.Checksum == "" {
		t.Fatalf("expected a non-empty checksum")
	}
	if bundle.Statistics.TraceCount != 1 || bundle.Statistics.SkillCount != 1 {
		t.Fatalf("unexpected bundle statistics: %+v", bundle.Statistics)
	}

	dest := newTestStore(t)
	if err := dest.ImportBundle(bundle, ImportMerge); err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}

	traces, err := dest.QueryTraces(nil)
	if err != nil || len(traces) != 1 {
		t.Fatalf("expected imported trace, got %v err=%v", traces, err)
	}

	tampered := bundle
	tampered.Checksum = "deadbeef"
	if err := dest.ImportBundle(tampered, ImportReplace); err == nil {
		t.Fatalf("expected checksum mismatch to be rejected")
	}
}
