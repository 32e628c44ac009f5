package session

import (
	"os"
	"testing"
	"time"

	"github.com/p3394/exemplar-agent/internal/consts"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/umf"
)

func TestSaveAndLoadContext_RoundTrip(t *testing.T) {
	t.Setenv(consts.StoragePathEnvVar, t.TempDir())

	s := newSession("sess-1", "agent-a", time.Now())
	s.ChannelID = "terminal"
	s.SetPrincipal(&principal.Principal{URN: "urn:principal:org:acme:role:user:person:bob"}, principal.AssuranceHigh)
	s.Append(&umf.Message{ID: "m1"})
	s.Append(&umf.Message{ID: "m2"})

	if err := SaveContext(s); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}

	for _, dir := range []string{
		consts.SessionWorkspaceDir(s.ID),
		consts.SessionArtifactsDir(s.ID),
		consts.SessionTempDir(s.ID),
		consts.SessionToolsDir(s.ID),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected shared dir %s to exist: %v", dir, err)
		}
	}

	loaded, err := LoadContext(s.ID)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded snapshot")
	}
	if loaded.SessionID != s.ID || loaded.AgentID != s.AgentID || loaded.ChannelID != s.ChannelID {
		t.Fatalf("unexpected identity fields: %+v", loaded)
	}
	if loaded.PrincipalURN != s.Principal.URN || loaded.Assurance != principal.AssuranceHigh {
		t.Fatalf("unexpected principal/assurance: %q / %v", loaded.PrincipalURN, loaded.Assurance)
	}
	if len(loaded.RecentMessages) != 2 {
		t.Fatalf("expected 2 recent messages, got %d", len(loaded.RecentMessages))
	}
}

func TestLoadContext_MissingReturnsNilWithoutError(t *testing.T) {
	t.Setenv(consts.StoragePathEnvVar, t.TempDir())

	snap, err := LoadContext("never-saved")
	if err != nil {
		t.Fatalf("expected no error for a missing context file, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestSnapshot_CapsRecentMessagesAtMax(t *testing.T) {
	s := newSession("sess-1", "agent-a", time.Now())
	for i := 0; i < maxRecentMessages+10; i++ {
		s.Append(&umf.Message{ID: "m"})
	}

	snap := s.Snapshot()
	if len(snap.RecentMessages) != maxRecentMessages {
		t.Fatalf("expected snapshot capped at %d messages, got %d", maxRecentMessages, len(snap.RecentMessages))
	}
}
