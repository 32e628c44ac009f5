package pairing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/p3394/exemplar-agent/internal/config"
)

func loadTestConfig(t *testing.T, yamlBody string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("config.Load: %v", err)
	}
}

func TestEvaluateUnknownUser_SilentPolicyNeverResponds(t *testing.T) {
	loadTestConfig(t, "channels:\n  terminal:\n    type: terminal\n    security:\n      policy: silent\n")

	m := newManager("terminal")
	decision, err := m.EvaluateUnknownUser("user:alice", "welcome")
	if err != nil {
		t.Fatalf("EvaluateUnknownUser: %v", err)
	}
	if decision.Respond {
		t.Fatal("expected silent policy to never respond")
	}
}

func TestEvaluateUnknownUser_WelcomeIncludesChallengeReqID(t *testing.T) {
	loadTestConfig(t, "channels:\n  terminal:\n    type: terminal\n    security:\n      policy: welcome\n      welcome_window: 300\n      max_resp: 3\n")

	m := newManager("terminal")
	decision, err := m.EvaluateUnknownUser("user:alice", "hi %s")
	if err != nil {
		t.Fatalf("EvaluateUnknownUser: %v", err)
	}
	if !decision.Respond {
		t.Fatal("expected welcome policy to respond on first contact")
	}
	if decision.Challenge.ReqID == "" || decision.Challenge.Code == "" {
		t.Fatal("expected a minted pairing challenge")
	}
	if decision.Message == "" {
		t.Fatal("expected a non-empty welcome message")
	}
}

func TestEvaluateUnknownUser_MaxRespCapsRepeatedWelcomes(t *testing.T) {
	loadTestConfig(t, "channels:\n  terminal:\n    type: terminal\n    security:\n      policy: welcome\n      welcome_window: 300\n      max_resp: 1\n")

	m := newManager("terminal")
	first, err := m.EvaluateUnknownUser("user:alice", "hi")
	if err != nil {
		t.Fatalf("first EvaluateUnknownUser: %v", err)
	}
	if !first.Respond {
		t.Fatal("expected first contact to get a welcome response")
	}

	second, err := m.EvaluateUnknownUser("user:alice", "hi")
	if err != nil {
		t.Fatalf("second EvaluateUnknownUser: %v", err)
	}
	if second.Respond {
		t.Fatal("expected max_resp=1 to suppress a second welcome within the window")
	}
}

func TestVerifyCode_CorrectCodeConsumesChallenge(t *testing.T) {
	loadTestConfig(t, "channels:\n  terminal:\n    type: terminal\n    security:\n      policy: welcome\n")

	m := newManager("terminal")
	decision, err := m.EvaluateUnknownUser("user:alice", "hi")
	if err != nil {
		t.Fatalf("EvaluateUnknownUser: %v", err)
	}

	if _, err := m.VerifyCode("user:alice", "wrong-code"); err == nil {
		t.Fatal("expected wrong code to be rejected")
	}

	challenge, err := m.VerifyCode("user:alice", decision.Challenge.Code)
	if err != nil {
		t.Fatalf("VerifyCode with correct code: %v", err)
	}
	if challenge.ReqID != decision.Challenge.ReqID {
		t.Fatalf("returned challenge reqID mismatch: %q vs %q", challenge.ReqID, decision.Challenge.ReqID)
	}

	if _, ok := m.GetActiveChallenge("user:alice"); ok {
		t.Fatal("expected challenge to be consumed after successful verification")
	}
}

func TestVerifyCode_UnknownPrincipalErrors(t *testing.T) {
	loadTestConfig(t, "channels:\n  terminal:\n    type: terminal\n")
	m := newManager("terminal")
	if _, err := m.VerifyCode("user:nobody", "000000"); err == nil {
		t.Fatal("expected verification to fail for a principal with no active challenge")
	}
}

func TestIsAuthorizedByPairingACL(t *testing.T) {
	acl := map[string]config.ChannelACLConfig{
		"group:eng": {Allow: []string{"user:alice"}},
		"group:all": {Block: []string{"user:mallory"}},
	}
	if !isAuthorizedByPairingACL(acl, "group:eng", "user:alice") {
		t.Fatal("expected allow-listed user to be authorized")
	}
	if isAuthorizedByPairingACL(acl, "group:eng", "user:bob") {
		t.Fatal("expected non-allow-listed user to be denied when an allow list is present")
	}
	if isAuthorizedByPairingACL(acl, "group:all", "user:mallory") {
		t.Fatal("expected block-listed user to be denied")
	}
	if !isAuthorizedByPairingACL(acl, "group:all", "user:anyone") {
		t.Fatal("expected a non-block-listed user to be authorized when no allow list is present")
	}
}

func TestUpsertPairingChatUser_RejectsBadChatIDPrefix(t *testing.T) {
	if _, _, err := upsertPairingChatUser(nil, "nobody", "user:alice"); err == nil {
		t.Fatal("expected rejection of a chatID without group:/user: prefix")
	}
}

func TestUpsertPairingChatUser_AddsAndDedupes(t *testing.T) {
	chats, changed, err := upsertPairingChatUser(nil, "group:eng", "user:alice")
	if err != nil {
		t.Fatalf("upsertPairingChatUser: %v", err)
	}
	if !changed {
		t.Fatal("expected first insertion to report changed=true")
	}
	_, changedAgain, err := upsertPairingChatUser(chats, "group:eng", "user:alice")
	if err != nil {
		t.Fatalf("second upsertPairingChatUser: %v", err)
	}
	if changedAgain {
		t.Fatal("expected re-adding the same user to report changed=false")
	}
}

func TestManagerRegistry_GetIsMemoizedPerKey(t *testing.T) {
	key := GetKey("terminal", "local")
	m1 := Get(key)
	m2 := Get(key)
	if m1 != m2 {
		t.Fatal("expected Get to return the same Manager instance for the same key")
	}
	Delete(key)
	m3 := Get(key)
	if m3 == m1 {
		t.Fatal("expected Delete followed by Get to mint a fresh Manager")
	}
}

func TestGetKey_EmptyInputsYieldEmptyKey(t *testing.T) {
	if GetKey("", "local") != "" {
		t.Fatal("expected empty channel type to yield an empty key")
	}
	if GetKey("terminal", "") != "" {
		t.Fatal("expected empty channel id to yield an empty key")
	}
}
