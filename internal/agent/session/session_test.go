package session

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/p3394/exemplar-agent/internal/channel"
)

func TestGenerateAndParseKey(t *testing.T) {
	key := GenerateKey("agent1", channel.Telegram, "chan1", "chat1")
	if key != "agent:agent1:telegram:chan1:chat1" {
		t.Fatalf("unexpected key: %s", key)
	}

	agentID, ch, channelID, chatID, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if agentID != "agent1" || ch != channel.Telegram || channelID != "chan1" || chatID != "chat1" {
		t.Fatalf("ParseKey mismatch: %s %s %s %s", agentID, ch, channelID, chatID)
	}
}

func TestParseKeyInvalid(t *testing.T) {
	if _, _, _, _, err := ParseKey("not-a-key"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestSessionAppendAndHistory(t *testing.T) {
	mgr := NewManager("agent1")
	sess := mgr.GetOrCreateFor(channel.Telegram, "chan1", "chat1")

	sess.Append(&schema.Message{Role: schema.User, Content: "hello"})
	sess.Append(&schema.Message{Role: schema.Assistant, Content: "hi"})

	hist := sess.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(hist))
	}
	if sess.MsgCount() != 0 {
		t.Fatalf("MsgCount tracks explicit IncrMsgCnt calls, got %d", sess.MsgCount())
	}
}

func TestSessionExpiry(t *testing.T) {
	sess := &Session{}
	if sess.IsExpired(time.Now()) {
		t.Fatal("zero expireAt must never be expired")
	}
	sess.SetExpireAt(time.Now().Add(-time.Minute))
	if !sess.IsExpired(time.Now()) {
		t.Fatal("expected session to be expired")
	}
}

func TestJSONLStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewJSONLManager("agent1", dir)
	if err != nil {
		t.Fatalf("NewJSONLManager: %v", err)
	}

	sess := mgr.GetOrCreateFor(channel.Telegram, "chan1", "chat1")
	sess.Append(&schema.Message{Role: schema.User, Content: "hello"})
	sess.IncrMsgCnt()

	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mgr2, err := NewJSONLManager("agent1", dir)
	if err != nil {
		t.Fatalf("NewJSONLManager (2): %v", err)
	}
	loaded := mgr2.GetOrCreateFor(channel.Telegram, "chan1", "chat1")
	hist := loaded.History()
	if len(hist) != 1 || hist[0].Content != "hello" {
		t.Fatalf("expected persisted history to round-trip, got %+v", hist)
	}
	if loaded.MsgCount() != 1 {
		t.Fatalf("expected persisted msg count 1, got %d", loaded.MsgCount())
	}

	if _, err := NewAgentJSONLStore(dir); err != nil {
		t.Fatalf("NewAgentJSONLStore: %v", err)
	}
}

func TestManagerGC(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewJSONLManager("agent1", dir)
	if err != nil {
		t.Fatalf("NewJSONLManager: %v", err)
	}

	sess := mgr.GetOrCreateFor(channel.Telegram, "chan1", "chat1")
	sess.Append(&schema.Message{Role: schema.User, Content: "bye"})
	sess.SetExpireAt(time.Now().Add(-time.Hour))
	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := mgr.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed session, got %d", removed)
	}
}

func TestManagerStartGCLoopStops(t *testing.T) {
	mgr := NewManager("agent1")
	ctx, cancel := context.WithCancel(context.Background())
	mgr.StartGCLoop(ctx, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
}
