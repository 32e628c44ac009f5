package session

import (
	"context"
	"testing"
	"time"

	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/umf"
)

func TestSession_AppendAndHistory(t *testing.T) {
	s := newSession("sess-1", "agent-a", time.Now())
	s.Append(&umf.Message{ID: "m1"})
	s.Append(&umf.Message{ID: "m2"})

	hist := s.History()
	if len(hist) != 2 || hist[0].ID != "m1" || hist[1].ID != "m2" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	// History() must return a copy: mutating it must not affect the session.
	hist[0] = &umf.Message{ID: "tampered"}
	if s.History()[0].ID != "m1" {
		t.Fatal("History() leaked internal slice to the caller")
	}
}

func TestSession_ExpiryAndGrants(t *testing.T) {
	s := newSession("sess-1", "agent-a", time.Now())
	if s.IsExpired(time.Now()) {
		t.Fatal("a session with no expiry set must never report expired")
	}

	s.SetExpireAt(time.Now().Add(-time.Minute))
	if !s.IsExpired(time.Now()) {
		t.Fatal("expected session with a past expiry to be expired")
	}

	p := &principal.Principal{URN: "urn:principal:org:acme:role:user:person:bob", Scopes: []string{"read:x"}}
	s.SetPrincipal(p, principal.AssuranceMedium)
	s.SetGrantedPermissions(p.Scopes)
	if s.Principal.URN != p.URN || s.Assurance != principal.AssuranceMedium {
		t.Fatalf("principal/assurance not bound: %+v / %v", s.Principal, s.Assurance)
	}
	if len(s.GrantedPermissions) != 1 || s.GrantedPermissions[0] != "read:x" {
		t.Fatalf("unexpected granted permissions: %v", s.GrantedPermissions)
	}
}

func TestSession_Clear(t *testing.T) {
	s := newSession("sess-1", "agent-a", time.Now())
	s.Append(&umf.Message{ID: "m1"})
	s.IncrMsgCount()
	s.IncrInvocationCount()

	s.Clear()
	if len(s.History()) != 0 {
		t.Fatal("expected history cleared")
	}
	if s.MsgCount() != 0 || s.InvocationCount() != 0 {
		t.Fatalf("expected counters reset, got msg=%d invoke=%d", s.MsgCount(), s.InvocationCount())
	}
}

func TestManager_GetOrCreateIsIdempotent(t *testing.T) {
	mgr := NewManager("agent-a")
	s1 := mgr.GetOrCreate("sess-1")
	s2 := mgr.GetOrCreate("sess-1")
	if s1 != s2 {
		t.Fatal("expected GetOrCreate to return the same live session object")
	}
}

func TestManager_GetReturnsFalseForUnknown(t *testing.T) {
	mgr := NewManager("agent-a")
	if _, ok := mgr.Get("missing"); ok {
		t.Fatal("expected Get to report false for an unknown session")
	}
}

func TestManager_ExpiredSessionIsNotReturnedByGet(t *testing.T) {
	mgr := NewManager("agent-a", ManagerOptions{TTL: time.Millisecond})
	sess := mgr.GetOrCreate("sess-1")
	mgr.Save(sess)
	time.Sleep(5 * time.Millisecond)

	if _, ok := mgr.Get("sess-1"); ok {
		t.Fatal("expected expired session to be evicted from Get")
	}
	// GetOrCreate on the same id should now mint a fresh session.
	fresh := mgr.GetOrCreate("sess-1")
	if fresh == sess {
		t.Fatal("expected a fresh session object after expiry")
	}
}

// fakeStore is a minimal in-memory Store for exercising Manager persistence
// without touching disk.
type fakeStore struct {
	saved map[string]*Session
}

func newFakeStore() *fakeStore { return &fakeStore{saved: map[string]*Session{}} }

func (f *fakeStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	return f.saved[sessionID], nil
}
func (f *fakeStore) Save(ctx context.Context, sess *Session) error {
	f.saved[sess.ID] = sess
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, sessionID string) error {
	delete(f.saved, sessionID)
	return nil
}
func (f *fakeStore) GC(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for id, s := range f.saved {
		if s.IsExpired(now) {
			delete(f.saved, id)
			n++
		}
	}
	return n, nil
}

func TestManager_LoadsFromStoreWhenNotLive(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager("agent-a", ManagerOptions{Store: store})

	persisted := newSession("sess-1", "agent-a", time.Now())
	persisted.SetExpireAt(time.Now().Add(time.Hour))
	store.saved["sess-1"] = persisted

	loaded := mgr.GetOrCreate("sess-1")
	if loaded != persisted {
		t.Fatal("expected GetOrCreate to return the session loaded from the store")
	}
}

func TestManager_SaveRefreshesTTLAndPersists(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager("agent-a", ManagerOptions{Store: store, TTL: time.Hour})

	sess := mgr.GetOrCreate("sess-1")
	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := store.saved["sess-1"]; !ok {
		t.Fatal("expected session to be persisted to the store")
	}
	if !sess.expireAt.After(time.Now()) {
		t.Fatal("expected Save to refresh the session's TTL-derived expiry")
	}
}

func TestManager_GCLoopReapsExpiredSessions(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager("agent-a", ManagerOptions{Store: store})

	expired := newSession("sess-1", "agent-a", time.Now())
	expired.SetExpireAt(time.Now().Add(-time.Minute))
	store.saved["sess-1"] = expired

	ctx, cancel := context.WithCancel(context.Background())
	mgr.StartGCLoop(ctx, 5*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := store.saved["sess-1"]; !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected GC loop to have reaped the expired session")
}
