package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
)

const (
	defaultGCInterval = 10 * time.Minute
	defaultTTL        = 24 * time.Hour
)

// Store persists sessions across process restarts.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, sessionID string) error
	GC(ctx context.Context, now time.Time) (int, error)
}

// ManagerOptions configures a Manager at construction.
type ManagerOptions struct {
	Store Store
	TTL   time.Duration
}

// Manager is the in-process session registry: a sync.Map of live sessions
// backed by an optional durable Store, with TTL-based expiration from
// last activity (spec's default 24h session TTL).
type Manager struct {
	agentID string
	sessMap sync.Map
	storeMu sync.RWMutex
	store   Store
	ttlNS   atomic.Int64
}

// NewManager constructs a Manager for agentID, applying opts if given.
func NewManager(agentID string, opts ...ManagerOptions) *Manager {
	mgr := &Manager{agentID: agentID}
	mgr.ttlNS.Store(defaultTTL.Nanoseconds())

	if len(opts) > 0 {
		mgr.SetStore(opts[0].Store)
		if opts[0].TTL > 0 {
			mgr.SetTTL(opts[0].TTL)
		}
	}
	return mgr
}

// AgentID returns the agent this manager's sessions belong to.
func (m *Manager) AgentID() string { return m.agentID }

// GetOrCreate returns the live session for sessionID, loading it from the
// store or creating a fresh one if none exists.
func (m *Manager) GetOrCreate(sessionID string) *Session {
	if raw, ok := m.sessMap.Load(sessionID); ok {
		existing := raw.(*Session)
		if existing.IsExpired(time.Now()) {
			_ = m.Delete(sessionID)
		} else {
			return existing
		}
	}

	store := m.getStore()
	if store != nil {
		loaded, err := store.Load(context.Background(), sessionID)
		if err != nil {
			logs.Warn("[session:%s] load failed for id=%s: %v", m.agentID, sessionID, err)
		} else if loaded != nil {
			actual, _ := m.sessMap.LoadOrStore(sessionID, loaded)
			return actual.(*Session)
		}
	}

	return m.Create(sessionID)
}

// Create starts a fresh session under sessionID, or returns the existing
// one if already live.
func (m *Manager) Create(sessionID string) *Session {
	if raw, ok := m.sessMap.Load(sessionID); ok {
		return raw.(*Session)
	}

	actual, _ := m.sessMap.LoadOrStore(sessionID, newSession(sessionID, m.agentID, time.Now()))
	return actual.(*Session)
}

// Get returns the live session for sessionID without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	raw, ok := m.sessMap.Load(sessionID)
	if !ok {
		return nil, false
	}
	sess := raw.(*Session)
	if sess.IsExpired(time.Now()) {
		_ = m.Delete(sessionID)
		return nil, false
	}
	return sess, true
}

// Save persists a session, refreshing its TTL-derived expiry first.
func (m *Manager) Save(sess *Session) error {
	if sess == nil {
		return nil
	}
	if ttl := m.TTL(); ttl > 0 {
		sess.SetExpireAt(time.Now().Add(ttl))
	}

	store := m.getStore()
	if store == nil {
		return nil
	}
	return store.Save(context.Background(), sess)
}

// Delete removes a session from memory and, if a store is configured,
// from durable storage.
func (m *Manager) Delete(sessionID string) error {
	m.sessMap.Delete(sessionID)

	store := m.getStore()
	if store == nil {
		return nil
	}
	return store.Delete(context.Background(), sessionID)
}

// SetStore swaps the manager's durable store.
func (m *Manager) SetStore(store Store) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.store = store
}

// SetTTL sets the inactivity TTL after which a session expires.
func (m *Manager) SetTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	m.ttlNS.Store(ttl.Nanoseconds())
}

// TTL returns the manager's configured inactivity TTL.
func (m *Manager) TTL() time.Duration {
	ns := m.ttlNS.Load()
	if ns <= 0 {
		return 0
	}
	return time.Duration(ns)
}

// GC sweeps the durable store for expired sessions.
func (m *Manager) GC() (int, error) {
	store := m.getStore()
	if store == nil {
		return 0, nil
	}
	return store.GC(context.Background(), time.Now())
}

// StartGCLoop runs GC on a ticker until ctx is canceled.
func (m *Manager) StartGCLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultGCInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.GC()
				if err != nil {
					logs.CtxWarn(ctx, "[session] GC failed: %v", err)
					continue
				}
				if removed > 0 {
					logs.CtxInfo(ctx, "[session] GC removed %d expired session(s)", removed)
				}
			}
		}
	}()
}

func (m *Manager) getStore() Store {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	return m.store
}
