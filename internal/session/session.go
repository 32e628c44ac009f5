// Package session implements gateway sessions: the short-term-memory
// container a conversation's messages, principal binding, and working
// directories live in between request/reply turns.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// Session is one p3394://{agent_id}/{channel_id}?session={session_id}
// conversation's live state: who is speaking, through which channel, and
// the recent message history that substrate dispatch composes from.
type Session struct {
	ID        string
	AgentID   string
	ChannelID string

	Principal *principal.Principal
	Assurance principal.Assurance

	// GrantedPermissions are the permission levels the bound principal's
	// scopes resolve to for this session, consumed by policy.Request.
	GrantedPermissions []string
	// ClientID identifies the connecting client instance (socket peer,
	// HTTP API key holder, agent-RPC caller) independent of the principal.
	ClientID string
	// Metadata carries free-form session annotations (e.g. pairing state,
	// client user agent) not promoted to first-class fields.
	Metadata map[string]string

	history []*umf.Message

	createTime time.Time
	updateTime time.Time
	expireAt   time.Time

	msgCnt    atomic.Int64
	invokeCnt atomic.Int64

	dirty   bool
	version uint64

	persistedMsgLen int
	appendSaveCnt   int

	mu sync.RWMutex
}

func newSession(id, agentID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		AgentID:    agentID,
		history:    make([]*umf.Message, 0, 8),
		createTime: now,
		updateTime: now,
	}
}

// History returns a copy of the session's message history.
func (s *Session) History() []*umf.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*umf.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Append records a message (inbound or outbound) in the session history.
func (s *Session) Append(msg *umf.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// Clear drops the session's message history without ending the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = s.history[:0]
	s.msgCnt.Store(0)
	s.invokeCnt.Store(0)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// SetExpireAt updates the session's absolute expiry.
func (s *Session) SetExpireAt(expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireAt.Equal(expireAt) {
		return
	}
	s.expireAt = expireAt
	s.markMutationLocked()
}

// IsExpired reports whether the session's TTL has elapsed as of now.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expireAt.IsZero() {
		return false
	}
	return !s.expireAt.After(now)
}

// MsgCount returns the number of UMF messages recorded this session.
func (s *Session) MsgCount() int64 { return s.msgCnt.Load() }

// InvocationCount returns the number of capability invocations dispatched
// within this session.
func (s *Session) InvocationCount() int64 { return s.invokeCnt.Load() }

// IncrMsgCount increments the session's message counter.
func (s *Session) IncrMsgCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgCnt.Add(1)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// IncrInvocationCount increments the session's invocation counter.
func (s *Session) IncrInvocationCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeCnt.Add(1)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// UpdatedAt returns the session's last-activity timestamp.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateTime
}

// SetPrincipal binds a resolved principal and assurance level to the
// session, typically once at authentication time.
func (s *Session) SetPrincipal(p *principal.Principal, assurance principal.Assurance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Principal = p
	s.Assurance = assurance
	s.markMutationLocked()
}

// SetGrantedPermissions records the permission levels resolved for the
// session's bound principal.
func (s *Session) SetGrantedPermissions(perms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GrantedPermissions = append([]string(nil), perms...)
	s.markMutationLocked()
}

// SetClientID binds the connecting client instance identifier.
func (s *Session) SetClientID(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClientID == clientID {
		return
	}
	s.ClientID = clientID
	s.markMutationLocked()
}

// SetMetadata sets a single session metadata key.
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
	s.markMutationLocked()
}

// MetadataValue reads a single session metadata key.
func (s *Session) MetadataValue(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Metadata[key]
	return v, ok
}

func (s *Session) snapshotForSave() sessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := make([]*umf.Message, len(s.history))
	copy(hist, s.history)

	return sessionSnapshot{
		id:              s.ID,
		agentID:         s.AgentID,
		channelID:       s.ChannelID,
		principal:       s.Principal,
		assurance:       s.Assurance,
		createTime:      s.createTime,
		updateTime:      s.updateTime,
		expireAt:        s.expireAt,
		msgCnt:          s.msgCnt.Load(),
		invokeCnt:       s.invokeCnt.Load(),
		dirty:           s.dirty,
		version:         s.version,
		history:         hist,
		persistedMsgLen: s.persistedMsgLen,
		appendSaveCnt:   s.appendSaveCnt,
	}
}

type sessionSnapshot struct {
	id        string
	agentID   string
	channelID string
	principal *principal.Principal
	assurance principal.Assurance

	createTime time.Time
	updateTime time.Time
	expireAt   time.Time

	msgCnt    int64
	invokeCnt int64
	dirty     bool
	version   uint64

	history         []*umf.Message
	persistedMsgLen int
	appendSaveCnt   int
}

func (s *Session) markPersisted(histLen int, compacted bool, expectedVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persistedMsgLen = histLen
	if compacted {
		s.appendSaveCnt = 0
	} else {
		s.appendSaveCnt++
	}
	if s.version == expectedVersion {
		s.dirty = false
	}
}

func (s *Session) markMutationLocked() {
	s.dirty = true
	s.version++
}
