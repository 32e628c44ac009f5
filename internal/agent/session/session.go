// Package session manages per-agent conversational session state: the
// rolling schema.Message history an agent replays into each provider call,
// keyed by (agentID, channelType, channelID, chatID) and persisted through a
// pluggable Store (spec §4.6's session layer as seen from inside a single
// in-process agent, distinct from the gateway-level internal/session
// package which tracks principal binding across the wider UMF pipeline).
package session

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/p3394/exemplar-agent/internal/channel"
)

const sessKeyTpl = "agent:%s:%s:%s:%s"

// Session holds one conversation's message history and bookkeeping for one
// agent talking to one chat on one channel.
type Session struct {
	SessionKey string

	AgentID   string
	Channel   channel.Type
	ChannelID string
	ChatID    string

	messages []*schema.Message

	createTime time.Time
	updateTime time.Time
	expireAt   time.Time

	msgCnt      atomic.Int64
	toolCallCnt atomic.Int64

	dirty   bool
	version uint64

	persistedMsgLen int
	appendSaveCnt   int

	mu sync.RWMutex
}

// History returns a copy of the session's message slice.
func (s *Session) History() []*schema.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*schema.Message, len(s.messages))
	copy(msgs, s.messages)
	return msgs
}

// Clear drops all history, resetting counters.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	s.msgCnt.Store(0)
	s.toolCallCnt.Store(0)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// Append adds msg to the session's history.
func (s *Session) Append(msg *schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

// SetExpireAt updates when this session becomes eligible for GC.
func (s *Session) SetExpireAt(expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireAt.Equal(expireAt) {
		return
	}
	s.expireAt = expireAt
	s.markMutationLocked()
}

func (s *Session) MsgCount() int64      { return s.msgCnt.Load() }
func (s *Session) ToolCallCount() int64 { return s.toolCallCnt.Load() }

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateTime
}

func (s *Session) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expireAt.IsZero() {
		return false
	}
	return !s.expireAt.After(now)
}

func (s *Session) IncrMsgCnt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgCnt.Add(1)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

func (s *Session) IncrToolCallCnt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCallCnt.Add(1)
	s.updateTime = time.Now()
	s.markMutationLocked()
}

func (s *Session) markMutationLocked() {
	s.dirty = true
	s.version++
}

// GenerateKey builds the session key for one (agent, channel, channelID,
// chatID) tuple.
func GenerateKey(agentID string, channelType channel.Type, channelID, chatID string) string {
	return fmt.Sprintf(sessKeyTpl, agentID, string(channelType), channelID, chatID)
}

// ParseKey reverses GenerateKey.
func ParseKey(sessionKey string) (agentID string, channelType channel.Type, channelID, chatID string, err error) {
	parts := strings.Split(sessionKey, ":")
	if len(parts) != 5 || parts[0] != "agent" {
		return "", "", "", "", fmt.Errorf("invalid session key format: %s (expected agent:<agentId>:<channel>:<channelId>:<chatId>)", sessionKey)
	}
	return parts[1], channel.Type(parts[2]), parts[3], parts[4], nil
}
