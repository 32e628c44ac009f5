package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/p3394/exemplar-agent/internal/consts"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// ContextSnapshot is the stm/{session_id}/context.json document: the
// working-set a capability invocation composes from, separate from the
// append-only trace.jsonl/xapi.jsonl logs living alongside it.
type ContextSnapshot struct {
	SessionID      string               `json:"session_id"`
	AgentID        string               `json:"agent_id"`
	ChannelID      string               `json:"channel_id"`
	PrincipalURN   string               `json:"principal_urn,omitempty"`
	Assurance      principal.Assurance  `json:"assurance,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	RecentMessages []*umf.Message       `json:"recent_messages,omitempty"`
	WorkspaceDir   string               `json:"workspace_dir"`
	ArtifactsDir   string               `json:"artifacts_dir"`
	TempDir        string               `json:"temp_dir"`
	ToolsDir       string               `json:"tools_dir"`
}

// maxRecentMessages bounds how much history a snapshot carries inline;
// older turns are still recoverable from trace.jsonl.
const maxRecentMessages = 50

// Snapshot builds a ContextSnapshot from the session's live state.
func (s *Session) Snapshot() ContextSnapshot {
	hist := s.History()
	if len(hist) > maxRecentMessages {
		hist = hist[len(hist)-maxRecentMessages:]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := ContextSnapshot{
		SessionID:      s.ID,
		AgentID:        s.AgentID,
		ChannelID:      s.ChannelID,
		CreatedAt:      s.createTime,
		UpdatedAt:      s.updateTime,
		RecentMessages: hist,
		WorkspaceDir:   consts.SessionWorkspaceDir(s.ID),
		ArtifactsDir:   consts.SessionArtifactsDir(s.ID),
		TempDir:        consts.SessionTempDir(s.ID),
		ToolsDir:       consts.SessionToolsDir(s.ID),
	}
	if s.Principal != nil {
		snap.PrincipalURN = s.Principal.URN
		snap.Assurance = s.Assurance
	}
	return snap
}

// SaveContext writes the session's context snapshot to
// stm/{session_id}/context.json, replacing it atomically.
func SaveContext(s *Session) error {
	snap := s.Snapshot()
	path := consts.SessionContextPath(s.ID)

	dirs := []string{filepath.Dir(path), snap.WorkspaceDir, snap.ArtifactsDir, snap.TempDir, snap.ToolsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session shared dir: %w", err)
		}
	}

	payload, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write temp context file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace context file: %w", err)
	}
	return nil
}

// LoadContext reads a session's persisted context snapshot, if any.
func LoadContext(sessionID string) (*ContextSnapshot, error) {
	path := consts.SessionContextPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var snap ContextSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse context file: %w", err)
	}
	return &snap, nil
}
