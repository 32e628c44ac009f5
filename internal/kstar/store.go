package kstar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/consts"
)

// recordHeader discriminates a JSONL line's family-independent type tag,
// mirroring the session store's forward-compatible header-then-record
// parse.
type recordHeader struct {
	Type string `json:"_type"`
}

const (
	recTrace      = "trace"
	recPerception = "perception"
	recFact       = "fact"
	recSkill      = "skill"
	recToken      = "token"
)

// Store is the KSTAR persistence backend: five record families,
// file-per-family JSONL under ltm/memory/ (traces, perceptions and facts
// are append-only; skills and tokens are rewritten with the latest state
// per ID), plus a per-session STM trace mirror under
// stm/{session_id}/trace.jsonl.
type Store struct {
	locks      sync.Map // family name -> *sync.Mutex
	signingKey []byte
}

// NewStore opens the KSTAR store rooted at the configured storage path.
func NewStore(signingKey []byte) (*Store, error) {
	if err := os.MkdirAll(consts.MemoryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{signingKey: signingKey}, nil
}

func (s *Store) familyLock(family string) *sync.Mutex {
	existing, ok := s.locks.Load(family)
	if ok {
		return existing.(*sync.Mutex)
	}
	actual, _ := s.locks.LoadOrStore(family, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func appendLine(path string, rec any) error {
	line, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func rewriteAtomic(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(out)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("write record: %w", err)
		}
		if _, err := w.WriteString("\n"); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// --- Traces ---

type traceRecord struct {
	Type string `json:"_type"`
	Trace
}

// StoreTrace appends an episodic memory record to LTM and, if the trace
// carries a SessionID, mirrors it into that session's STM trace file.
func (s *Store) StoreTrace(t Trace) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	lock := s.familyLock("traces")
	lock.Lock()
	defer lock.Unlock()

	rec := traceRecord{Type: recTrace, Trace: t}
	if err := appendLine(consts.MemoryFamilyPath("traces"), rec); err != nil {
		return err
	}
	if t.SessionID != "" {
		if err := os.MkdirAll(filepath.Dir(consts.SessionTracePath(t.SessionID)), 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		if err := appendLine(consts.SessionTracePath(t.SessionID), rec); err != nil {
			return err
		}
	}
	return nil
}

// QueryTraces returns every stored trace matching fn (nil matches all),
// in insertion order.
func (s *Store) QueryTraces(fn func(Trace) bool) ([]Trace, error) {
	lock := s.familyLock("traces")
	lock.Lock()
	defer lock.Unlock()

	var out []Trace
	err := readLines(consts.MemoryFamilyPath("traces"), func(line []byte) error {
		var rec traceRecord
		if err := sonic.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse trace record: %w", err)
		}
		if fn == nil || fn(rec.Trace) {
			out = append(out, rec.Trace)
		}
		return nil
	})
	return out, err
}

// SearchTraces does a case-insensitive substring search over task.goal,
// action.type, and result.outcome.
func (s *Store) SearchTraces(query string) ([]Trace, error) {
	q := strings.ToLower(query)
	return s.QueryTraces(func(t Trace) bool {
		return strings.Contains(strings.ToLower(t.Task.Goal), q) ||
			strings.Contains(strings.ToLower(t.Action.Type), q) ||
			strings.Contains(strings.ToLower(t.Result.Outcome), q)
	})
}

// --- Perceptions & Facts ---

type perceptionRecord struct {
	Type string `json:"_type"`
	Perception
}

// StorePerception appends a declarative memory record.
func (s *Store) StorePerception(p Perception) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	lock := s.familyLock("perceptions")
	lock.Lock()
	defer lock.Unlock()
	return appendLine(consts.MemoryFamilyPath("perceptions"), perceptionRecord{Type: recPerception, Perception: p})
}

// QueryPerceptions returns every stored perception matching fn.
func (s *Store) QueryPerceptions(fn func(Perception) bool) ([]Perception, error) {
	lock := s.familyLock("perceptions")
	lock.Lock()
	defer lock.Unlock()

	var out []Perception
	err := readLines(consts.MemoryFamilyPath("perceptions"), func(line []byte) error {
		var rec perceptionRecord
		if err := sonic.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse perception record: %w", err)
		}
		if fn == nil || fn(rec.Perception) {
			out = append(out, rec.Perception)
		}
		return nil
	})
	return out, err
}

type factRecord struct {
	Type string `json:"_type"`
	Fact
}

// StoreFact appends a schema-tagged declarative record.
func (s *Store) StoreFact(f Fact) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	lock := s.familyLock("facts")
	lock.Lock()
	defer lock.Unlock()
	return appendLine(consts.MemoryFamilyPath("facts"), factRecord{Type: recFact, Fact: f})
}

// QueryFacts returns every stored fact matching fn.
func (s *Store) QueryFacts(fn func(Fact) bool) ([]Fact, error) {
	lock := s.familyLock("facts")
	lock.Lock()
	defer lock.Unlock()

	var out []Fact
	err := readLines(consts.MemoryFamilyPath("facts"), func(line []byte) error {
		var rec factRecord
		if err := sonic.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse fact record: %w", err)
		}
		if fn == nil || fn(rec.Fact) {
			out = append(out, rec.Fact)
		}
		return nil
	})
	return out, err
}

// --- Skills ---

type skillRecordLine struct {
	Type string `json:"_type"`
	SkillRecord
}

// loadSkillsLocked reads the skills family into the latest state per ID
// (last write wins) plus the IDs in first-seen order. Skills are mutated in place (unlike traces/perceptions/
// facts) because a running success rate is only meaningful as a single
// current value per skill.
func (s *Store) loadSkillsLocked() (map[string]SkillRecord, []string, error) {
	byID := map[string]SkillRecord{}
	var order []string
	err := readLines(consts.MemoryFamilyPath("skills"), func(line []byte) error {
		var rec skillRecordLine
		if err := sonic.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse skill record: %w", err)
		}
		if _, seen := byID[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		byID[rec.ID] = rec.SkillRecord
		return nil
	})
	return byID, order, err
}

func (s *Store) writeSkillsLocked(byID map[string]SkillRecord, order []string) error {
	lines := make([][]byte, 0, len(order))
	for _, id := range order {
		sk, ok := byID[id]
		if !ok {
			continue
		}
		line, err := sonic.Marshal(skillRecordLine{Type: recSkill, SkillRecord: sk})
		if err != nil {
			return fmt.Errorf("marshal skill record: %w", err)
		}
		lines = append(lines, line)
	}
	return rewriteAtomic(consts.MemoryFamilyPath("skills"), lines)
}

// UpsertSkill stores or replaces a procedural memory record by ID.
func (s *Store) UpsertSkill(sk SkillRecord) error {
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	lock := s.familyLock("skills")
	lock.Lock()
	defer lock.Unlock()

	byID, order, err := s.loadSkillsLocked()
	if err != nil {
		return err
	}
	if _, exists := byID[sk.ID]; !exists {
		order = append(order, sk.ID)
	}
	byID[sk.ID] = sk
	return s.writeSkillsLocked(byID, order)
}

// GetSkill returns the skill record for id, if any.
func (s *Store) GetSkill(id string) (SkillRecord, bool, error) {
	lock := s.familyLock("skills")
	lock.Lock()
	defer lock.Unlock()
	byID, _, err := s.loadSkillsLocked()
	if err != nil {
		return SkillRecord{}, false, err
	}
	sk, ok := byID[id]
	return sk, ok, nil
}

// ListSkills returns every stored skill record.
func (s *Store) ListSkills() ([]SkillRecord, error) {
	lock := s.familyLock("skills")
	lock.Lock()
	defer lock.Unlock()
	byID, order, err := s.loadSkillsLocked()
	if err != nil {
		return nil, err
	}
	out := make([]SkillRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// --- Control tokens ---

type tokenRecordLine struct {
	Type string `json:"_type"`
	ControlToken
}

func (s *Store) loadTokensLocked() (map[string]ControlToken, []string, error) {
	byID := map[string]ControlToken{}
	var order []string
	err := readLines(consts.MemoryFamilyPath("tokens"), func(line []byte) error {
		var rec tokenRecordLine
		if err := sonic.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse token record: %w", err)
		}
		if _, seen := byID[rec.TokenID]; !seen {
			order = append(order, rec.TokenID)
		}
		byID[rec.TokenID] = rec.ControlToken
		return nil
	})
	return byID, order, err
}

func (s *Store) writeTokensLocked(byID map[string]ControlToken, order []string) error {
	lines := make([][]byte, 0, len(order))
	for _, id := range order {
		t, ok := byID[id]
		if !ok {
			continue
		}
		line, err := sonic.Marshal(tokenRecordLine{Type: recToken, ControlToken: t})
		if err != nil {
			return fmt.Errorf("marshal token record: %w", err)
		}
		lines = append(lines, line)
	}
	return rewriteAtomic(consts.MemoryFamilyPath("tokens"), lines)
}

// IssueControlToken mints and persists a new ControlToken, signing it and
// chaining its lineage hash off parentTokenID (empty for a root token).
func (s *Store) IssueControlToken(t ControlToken, parentTokenID string) (ControlToken, error) {
	if t.TokenID == "" {
		t.TokenID = uuid.NewString()
	}
	lock := s.familyLock("tokens")
	lock.Lock()
	defer lock.Unlock()

	byID, order, err := s.loadTokensLocked()
	if err != nil {
		return ControlToken{}, err
	}

	parentLineage := ""
	if parentTokenID != "" {
		parent, ok := byID[parentTokenID]
		if !ok {
			return ControlToken{}, fmt.Errorf("kstar: parent token %s not found", parentTokenID)
		}
		parentLineage = parent.LineageHash
		t.DelegationChain = append(append([]string{}, parent.DelegationChain...), parentTokenID)
	}

	t.Signature = SignToken(&t, s.signingKey)
	t.LineageHash = LineageHash(t.Signature, parentLineage)

	if _, exists := byID[t.TokenID]; !exists {
		order = append(order, t.TokenID)
	}
	byID[t.TokenID] = t
	if err := s.writeTokensLocked(byID, order); err != nil {
		return ControlToken{}, err
	}
	return t, nil
}

// VerifyControlToken implements verify_control_token: valid only if the
// token exists, is unrevoked, unexpired, has an intact signature and
// lineage chain, and its scope covers requestedScope by prefix-or-equal.
// now is passed in explicitly so callers can test expiry deterministically.
func (s *Store) VerifyControlToken(tokenID, requestedScope string, now time.Time) Verification {
	lock := s.familyLock("tokens")
	lock.Lock()
	defer lock.Unlock()

	byID, _, err := s.loadTokensLocked()
	if err != nil {
		return Verification{Valid: false, Reason: ReasonNotFound}
	}
	t, ok := byID[tokenID]
	if !ok {
		return Verification{Valid: false, Reason: ReasonNotFound}
	}
	if t.Revoked {
		return Verification{Valid: false, Reason: ReasonRevoked}
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return Verification{Valid: false, Reason: ReasonExpired}
	}
	if !verifySignature(&t, s.signingKey) {
		return Verification{Valid: false, Reason: ReasonSignatureInvalid}
	}
	if !s.lineageIntactLocked(byID, t) {
		return Verification{Valid: false, Reason: ReasonChainBroken}
	}
	if !scopeMatches(t.Scope, requestedScope) {
		return Verification{Valid: false, Reason: ReasonScopeMismatch}
	}
	return Verification{Valid: true}
}

func (s *Store) lineageIntactLocked(byID map[string]ControlToken, t ControlToken) bool {
	parentLineage := ""
	for _, ancestorID := range t.DelegationChain {
		ancestor, ok := byID[ancestorID]
		if !ok {
			return false
		}
		if ancestor.LineageHash != LineageHash(ancestor.Signature, parentLineage) {
			return false
		}
		parentLineage = ancestor.LineageHash
	}
	return t.LineageHash == LineageHash(t.Signature, parentLineage)
}

// RevokeControlToken marks a token (and, transitively, every token in the
// pack whose delegation chain includes it) as revoked.
func (s *Store) RevokeControlToken(tokenID, reason string, at time.Time) error {
	lock := s.familyLock("tokens")
	lock.Lock()
	defer lock.Unlock()

	byID, order, err := s.loadTokensLocked()
	if err != nil {
		return err
	}
	t, ok := byID[tokenID]
	if !ok {
		return fmt.Errorf("kstar: token %s not found", tokenID)
	}
	t.Revoked = true
	t.RevokedAt = &at
	t.RevokedReason = reason
	byID[tokenID] = t

	for id, other := range byID {
		if other.Revoked {
			continue
		}
		if containsString(other.DelegationChain, tokenID) {
			other.Revoked = true
			other.RevokedAt = &at
			other.RevokedReason = "delegation_chain_revoked:" + tokenID
			byID[id] = other
		}
	}
	return s.writeTokensLocked(byID, order)
}

// GetTokenLineage returns the delegation chain (root first) plus the
// token itself.
func (s *Store) GetTokenLineage(tokenID string) ([]ControlToken, error) {
	lock := s.familyLock("tokens")
	lock.Lock()
	defer lock.Unlock()

	byID, _, err := s.loadTokensLocked()
	if err != nil {
		return nil, err
	}
	t, ok := byID[tokenID]
	if !ok {
		return nil, fmt.Errorf("kstar: token %s not found", tokenID)
	}
	chain := make([]ControlToken, 0, len(t.DelegationChain)+1)
	for _, id := range t.DelegationChain {
		ancestor, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("kstar: broken delegation chain at %s", id)
		}
		chain = append(chain, ancestor)
	}
	chain = append(chain, t)
	return chain, nil
}

// --- xAPI statements ---

// AppendStatement appends an xAPI statement to a session's STM statement
// log (stm/{session_id}/xapi.jsonl).
func (s *Store) AppendStatement(sessionID string, stmt Statement) error {
	if stmt.ID == "" {
		stmt.ID = uuid.NewString()
	}
	path := consts.SessionXAPIPath(sessionID)
	lock := s.familyLock("xapi:" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return appendLine(path, stmt)
}

// ReadStatements returns every xAPI statement recorded for a session.
func (s *Store) ReadStatements(sessionID string) ([]Statement, error) {
	path := consts.SessionXAPIPath(sessionID)
	lock := s.familyLock("xapi:" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	var out []Statement
	err := readLines(path, func(line []byte) error {
		var stmt Statement
		if err := sonic.Unmarshal(line, &stmt); err != nil {
			return fmt.Errorf("parse statement: %w", err)
		}
		out = append(out, stmt)
		return nil
	})
	return out, err
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
