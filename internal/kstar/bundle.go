package kstar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/p3394/exemplar-agent/internal/consts"
)

const bundleFormat = "kstar-bundle"
const bundleVersion = 1

// AgentMetadata identifies the agent an exported bundle belongs to.
type AgentMetadata struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version,omitempty"`
}

// BundleStatistics summarizes a bundle's contents at export time.
type BundleStatistics struct {
	TraceCount      int `json:"trace_count"`
	PerceptionCount int `json:"perception_count"`
	FactCount       int `json:"fact_count"`
	SkillCount      int `json:"skill_count"`
	TokenCount      int `json:"token_count"`
}

// Bundle is the export_bundle/import_bundle payload: a portable snapshot
// of KSTAR's long-term memory (spec §4.7).
type Bundle struct {
	Format      string           `json:"format"`
	Version     int              `json:"version"`
	ExportedAt  time.Time        `json:"exported_at"`
	Agent       AgentMetadata    `json:"agent"`
	Traces      []Trace          `json:"traces"`
	Perceptions []Perception     `json:"perceptions"`
	Facts       []Fact           `json:"facts"`
	Skills      []SkillRecord    `json:"skills"`
	Tokens      []ControlToken   `json:"tokens,omitempty"`
	Statistics  BundleStatistics `json:"statistics"`
	Checksum    string           `json:"checksum"`
}

// checksum computes a stable sha256 over a bundle's memory payload,
// excluding the checksum field itself.
func checksum(b Bundle) (string, error) {
	b.Checksum = ""
	payload, err := sonic.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle for checksum: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ExportBundle snapshots every LTM family into a Bundle. Control tokens
// are included only when includeTokens is true, since they carry
// delegated authority and should not leave the gateway by default.
func (s *Store) ExportBundle(agent AgentMetadata, exportedAt time.Time, includeTokens bool) (Bundle, error) {
	traces, err := s.QueryTraces(nil)
	if err != nil {
		return Bundle{}, err
	}
	perceptions, err := s.QueryPerceptions(nil)
	if err != nil {
		return Bundle{}, err
	}
	facts, err := s.QueryFacts(nil)
	if err != nil {
		return Bundle{}, err
	}
	skills, err := s.ListSkills()
	if err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		Format:      bundleFormat,
		Version:     bundleVersion,
		ExportedAt:  exportedAt,
		Agent:       agent,
		Traces:      traces,
		Perceptions: perceptions,
		Facts:       facts,
		Skills:      skills,
		Statistics: BundleStatistics{
			TraceCount:      len(traces),
			PerceptionCount: len(perceptions),
			FactCount:       len(facts),
			SkillCount:      len(skills),
		},
	}

	if includeTokens {
		lock := s.familyLock("tokens")
		lock.Lock()
		byID, order, err := s.loadTokensLocked()
		lock.Unlock()
		if err != nil {
			return Bundle{}, err
		}
		tokens := make([]ControlToken, 0, len(order))
		for _, id := range order {
			tokens = append(tokens, byID[id])
		}
		b.Tokens = tokens
		b.Statistics.TokenCount = len(tokens)
	}

	sum, err := checksum(b)
	if err != nil {
		return Bundle{}, err
	}
	b.Checksum = sum
	return b, nil
}

// WriteBundleFile writes an exported bundle to export/{timestamp}.kstar.
func WriteBundleFile(b Bundle) (string, error) {
	if err := os.MkdirAll(consts.ExportDir(), 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := b.ExportedAt.UTC().Format("20060102T150405Z") + ".kstar"
	path := filepath.Join(consts.ExportDir(), name)
	payload, err := sonic.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write bundle file: %w", err)
	}
	return path, nil
}

// ImportMode controls how ImportBundle reconciles an incoming bundle
// against existing state.
type ImportMode string

const (
	// ImportMerge appends the bundle's records alongside existing ones.
	ImportMerge ImportMode = "merge"
	// ImportReplace replaces LTM state wholesale; only permitted when
	// the bundle's checksum matches a freshly recomputed one, guarding
	// against importing a corrupted or hand-edited bundle as truth.
	ImportReplace ImportMode = "replace"
)

// ImportBundle merges or replaces LTM state from a previously exported
// bundle.
func (s *Store) ImportBundle(b Bundle, mode ImportMode) error {
	want, err := checksum(b)
	if err != nil {
		return err
	}
	if b.Checksum != want {
		return fmt.Errorf("kstar: bundle checksum mismatch, refusing import")
	}
	if mode == ImportReplace {
		if err := s.clearFamilyLocked("traces"); err != nil {
			return err
		}
		if err := s.clearFamilyLocked("perceptions"); err != nil {
			return err
		}
		if err := s.clearFamilyLocked("facts"); err != nil {
			return err
		}
		if err := s.clearFamilyLocked("skills"); err != nil {
			return err
		}
	}

	for _, t := range b.Traces {
		if err := s.StoreTrace(t); err != nil {
			return err
		}
	}
	for _, p := range b.Perceptions {
		if err := s.StorePerception(p); err != nil {
			return err
		}
	}
	for _, f := range b.Facts {
		if err := s.StoreFact(f); err != nil {
			return err
		}
	}
	for _, sk := range b.Skills {
		if err := s.UpsertSkill(sk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) clearFamilyLocked(family string) error {
	lock := s.familyLock(family)
	lock.Lock()
	defer lock.Unlock()
	path := consts.MemoryFamilyPath(family)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear %s family: %w", family, err)
	}
	return nil
}
