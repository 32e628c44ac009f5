package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/p3394/exemplar-agent/internal/consts"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
)

// Source tags where a catalog entry's descriptor originated.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceSDK     Source = "sdk"
	SourceSkill   Source = "skill"
	SourceConfig  Source = "config"
	SourceLearned Source = "learned"
)

// Entry wraps a Descriptor with catalog-level classification and
// presence tracking (spec §4.4).
type Entry struct {
	Descriptor *Descriptor `json:"descriptor"`
	Source     Source      `json:"source"`
	InSystem   bool        `json:"in_system"`
	InMemory   bool        `json:"in_memory"`
}

// PowerLevel and CognitivePattern resolve through the wrapped descriptor.
func (e *Entry) PowerLevel() PowerLevel           { return e.Descriptor.ResolvePowerLevel() }
func (e *Entry) CognitivePattern() CognitivePattern { return e.Descriptor.ResolveCognitivePattern() }

// Catalog sits atop a Registry and reconciles it with the persisted LTM
// catalog file at startup (spec §4.4).
type Catalog struct {
	mu       sync.RWMutex
	registry *Registry
	path     string
	entries  map[string]*Entry
}

// NewCatalog builds a Catalog backed by the default LTM catalog path.
func NewCatalog(registry *Registry) *Catalog {
	return NewCatalogAt(registry, consts.CapabilityCatalogPath())
}

// NewCatalogAt builds a Catalog backed by an explicit path, for tests.
func NewCatalogAt(registry *Registry, path string) *Catalog {
	return &Catalog{registry: registry, path: path, entries: map[string]*Entry{}}
}

// ReconciliationResult reports the three-way partition produced by Reconcile.
type ReconciliationResult struct {
	InBoth     []string
	OnlySystem []string // new in the registry, not yet in persisted LTM -> added
	OnlyMemory []string // persisted but no longer discovered -> disabled, kept for audit
}

// Reconcile implements spec §4.4's three-step startup sequence: (i) load
// persisted catalog entries; (ii) the registry is assumed already
// populated by top-down discovery (built-ins, skills, transports, SDK
// tools, MCP tools) by the caller; (iii) merge into in_both/only_system/
// only_memory, disabling orphaned entries rather than deleting them.
func (c *Catalog) Reconcile() (ReconciliationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	persisted, err := c.loadPersistedLocked()
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("reconcile catalog: %w", err)
	}

	discovered := c.registry.All()
	discoveredIDs := make(map[string]struct{}, len(discovered))
	for _, d := range discovered {
		discoveredIDs[d.CapabilityID] = struct{}{}
	}

	result := ReconciliationResult{}
	merged := map[string]*Entry{}

	for _, d := range discovered {
		existing, wasPersisted := persisted[d.CapabilityID]
		entry := &Entry{Descriptor: d, InSystem: true, InMemory: wasPersisted}
		if wasPersisted {
			entry.Source = existing.Source
			result.InBoth = append(result.InBoth, d.CapabilityID)
		} else {
			entry.Source = inferSource(d)
			result.OnlySystem = append(result.OnlySystem, d.CapabilityID)
		}
		merged[d.CapabilityID] = entry
	}

	for id, existing := range persisted {
		if _, ok := discoveredIDs[id]; ok {
			continue
		}
		orphan := *existing
		orphan.InSystem = false
		orphan.InMemory = true
		orphan.Descriptor.Status.Enabled = false
		merged[id] = &orphan
		result.OnlyMemory = append(result.OnlyMemory, id)
	}

	sort.Strings(result.InBoth)
	sort.Strings(result.OnlySystem)
	sort.Strings(result.OnlyMemory)

	c.entries = merged
	if err := c.persistLocked(); err != nil {
		return ReconciliationResult{}, fmt.Errorf("reconcile catalog: %w", err)
	}

	logs.Info("[capability:catalog] reconciled: in_both=%d only_system=%d only_memory=%d",
		len(result.InBoth), len(result.OnlySystem), len(result.OnlyMemory))
	return result, nil
}

func inferSource(d *Descriptor) Source {
	switch {
	case d.Substrate == SubstrateLLM && d.Kind == KindComposite:
		return SourceSkill
	default:
		return SourceBuiltin
	}
}

func (c *Catalog) loadPersistedLocked() (map[string]*Entry, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]*Entry{}, nil
	}
	var list []*Entry
	if err := sonic.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out := make(map[string]*Entry, len(list))
	for _, e := range list {
		out[e.Descriptor.CapabilityID] = e
	}
	return out, nil
}

func (c *Catalog) persistLocked() error {
	list := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Descriptor.CapabilityID < list[j].Descriptor.CapabilityID })

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := sonic.Marshal(list)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, c.path)
}

// Entries returns a stable-ordered snapshot of all catalog entries.
func (c *Catalog) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.CapabilityID < out[j].Descriptor.CapabilityID })
	return out
}

// SafeForClient returns entries with power_level=standard and enabled.
func (c *Catalog) SafeForClient() []*Entry {
	var out []*Entry
	for _, e := range c.Entries() {
		if e.PowerLevel() == PowerStandard && e.Descriptor.Status.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// MethodologicalOnly returns entries whose cognitive pattern isn't execution.
func (c *Catalog) MethodologicalOnly() []*Entry {
	var out []*Entry
	for _, e := range c.Entries() {
		if e.CognitivePattern() != PatternExecution {
			out = append(out, e)
		}
	}
	return out
}
