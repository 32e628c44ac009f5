package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
)

// ErrDuplicateID is returned by Register when capability_id already exists.
var ErrDuplicateID = fmt.Errorf("capability: DUPLICATE_ID")

// ErrMutableViolation is returned by Update/unregister on an immutable descriptor.
var ErrMutableViolation = fmt.Errorf("capability: MUTABLE_VIOLATION")

// ErrNotFound is returned by Get/Update/Unregister when capability_id is unknown.
var ErrNotFound = fmt.Errorf("capability: CAP_NOT_FOUND")

// ErrHookCycle is returned by Register when a descriptor's pre_invoke,
// post_invoke, or on_error hooks would form a cycle back to itself.
var ErrHookCycle = fmt.Errorf("capability: HOOK_CYCLE")

// maxHookDepth bounds the hook-graph walk so a malformed chain fails fast
// with ErrHookCycle instead of recursing arbitrarily deep.
const maxHookDepth = 32

// Registry is the in-process capability store with id/kind/substrate/
// command-alias/message-trigger indices (spec §4.4).
type Registry struct {
	mu sync.RWMutex

	byID        map[string]*Descriptor
	byKind      map[Kind]map[string]struct{}
	bySubstrate map[Substrate]map[string]struct{}
	byAlias     map[string]string // normalized alias -> capability_id
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        map[string]*Descriptor{},
		byKind:      map[Kind]map[string]struct{}{},
		bySubstrate: map[Substrate]map[string]struct{}{},
		byAlias:     map[string]string{},
	}
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// Register adds a new descriptor. Fails with ErrDuplicateID if the
// capability_id is already registered, or if any command alias collides
// with an alias already owned by a different capability.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || strings.TrimSpace(d.CapabilityID) == "" {
		return fmt.Errorf("register capability: capability_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.CapabilityID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.CapabilityID)
	}
	for _, alias := range d.CommandAliases {
		norm := normalizeAlias(alias)
		if owner, ok := r.byAlias[norm]; ok && owner != d.CapabilityID {
			return fmt.Errorf("%w: command alias %q already registered to %s", ErrDuplicateID, alias, owner)
		}
	}

	if err := r.checkHookCycleLocked(d); err != nil {
		return err
	}

	r.byID[d.CapabilityID] = d
	r.indexLocked(d)
	logs.Info("[capability:registry] registered capability: %s (kind=%s substrate=%s)", d.CapabilityID, d.Kind, d.Substrate)
	return nil
}

// checkHookCycleLocked walks the hook graph starting from d's own hooks,
// looking up every referenced capability_id's hooks in turn (treating d
// itself as already present, since it isn't in r.byID yet), and fails if
// the walk ever revisits d.CapabilityID or exceeds maxHookDepth.
func (r *Registry) checkHookCycleLocked(d *Descriptor) error {
	hooksOf := func(id string) []string {
		if id == d.CapabilityID {
			return allHooks(d)
		}
		if other, ok := r.byID[id]; ok {
			return allHooks(other)
		}
		return nil
	}

	visited := map[string]struct{}{d.CapabilityID: {}}
	var walk func(ids []string, depth int) error
	walk = func(ids []string, depth int) error {
		if depth > maxHookDepth {
			return fmt.Errorf("%w: hook chain exceeds max depth starting at %s", ErrHookCycle, d.CapabilityID)
		}
		for _, id := range ids {
			if id == d.CapabilityID {
				return fmt.Errorf("%w: %s", ErrHookCycle, d.CapabilityID)
			}
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			if err := walk(hooksOf(id), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(allHooks(d), 0)
}

func allHooks(d *Descriptor) []string {
	out := make([]string, 0, len(d.Hooks.PreInvoke)+len(d.Hooks.PostInvoke)+len(d.Hooks.OnError))
	out = append(out, d.Hooks.PreInvoke...)
	out = append(out, d.Hooks.PostInvoke...)
	out = append(out, d.Hooks.OnError...)
	return out
}

func (r *Registry) indexLocked(d *Descriptor) {
	if _, ok := r.byKind[d.Kind]; !ok {
		r.byKind[d.Kind] = map[string]struct{}{}
	}
	r.byKind[d.Kind][d.CapabilityID] = struct{}{}

	if _, ok := r.bySubstrate[d.Substrate]; !ok {
		r.bySubstrate[d.Substrate] = map[string]struct{}{}
	}
	r.bySubstrate[d.Substrate][d.CapabilityID] = struct{}{}

	for _, alias := range d.CommandAliases {
		r.byAlias[normalizeAlias(alias)] = d.CapabilityID
	}
}

func (r *Registry) deindexLocked(d *Descriptor) {
	delete(r.byKind[d.Kind], d.CapabilityID)
	delete(r.bySubstrate[d.Substrate], d.CapabilityID)
	for _, alias := range d.CommandAliases {
		if r.byAlias[normalizeAlias(alias)] == d.CapabilityID {
			delete(r.byAlias, normalizeAlias(alias))
		}
	}
}

// Unregister removes a descriptor. Fails with ErrMutableViolation if the
// descriptor is marked not mutable.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !d.Status.Mutable {
		return fmt.Errorf("%w: %s is not mutable", ErrMutableViolation, id)
	}

	r.deindexLocked(d)
	delete(r.byID, id)
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// GetByAlias resolves a normalized command alias to its descriptor.
func (r *Registry) GetByAlias(alias string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAlias[normalizeAlias(alias)]
	if !ok {
		return nil, fmt.Errorf("%w: alias %s", ErrNotFound, alias)
	}
	return r.byID[id], nil
}

// Update applies a partial mutation function to an existing descriptor.
// Fails with ErrMutableViolation if the descriptor is marked not mutable.
func (r *Registry) Update(id string, mutate func(*Descriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !d.Status.Mutable {
		return fmt.Errorf("%w: %s is not mutable", ErrMutableViolation, id)
	}

	r.deindexLocked(d)
	updated := *d
	mutate(&updated)
	r.byID[id] = &updated
	r.indexLocked(&updated)
	return nil
}

// Filter selects descriptors matching any combination of the given fields;
// zero-value fields are treated as "don't care" except BoolFilters which
// are only applied when their matching Has* flag is true.
type Filter struct {
	Kind               Kind
	Substrate          Substrate
	ExposureScope      ExposureScope
	InvocationMode     InvocationMode
	CommandAlias       string
	MessageTriggerText string // matched as substring against each descriptor's message triggers

	HasEnabled bool
	Enabled    bool

	SafeForClient    bool // power_level = standard and enabled
	MethodologicalOnly bool // cognitive_pattern != execution
}

// Query returns every descriptor matching filter, sorted by capability_id.
func (r *Registry) Query(filter Filter) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		if !matches(d, filter) {
			continue
		}
		out = append(out, d)
	}
	sortDescriptorsByID(out)
	return out
}

func matches(d *Descriptor, f Filter) bool {
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Substrate != "" && d.Substrate != f.Substrate {
		return false
	}
	if f.ExposureScope != "" && d.ExposureScope != f.ExposureScope {
		return false
	}
	if f.InvocationMode != "" && !containsMode(d.InvocationModes, f.InvocationMode) {
		return false
	}
	if f.CommandAlias != "" {
		norm := normalizeAlias(f.CommandAlias)
		found := false
		for _, alias := range d.CommandAliases {
			if normalizeAlias(alias) == norm {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MessageTriggerText != "" {
		found := false
		lowered := strings.ToLower(f.MessageTriggerText)
		for _, trig := range d.MessageTriggers {
			if strings.Contains(lowered, strings.ToLower(trig)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.HasEnabled && d.Status.Enabled != f.Enabled {
		return false
	}
	if f.SafeForClient && !(d.ResolvePowerLevel() == PowerStandard && d.Status.Enabled) {
		return false
	}
	if f.MethodologicalOnly && d.ResolveCognitivePattern() == PatternExecution {
		return false
	}
	return true
}

func containsMode(modes []InvocationMode, target InvocationMode) bool {
	for _, m := range modes {
		if m == target {
			return true
		}
	}
	return false
}

func sortDescriptorsByID(descs []*Descriptor) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].CapabilityID < descs[j].CapabilityID })
}

// All returns every descriptor, sorted by capability_id.
func (r *Registry) All() []*Descriptor {
	return r.Query(Filter{})
}
