package principal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/consts"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("principal: not found")

// Registry is the persistent store of principals and credential bindings.
// It seeds SYSTEM, ANONYMOUS, and a local-admin principal on first load if
// the backing files are empty, per spec §4.2.
type Registry struct {
	mu sync.RWMutex

	principalsPath string
	bindingsPath   string

	principals map[string]*Principal // keyed by URN
	bindings   map[string]*Binding    // keyed by binding ID
}

// Open loads (or seeds) a registry backed by the default storage paths.
func Open() (*Registry, error) {
	return OpenAt(consts.PrincipalsFilePath(), consts.CredentialBindingsFilePath())
}

// OpenAt loads a registry backed by explicit file paths, primarily for tests.
func OpenAt(principalsPath, bindingsPath string) (*Registry, error) {
	r := &Registry{
		principalsPath: principalsPath,
		bindingsPath:   bindingsPath,
		principals:     map[string]*Principal{},
		bindings:       map[string]*Binding{},
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	if len(r.principals) == 0 {
		if err := r.seedLocked(); err != nil {
			return nil, err
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load() error {
	if err := loadJSONSlice(r.principalsPath, func(ps []*Principal) {
		for _, p := range ps {
			r.principals[p.URN] = p
		}
	}); err != nil {
		return fmt.Errorf("load principals: %w", err)
	}
	if err := loadJSONSlice(r.bindingsPath, func(bs []*Binding) {
		for _, b := range bs {
			r.bindings[b.ID] = b
		}
	}); err != nil {
		return fmt.Errorf("load credential bindings: %w", err)
	}
	return nil
}

func loadJSONSlice[T any](path string, assign func([]T)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var items []T
	if len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, &items); err != nil {
		return err
	}
	assign(items)
	return nil
}

// seedLocked creates SYSTEM, ANONYMOUS, and a local-admin principal plus the
// cli/local:* wildcard binding, per the ctor invariant in spec §4.2. Caller
// must hold r.mu.
func (r *Registry) seedLocked() error {
	system := &Principal{URN: SystemURN, Type: TypeSystem, Org: "system", Role: "system", Person: "system", Scopes: []string{"*"}}
	anon := &Principal{URN: AnonymousURN, Type: TypeAnonymous, Org: "system", Role: "anonymous", Person: "anonymous"}
	admin := NewPrincipal(TypeHuman, "local", "admin", "local-user", []string{"*"})

	r.principals[system.URN] = system
	r.principals[anon.URN] = anon
	r.principals[admin.URN] = admin

	adminBindingID := uuid.NewString()
	r.bindings[adminBindingID] = &Binding{
		ID:              adminBindingID,
		ChannelID:       "cli",
		ExternalSubject: "local:*",
		PrincipalURN:    admin.URN,
		Scopes:          []string{"*"},
		Type:            BindingAccount,
		CreatedAt:       time.Now(),
	}
	return nil
}

func (r *Registry) persistLocked() error {
	principalsList := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		principalsList = append(principalsList, p)
	}
	sort.Slice(principalsList, func(i, j int) bool { return principalsList[i].URN < principalsList[j].URN })

	bindingsList := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		bindingsList = append(bindingsList, b)
	}
	sort.Slice(bindingsList, func(i, j int) bool { return bindingsList[i].ID < bindingsList[j].ID })

	if err := writeJSONAtomic(r.principalsPath, principalsList); err != nil {
		return fmt.Errorf("persist principals: %w", err)
	}
	if err := writeJSONAtomic(r.bindingsPath, bindingsList); err != nil {
		return fmt.Errorf("persist credential bindings: %w", err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
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
	return os.Rename(tmpPath, path)
}

// RegisterPrincipal adds or replaces a principal and persists the registry.
func (r *Registry) RegisterPrincipal(p *Principal) error {
	if p == nil || strings.TrimSpace(p.URN) == "" {
		return fmt.Errorf("register principal: urn is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals[p.URN] = p
	return r.persistLocked()
}

// RegisterBinding adds a new credential binding, assigning it an ID if
// unset, and persists the registry.
func (r *Registry) RegisterBinding(b *Binding) (*Binding, error) {
	if b == nil {
		return nil, fmt.Errorf("register binding: binding is required")
	}
	if strings.TrimSpace(b.ChannelID) == "" || strings.TrimSpace(b.ExternalSubject) == "" {
		return nil, fmt.Errorf("register binding: channel_id and external_subject are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.principals[b.PrincipalURN]; !ok {
		return nil, fmt.Errorf("register binding: unknown principal urn %q", b.PrincipalURN)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	r.bindings[b.ID] = b
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// ResolveChannelIdentity resolves a channel-local identity to a principal
// per the specificity-then-recency rule of spec §4.2. A resolution that
// matches nothing returns the ANONYMOUS principal with empty scopes and no
// error (failure is not exceptional here).
func (r *Registry) ResolveChannelIdentity(channelID, channelIdentity string) (*Principal, *Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Binding
	for _, b := range r.bindings {
		if !b.matches(channelID, channelIdentity) {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		bestExact := !best.IsWildcard()
		candExact := !b.IsWildcard()
		switch {
		case candExact && !bestExact:
			best = b
		case candExact == bestExact && b.CreatedAt.After(best.CreatedAt):
			best = b
		}
	}

	if best == nil {
		anon := r.principals[AnonymousURN]
		if anon == nil {
			anon = &Principal{URN: AnonymousURN, Type: TypeAnonymous}
		}
		empty := *anon
		empty.Scopes = nil
		return &empty, nil, nil
	}

	p, ok := r.principals[best.PrincipalURN]
	if !ok {
		return nil, nil, fmt.Errorf("resolve channel identity: dangling binding %s -> unknown principal %s", best.ID, best.PrincipalURN)
	}
	return p, best, nil
}

// ListPrincipals returns a stable-ordered snapshot of all registered principals.
func (r *Registry) ListPrincipals() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN < out[j].URN })
	return out
}

// ListBindings returns a stable-ordered snapshot of all credential bindings.
func (r *Registry) ListBindings() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RevokeBinding deletes a binding by ID and persists the registry.
func (r *Registry) RevokeBinding(bindingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[bindingID]; !ok {
		return ErrNotFound
	}
	delete(r.bindings, bindingID)
	return r.persistLocked()
}
