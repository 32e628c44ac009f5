// Package router implements the outbound router: delivery of a UMF
// message to a subagent over whichever transport the agent's manifest
// prefers, with health-based fallback across the remaining transports
// (spec §4.8).
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// TransportKind names one of the four outbound transports.
type TransportKind string

const (
	TransportDirect TransportKind = "direct"
	TransportStdio  TransportKind = "stdio"
	TransportHTTP   TransportKind = "http"
	TransportSocket TransportKind = "socket"
)

// Transport delivers a UMF request to one agent and returns its reply.
type Transport interface {
	Kind() TransportKind
	// Healthy reports whether this transport currently believes it can
	// reach agentID (e.g. a live stdio process, a socket that accepts
	// connections, an HTTP endpoint that answered its last health probe).
	Healthy(agentID string) bool
	Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error)
	Close(agentID string) error
}

// ErrNoTransport is returned when every transport in an agent's
// preference order is unhealthy or unconfigured.
var ErrNoTransport = fmt.Errorf("router: NO_TRANSPORT")

// AgentManifest declares how to reach one subagent: its ordered transport
// preference. Connection parameters are registered on each transport.
type AgentManifest struct {
	AgentID    string
	Preference []TransportKind
}

// Router dispatches UMF messages to subagents. Concurrent sends of the
// same message (same agent and message ID) are coalesced via singleflight
// into one in-flight send; sends of different messages to one agent run
// concurrently, with no per-agent limit on in-flight requests.
type Router struct {
	mu         sync.RWMutex
	transports map[TransportKind]Transport
	manifests  map[string]AgentManifest
	group      singleflight.Group
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		transports: map[TransportKind]Transport{},
		manifests:  map[string]AgentManifest{},
	}
}

// RegisterTransport makes a Transport implementation available for dispatch.
func (r *Router) RegisterTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Kind()] = t
}

// RegisterManifest declares (or replaces) an agent's transport preference.
func (r *Router) RegisterManifest(m AgentManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.AgentID] = m
}

func (r *Router) preferenceFor(agentID string) []TransportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.manifests[agentID]; ok && len(m.Preference) > 0 {
		return m.Preference
	}
	return []TransportKind{TransportDirect, TransportStdio, TransportHTTP, TransportSocket}
}

// Send delivers msg to agentID over the first healthy transport in its
// preference order, falling back through the rest. It returns
// ErrNoTransport if none are healthy.
func (r *Router) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	key := agentID + ":" + msg.ID
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.sendOnce(ctx, agentID, msg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*umf.Message), nil
}

func (r *Router) sendOnce(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	pref := r.preferenceFor(agentID)

	r.mu.RLock()
	candidates := make([]Transport, 0, len(pref))
	for _, kind := range pref {
		if t, ok := r.transports[kind]; ok {
			candidates = append(candidates, t)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Healthy(agentID) && !candidates[j].Healthy(agentID)
	})

	var lastErr error
	for _, t := range candidates {
		if !t.Healthy(agentID) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		reply, err := t.Send(sendCtx, agentID, msg)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		logs.CtxWarn(ctx, "[router] transport %s failed for agent %s: %v", t.Kind(), agentID, err)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: all transports failed, last error: %v", ErrNoTransport, lastErr)
	}
	return nil, ErrNoTransport
}

// Close tears down any live connection this router holds for agentID
// across every registered transport.
func (r *Router) Close(agentID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, t := range r.transports {
		if err := t.Close(agentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
