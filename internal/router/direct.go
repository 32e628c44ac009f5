package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// Handler answers a UMF request in-process, for agents that live in the
// same Go process as the router (the common case: the local gateway's
// own agents).
type Handler func(ctx context.Context, msg *umf.Message) (*umf.Message, error)

// DirectTransport dispatches to in-process handlers registered by agentID.
// It never reports unhealthy for a registered agent: there's no network
// hop to fail.
type DirectTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDirectTransport returns an empty DirectTransport.
func NewDirectTransport() *DirectTransport {
	return &DirectTransport{handlers: map[string]Handler{}}
}

func (t *DirectTransport) Kind() TransportKind { return TransportDirect }

// RegisterHandler binds agentID to an in-process Handler function.
func (t *DirectTransport) RegisterHandler(agentID string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[agentID] = h
}

func (t *DirectTransport) Healthy(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[agentID]
	return ok
}

func (t *DirectTransport) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	t.mu.RLock()
	h, ok := t.handlers[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("direct transport: no handler registered for agent %s", agentID)
	}
	return h(ctx, msg)
}

func (t *DirectTransport) Close(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, agentID)
	return nil
}
