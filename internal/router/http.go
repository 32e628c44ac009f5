package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// HTTPEndpoint is one remote agent's HTTP base URL, reachable via its
// native UMF channel adapter's POST /messages route.
type HTTPEndpoint struct {
	BaseURL string
	APIKey  string
}

// HTTPTransport delivers UMF messages by POSTing the wire-encoded
// envelope to a remote agent's HTTP channel adapter.
type HTTPTransport struct {
	mu        sync.RWMutex
	endpoints map[string]HTTPEndpoint
	health    map[string]bool
	client    *http.Client
}

// NewHTTPTransport returns an HTTPTransport with a bounded-timeout client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		endpoints: map[string]HTTPEndpoint{},
		health:    map[string]bool{},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Kind() TransportKind { return TransportHTTP }

// RegisterEndpoint declares agentID's HTTP channel endpoint.
func (t *HTTPTransport) RegisterEndpoint(agentID string, ep HTTPEndpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[agentID] = ep
	t.health[agentID] = true
}

func (t *HTTPTransport) Healthy(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, has := t.endpoints[agentID]
	return has && t.health[agentID]
}

func (t *HTTPTransport) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	t.mu.RLock()
	ep, ok := t.endpoints[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("http transport: no endpoint registered for agent %s", agentID)
	}

	payload, err := umf.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("http transport: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("http transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.markUnhealthy(agentID)
		return nil, fmt.Errorf("http transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("http transport: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		t.markUnhealthy(agentID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http transport: remote returned status %d", resp.StatusCode)
	}

	reply, err := umf.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("http transport: decode response: %w", err)
	}
	return reply, nil
}

func (t *HTTPTransport) markUnhealthy(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health[agentID] = false
}

func (t *HTTPTransport) Close(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, agentID)
	delete(t.health, agentID)
	return nil
}
