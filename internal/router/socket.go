package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// SocketTransport delivers UMF messages over a unix domain socket using
// the same newline-delimited JSON wire shape as the terminal channel
// adapter: one encoded envelope per line, request then reply.
type SocketTransport struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewSocketTransport returns an empty SocketTransport.
func NewSocketTransport() *SocketTransport {
	return &SocketTransport{paths: map[string]string{}}
}

func (t *SocketTransport) Kind() TransportKind { return TransportSocket }

// RegisterSocket declares the unix socket path agentID listens on.
func (t *SocketTransport) RegisterSocket(agentID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[agentID] = path
}

func (t *SocketTransport) Healthy(agentID string) bool {
	t.mu.RLock()
	path, ok := t.paths[agentID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (t *SocketTransport) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	t.mu.RLock()
	path, ok := t.paths[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("socket transport: no socket registered for agent %s", agentID)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("socket transport: dial %s: %w", path, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	payload, err := umf.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("socket transport: encode: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("socket transport: write: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("socket transport: read reply: %w", err)
	}

	reply, err := umf.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("socket transport: decode reply: %w", err)
	}
	return reply, nil
}

func (t *SocketTransport) Close(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, agentID)
	return nil
}
