package router

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// StdioSpec declares how to launch an agent's stdio-RPC subprocess.
type StdioSpec struct {
	Program string
	Args    []string
}

type stdioProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// StdioTransport delivers UMF messages to a subagent exposed as a long-
// lived child process speaking newline-delimited JSON UMF envelopes over
// stdin/stdout, the same shape as the MCP-compatible stdio-RPC channel
// adapter exposes inbound.
type StdioTransport struct {
	mu    sync.Mutex
	specs map[string]StdioSpec
	procs map[string]*stdioProc
}

// NewStdioTransport returns an empty StdioTransport.
func NewStdioTransport() *StdioTransport {
	return &StdioTransport{specs: map[string]StdioSpec{}, procs: map[string]*stdioProc{}}
}

func (t *StdioTransport) Kind() TransportKind { return TransportStdio }

// RegisterSpec declares how to launch agentID's stdio subprocess.
func (t *StdioTransport) RegisterSpec(agentID string, spec StdioSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.specs[agentID] = spec
}

func (t *StdioTransport) Healthy(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.specs[agentID]
	return ok
}

func (t *StdioTransport) ensureProc(agentID string) (*stdioProc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.procs[agentID]; ok && p.cmd.ProcessState == nil {
		return p, nil
	}

	spec, ok := t.specs[agentID]
	if !ok {
		return nil, fmt.Errorf("stdio transport: no spec registered for agent %s", agentID)
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: start %s: %w", spec.Program, err)
	}

	p := &stdioProc{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}
	t.procs[agentID] = p
	return p, nil
}

func (t *StdioTransport) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	p, err := t.ensureProc(agentID)
	if err != nil {
		return nil, err
	}

	payload, err := umf.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("stdio transport: encode: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.stdin.Write(append(payload, '\n')); err != nil {
		t.kill(agentID)
		return nil, fmt.Errorf("stdio transport: write: %w", err)
	}

	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		t.kill(agentID)
		return nil, fmt.Errorf("stdio transport: read reply: %w", err)
	}

	reply, err := umf.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("stdio transport: decode reply: %w", err)
	}
	return reply, nil
}

func (t *StdioTransport) kill(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[agentID]; ok {
		if err := p.cmd.Process.Kill(); err != nil {
			logs.Warn("[router:stdio] kill failed for agent %s: %v", agentID, err)
		}
		delete(t.procs, agentID)
	}
}

func (t *StdioTransport) Close(agentID string) error {
	t.kill(agentID)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.specs, agentID)
	return nil
}
