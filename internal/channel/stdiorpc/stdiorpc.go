// Package stdiorpc implements the MCP-compatible stdio channel adapter
// (Start always serves over stdio; an SSE listener is not implemented):
// every catalog capability is exposed as a named MCP tool, plus a
// built-in send_message tool for free-text turns, using the official
// modelcontextprotocol/go-sdk server (spec §4.10). No example in the
// retrieval pack imports this SDK; the wiring here follows its own
// published API rather than an in-pack usage site.
package stdiorpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

var _ channel.Adapter = (*Adapter)(nil)

var toolCapabilities = channel.ChannelCapabilities{
	SupportedContentTypes: []umf.ContentType{umf.ContentText, umf.ContentJSON},
	MaxMessageBytes:       1024 * 1024,
	SupportsStreaming:     false,
	SupportsRichCommands:  false,
}

// ToolDescriptor is one capability exposed as an MCP tool, supplied by the
// gateway from the capability catalog.
type ToolDescriptor struct {
	Name        string
	Description string
	// Invoke runs the underlying capability and returns its reply text.
	Invoke func(ctx context.Context, args map[string]any) (string, error)
}

// Config configures the stdiorpc adapter.
type Config struct {
	Transport string // reported in logs and endpoints only; the server always runs over stdio
	Bind      string // not read by this adapter
	Tools     []ToolDescriptor
}

// Adapter runs an MCP server exposing Config.Tools plus a send_message
// tool that forwards free text into the gateway's normal message path.
type Adapter struct {
	channel.BaseAdapter

	cfg     Config
	handler channel.InboundHandler
	server  *mcp.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns a stdiorpc Adapter.
func New(id string, cfg Config) *Adapter {
	a := &Adapter{cfg: cfg}
	a.AdapterID = id
	a.Caps = toolCapabilities
	return a
}

func (a *Adapter) AuthenticateClient(_ context.Context, _ any) (channel.ClientIdentity, error) {
	return channel.ClientIdentity{ChannelIdentity: "mcp:local", Assurance: "HIGH"}, nil
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	a.handler = handler

	impl := &mcp.Implementation{Name: a.AdapterID, Version: "1.0.0"}
	srv := mcp.NewServer(impl, nil)

	for _, t := range a.cfg.Tools {
		t := t
		mcp.AddTool(srv, &mcp.Tool{Name: t.Name, Description: t.Description},
			func(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
				out, err := t.Invoke(ctx, input)
				if err != nil {
					return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}}}, nil, nil
				}
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: out}}}, nil, nil
			})
	}

	mcp.AddTool(srv, &mcp.Tool{Name: "send_message", Description: "Send a free-text message into the agent gateway."},
		func(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
			text, _ := input["text"].(string)
			id, _ := input["id"].(string)
			if id == "" {
				id = uuid.NewString()
			}
			msg := &umf.Message{
				ID:      id,
				Type:    umf.TypeRequest,
				Content: []umf.ContentBlock{{Type: umf.ContentText, Text: text}},
			}
			reply, err := a.handler(ctx, msg)
			if err != nil {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}}}, nil, nil
			}
			replyText, _ := reply.FirstText()
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: replyText}}}, nil, nil
		})

	a.server = srv

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		var transport mcp.Transport = &mcp.StdioTransport{}
		if err := srv.Run(runCtx, transport); err != nil {
			logs.CtxWarn(runCtx, "[channel:stdiorpc] server exited: %v", err)
		}
	}()

	logs.CtxInfo(ctx, "[channel:stdiorpc] serving %d tool(s) over %s", len(a.cfg.Tools)+1, a.cfg.Transport)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) SendToClient(_ context.Context, _ string, _ *umf.Message) error {
	return channel.ErrUnsupportedOperation
}

func (a *Adapter) GetEndpoints() []channel.Endpoint {
	return []channel.Endpoint{{Path: a.cfg.Transport, Description: fmt.Sprintf("MCP tool server (%s)", a.cfg.Transport)}}
}
