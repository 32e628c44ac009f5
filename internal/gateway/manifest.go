package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/channel/httpapi"
	"github.com/p3394/exemplar-agent/internal/channel/stdiorpc"
	"github.com/p3394/exemplar-agent/internal/invocation"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// buildCommandDescriptors projects the capability catalog's command-
// invocable descriptors into the shape httpapi's generated GET routes and
// /manifest listing need.
func (g *Gateway) buildCommandDescriptors() []httpapi.CommandDescriptor {
	var out []httpapi.CommandDescriptor
	for _, desc := range g.registry.All() {
		for _, alias := range desc.CommandAliases {
			out = append(out, httpapi.CommandDescriptor{Alias: alias, Description: desc.Name})
		}
	}
	return out
}

// buildToolDescriptors projects every enabled capability into
// an MCP tool the stdiorpc adapter exposes, each invoking the capability
// through the same invocation engine the rest of the gateway uses.
func (g *Gateway) buildToolDescriptors() []stdiorpc.ToolDescriptor {
	var out []stdiorpc.ToolDescriptor
	for _, desc := range g.registry.All() {
		if !desc.Status.Enabled {
			continue
		}
		capID := desc.CapabilityID
		out = append(out, stdiorpc.ToolDescriptor{
			Name:        desc.Name,
			Description: fmt.Sprintf("Invoke capability %s", capID),
			Invoke:      g.toolInvoker(capID),
		})
	}
	return out
}

// toolInvoker runs capID through the invocation engine, for MCP tool calls
// that arrive outside any channel session. Calls share the first agent's
// session keyed "mcp:<capID>" (a bare session when no agent is configured);
// no principal is bound to it.
func (g *Gateway) toolInvoker(capID string) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		sess := &session.Session{}
		if len(g.agentOrder) > 0 {
			sess = g.sessionManagerFor(g.agentOrder[0]).GetOrCreate("mcp:" + capID)
		}
		text, _ := args["text"].(string)
		inbound := &umf.Message{
			ID:      uuid.NewString(),
			Type:    umf.TypeRequest,
			Content: []umf.ContentBlock{{Type: umf.ContentText, Text: text}},
		}
		req := invocation.Request{CapabilityID: capID, Args: args, Session: sess, Inbound: inbound}
		reply, err := g.engine.Invoke(ctx, req)
		if err != nil {
			return "", err
		}
		text, _ = reply.FirstText()
		return text, nil
	}
}
