// Package agentx lets an agent delegate a task to another registered
// agent over the gateway's outbound router (internal/router), rather
// than shelling out to an external CLI coding agent.
package agentx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/gg/gconv"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/router"
	"github.com/p3394/exemplar-agent/internal/umf"
)

const delegateTimeout = 300 * time.Second

// AgentTool delegates a prompt to a sibling agent through the router and
// returns its reply.
type AgentTool struct {
	router *router.Router
	peers  []string
}

// NewAgentTool returns a delegation tool that can reach any agent ID in
// peers through rt.
func NewAgentTool(rt *router.Router, peers []string) *AgentTool {
	return &AgentTool{router: rt, peers: peers}
}

func (t *AgentTool) Name() string { return "delegate" }

func (t *AgentTool) Description() string {
	return "Delegate a task to another registered agent. Use \"list\" to see available agents, \"send\" to hand off a prompt and wait for its reply."
}

func (t *AgentTool) ToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"action": {
				Type:     schema.String,
				Desc:     `Action: "list" (available agents) or "send" (delegate a prompt)`,
				Required: true,
				Enum:     []string{"list", "send"},
			},
			"agent_id": {
				Type: schema.String,
				Desc: `Target agent ID. Required for "send".`,
			},
			"prompt": {
				Type: schema.String,
				Desc: `The task/prompt to hand off. Required for "send".`,
			},
		}),
	}
}

func (t *AgentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := strings.ToLower(strings.TrimSpace(gconv.To[string](args["action"])))
	switch action {
	case "list":
		return map[string]interface{}{"agents": t.peers, "count": len(t.peers)}, nil
	case "send":
		return t.send(ctx, args)
	default:
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
}

func (t *AgentTool) send(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	agentID := strings.TrimSpace(gconv.To[string](args["agent_id"]))
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required for send action")
	}
	prompt := gconv.To[string](args["prompt"])
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required for send action")
	}
	if !t.isPeer(agentID) {
		return nil, fmt.Errorf("agent %q is not reachable for delegation (available: %s)", agentID, strings.Join(t.peers, ", "))
	}

	req := &umf.Message{
		ID:          uuid.NewString(),
		Type:        umf.TypeRequest,
		Timestamp:   time.Now(),
		Destination: &umf.Address{AgentID: agentID},
		Content:     []umf.ContentBlock{{Type: umf.ContentText, Text: prompt}},
	}

	sendCtx, cancel := context.WithTimeout(ctx, delegateTimeout)
	defer cancel()

	logs.CtxInfo(ctx, "[tool:delegate] sending to agent %s", agentID)
	reply, err := t.router.Send(sendCtx, agentID, req)
	if err != nil {
		return nil, fmt.Errorf("delegate to %s: %w", agentID, err)
	}

	text, _ := reply.FirstText()
	return map[string]interface{}{
		"agent_id": agentID,
		"result":   text,
	}, nil
}

func (t *AgentTool) isPeer(agentID string) bool {
	for _, p := range t.peers {
		if p == agentID {
			return true
		}
	}
	return false
}
