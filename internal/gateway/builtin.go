package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	friday "github.com/p3394/exemplar-agent"

	"github.com/p3394/exemplar-agent/internal/agent/skill"
	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/invocation"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// registerBuiltinCapabilities registers the symbolic built-in commands every
// gateway exposes regardless of configured agents/skills: /help, /version,
// /about, /status, /listCommands, /listSkills, /listSubAgents,
// /listChannels (spec §4.4's symbolic substrate).
func (g *Gateway) registerBuiltinCapabilities() {
	type builtin struct {
		alias       string
		description string
		handler     invocation.SymbolicHandler
	}

	builtins := []builtin{
		{"help", "List every available command", g.cmdHelp},
		{"version", "Show the running gateway version", g.cmdVersion},
		{"about", "Describe this gateway", g.cmdAbout},
		{"status", "Report agent, session, and adapter counts", g.cmdStatus},
		{"listCommands", "List every registered command alias", g.cmdListCommands},
		{"listSkills", "List every loaded skill", g.cmdListSkills},
		{"listSubAgents", "List every configured agent", g.cmdListSubAgents},
		{"listChannels", "List every running channel adapter", g.cmdListChannels},
	}

	for i, b := range builtins {
		capID := "cap.symbolic." + b.alias
		desc := &capability.Descriptor{
			CapabilityID:    capID,
			Name:            b.alias,
			Version:         "1.0.0",
			Kind:            capability.KindAtomic,
			Substrate:       capability.SubstrateSymbolic,
			InvocationModes: []capability.InvocationMode{capability.InvocationCommand},
			CommandAliases:  []string{b.alias},
			ExposureScope:   capability.ExposureChannel,
			Audit:           capability.AuditFlags{LogInvocation: true},
			Status:          capability.Status{Enabled: true, Mutable: false},
		}
		if err := g.registry.Register(desc); err != nil {
			continue
		}
		g.engine.RegisterSymbolicHandler(capID, b.handler)
		g.skillTriggerOrder[capID] = i
	}
}

// registerAgentCapabilities registers one cap.llm.{agent_id} capability per
// configured agent, the LLM-substrate fallback a plain-text message with no
// matching command or skill trigger routes to.
func (g *Gateway) registerAgentCapabilities() {
	for i, id := range g.agentOrder {
		capID := llmCapabilityID(id)
		desc := &capability.Descriptor{
			CapabilityID:    capID,
			Name:            "llm:" + id,
			Version:         "1.0.0",
			Kind:            capability.KindAtomic,
			Substrate:       capability.SubstrateLLM,
			InvocationModes: []capability.InvocationMode{capability.InvocationMessage, capability.InvocationDirect},
			ExposureScope:   capability.ExposureChannel,
			Audit:           capability.AuditFlags{LogInvocation: true, LogInputs: true},
			Status:          capability.Status{Enabled: true, Mutable: true},
		}
		if err := g.registry.Register(desc); err != nil {
			continue
		}
		g.skillTriggerOrder[capID] = 1000 + i
	}
}

// registerSkillCapabilities registers one cap.skill.{name} capability per
// skill loaded into each configured agent, deriving MessageTriggers from the
// skill's frontmatter metadata (skill.Skill has no first-class Triggers
// field) with a name-based fallback.
func (g *Gateway) registerSkillCapabilities() {
	order := len(g.skillTriggerOrder)
	seen := map[string]bool{}

	for _, agentID := range g.agentOrder {
		ag, ok := g.agents[agentID]
		if !ok {
			continue
		}
		for _, sk := range ag.Skills().List() {
			capID := "cap.skill." + sk.Name
			if seen[capID] {
				continue
			}
			seen[capID] = true

			desc := &capability.Descriptor{
				CapabilityID:    capID,
				Name:            sk.Name,
				Version:         "1.0.0",
				Kind:            capability.KindComposite,
				Substrate:       capability.SubstrateLLM,
				InvocationModes: []capability.InvocationMode{capability.InvocationMessage},
				ExposureScope:   capability.ExposureChannel,
				MessageTriggers: skillTriggers(sk),
				Audit:           capability.AuditFlags{LogInvocation: true},
				Status:          capability.Status{Enabled: true, Mutable: true},
			}
			if err := g.registry.Register(desc); err != nil {
				continue
			}
			g.skillTriggerOrder[capID] = order
			order++
		}
	}
}

// skillTriggers derives a skill's message-trigger vocabulary from its
// SKILL.md frontmatter metadata["triggers"] (a YAML list decoded as
// []interface{}), falling back to the skill's own name.
func skillTriggers(sk *skill.Skill) []string {
	if raw, ok := sk.Metadata["triggers"]; ok {
		if list, ok := raw.([]interface{}); ok {
			out := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return []string{sk.Name}
}

func (g *Gateway) cmdHelp(_ context.Context, _ map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, desc := range g.registry.All() {
		for _, alias := range desc.CommandAliases {
			fmt.Fprintf(&b, "  /%s\n", alias)
		}
	}
	return textReply(inbound, b.String()), nil
}

func (g *Gateway) cmdVersion(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	return textReply(inbound, "P3394 Exemplar Agent v"+friday.VERSION), nil
}

func (g *Gateway) cmdAbout(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	return textReply(inbound, "P3394 core message gateway: a reference agent speaking the Universal Message Format."), nil
}

func (g *Gateway) cmdStatus(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	text := fmt.Sprintf("agents=%d adapters=%d capabilities=%d", len(g.agents), len(g.adapters), len(g.registry.All()))
	return textReply(inbound, text), nil
}

func (g *Gateway) cmdListCommands(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	var aliases []string
	for _, desc := range g.registry.All() {
		aliases = append(aliases, desc.CommandAliases...)
	}
	sort.Strings(aliases)
	return textReply(inbound, strings.Join(aliases, ", ")), nil
}

func (g *Gateway) cmdListSkills(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	var names []string
	for _, desc := range g.registry.All() {
		if strings.HasPrefix(desc.CapabilityID, skillCapabilityPrefix) {
			names = append(names, desc.Name)
		}
	}
	sort.Strings(names)
	return textReply(inbound, strings.Join(names, ", ")), nil
}

func (g *Gateway) cmdListSubAgents(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	return textReply(inbound, strings.Join(g.agentOrder, ", ")), nil
}

func (g *Gateway) cmdListChannels(_ context.Context, _ map[string]any, _ *session.Session, inbound *umf.Message) (*umf.Message, error) {
	var ids []string
	for id := range g.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return textReply(inbound, strings.Join(ids, ", ")), nil
}

func textReply(inbound *umf.Message, text string) *umf.Message {
	reply := umf.NewReply(inbound, newMessageID)
	reply.Content = []umf.ContentBlock{{Type: umf.ContentText, Text: text}}
	return reply
}
