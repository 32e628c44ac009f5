package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/invocation"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// skillCapabilityPrefix is the capability_id prefix classify.go's
// cognitive-pattern rules use to recognize skills (PatternProcedural).
const skillCapabilityPrefix = "cap.skill."

// llmCapabilityID is the per-agent default LLM capability a plain-text
// message without a matching command or skill trigger falls through to.
func llmCapabilityID(agentID string) string { return "cap.llm." + agentID }

func newMessageID() string { return uuid.NewString() }

// handlerFor returns the channel.InboundHandler bound to channelID, closing
// over the gateway so every adapter funnels through the same
// authenticate -> authorize -> session-bind -> route -> dispatch pipeline.
func (g *Gateway) handlerFor(channelID string) channel.InboundHandler {
	return func(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
		return g.handle(ctx, channelID, msg)
	}
}

// handle is the gateway core's single entry point for inbound traffic,
// regardless of which channel adapter produced msg (spec §4.12).
func (g *Gateway) handle(ctx context.Context, channelID string, msg *umf.Message) (*umf.Message, error) {
	channelIdentity := msg.Metadata["client_identity"]
	assuranceRaw := msg.Metadata["assurance"]

	princ, binding, err := g.principals.ResolveChannelIdentity(channelID, channelIdentity)
	if err != nil {
		logs.CtxError(ctx, "[gateway] resolve channel identity failed: %v", err)
		return umf.NewError(msg, newMessageID, "PRINCIPAL_RESOLUTION_FAILED", err.Error()), nil
	}
	assurance := principal.ParseAssurance(assuranceRaw)

	agentID := g.defaultAgent
	if dest := msg.Destination; dest != nil && dest.AgentID != "" {
		if _, ok := g.agents[dest.AgentID]; ok {
			agentID = dest.AgentID
		}
	}
	if agentID == "" {
		return umf.NewError(msg, newMessageID, "NO_AGENT_CONFIGURED", "gateway has no agents configured"), nil
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		msg.SessionID = sessionID
	}
	mgr := g.sessionManagerFor(agentID)
	sess := mgr.GetOrCreate(sessionID)
	if sess.ChannelID == "" {
		sess.ChannelID = channelID
	}
	sess.AgentID = agentID
	sess.SetPrincipal(princ, assurance)
	sess.SetClientID(channelIdentity)
	if binding != nil {
		sess.SetGrantedPermissions(binding.Scopes)
	} else if princ != nil {
		sess.SetGrantedPermissions(princ.Scopes)
	}
	sess.IncrMsgCount()
	sess.Append(msg)

	capID, args, ok := g.resolveCapability(msg)
	if !ok {
		return g.replyUnrecognized(msg), nil
	}

	req := invocation.Request{CapabilityID: capID, Args: args, Session: sess, Inbound: msg}
	reply, err := g.engine.Invoke(ctx, req)
	if err != nil {
		logs.CtxWarn(ctx, "[gateway] invoke %s failed: %v", capID, err)
		return g.errorReplyFor(msg, err), nil
	}

	sess.Append(reply)
	_ = mgr.Save(sess)
	return reply, nil
}

// resolveCapability decides which registered capability answers msg: an
// explicit slash command, a skill whose message trigger matches, or the
// owning agent's default LLM capability as a fallback.
func (g *Gateway) resolveCapability(msg *umf.Message) (capID string, args map[string]any, ok bool) {
	text, _ := msg.FirstText()

	if alias, cmdArgs, isCmd := parseSlashCommand(text); isCmd {
		if desc, err := g.registry.GetByAlias(alias); err == nil {
			return desc.CapabilityID, cmdArgs, true
		}
		return "", nil, false
	}

	if capID, found := g.matchSkillTrigger(text); found {
		return capID, map[string]any{}, true
	}

	if agentID := g.agentForMessage(msg); agentID != "" {
		if desc, err := g.registry.Get(llmCapabilityID(agentID)); err == nil {
			return desc.CapabilityID, map[string]any{}, true
		}
	}

	return "", nil, false
}

func (g *Gateway) agentForMessage(msg *umf.Message) string {
	if dest := msg.Destination; dest != nil && dest.AgentID != "" {
		if _, ok := g.agents[dest.AgentID]; ok {
			return dest.AgentID
		}
	}
	return g.defaultAgent
}

// parseSlashCommand reimplements BaseAdapter's unexported slash-command
// parsing: a leading run of "/" marks raw as a command, whose first
// whitespace-separated field is the alias and the rest become args["argv"].
func parseSlashCommand(raw string) (alias string, args map[string]any, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	trimmed = strings.TrimLeft(trimmed, "/")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), map[string]any{"argv": fields[1:]}, true
}

// matchSkillTrigger finds the SKILL capability whose MessageTriggers best
// matches text: longest trigger string wins, ties broken by registration
// order (earlier registered wins), matching the longest-match-then-
// insertion-order rule recorded for skill dispatch.
func (g *Gateway) matchSkillTrigger(text string) (string, bool) {
	lower := strings.ToLower(text)

	type candidate struct {
		capID      string
		triggerLen int
		regOrder   int
	}
	var best *candidate

	for _, desc := range g.registry.All() {
		if !strings.HasPrefix(desc.CapabilityID, skillCapabilityPrefix) || !desc.Status.Enabled {
			continue
		}
		for _, trig := range desc.MessageTriggers {
			t := strings.ToLower(strings.TrimSpace(trig))
			if t == "" || !strings.Contains(lower, t) {
				continue
			}
			order := g.skillTriggerOrder[desc.CapabilityID]
			c := candidate{capID: desc.CapabilityID, triggerLen: len(t), regOrder: order}
			if best == nil || c.triggerLen > best.triggerLen || (c.triggerLen == best.triggerLen && c.regOrder < best.regOrder) {
				best = &c
			}
		}
	}
	if best == nil {
		return "", false
	}
	return best.capID, true
}

func (g *Gateway) replyUnrecognized(msg *umf.Message) *umf.Message {
	return umf.NewError(msg, newMessageID, "CAPABILITY_NOT_FOUND", "no command, skill, or agent matched this message")
}

func (g *Gateway) errorReplyFor(msg *umf.Message, err error) *umf.Message {
	code := "INTERNAL"
	switch {
	case isInvocationErr(err, invocation.ErrCapNotFound):
		code = "CAPABILITY_NOT_FOUND"
	case isInvocationErr(err, invocation.ErrCapDenied):
		code = "ACCESS_DENIED"
	case isInvocationErr(err, invocation.ErrCapExecutionErr):
		code = "EXECUTION_ERROR"
	case isInvocationErr(err, invocation.ErrTimeout):
		code = "TIMEOUT"
	}
	return umf.NewError(msg, newMessageID, code, err.Error())
}

func isInvocationErr(err error, code invocation.ErrorCode) bool {
	ierr, ok := err.(*invocation.Error)
	return ok && ierr.Code == code
}

// directAgentHandler adapts an in-process agent into a router.DirectTransport
// handler so invocation's "agent" substrate and the router's direct
// transport can reach it without a network hop.
func (g *Gateway) directAgentHandler(agentID string) func(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	return func(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
		mgr := g.sessionManagerFor(agentID)
		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		sess := mgr.GetOrCreate(sessionID)
		if sess.ChannelID == "" {
			sess.ChannelID = agentID
		}
		req := invocation.Request{CapabilityID: llmCapabilityID(agentID), Args: map[string]any{}, Session: sess, Inbound: msg}
		return g.engine.Invoke(ctx, req)
	}
}
