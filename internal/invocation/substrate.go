package invocation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/consts"
	"github.com/p3394/exemplar-agent/internal/security/sandbox"
	"github.com/p3394/exemplar-agent/internal/umf"
)

func (e *Engine) dispatch(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	switch desc.Substrate {
	case capability.SubstrateSymbolic:
		return e.dispatchSymbolic(ctx, desc, req)
	case capability.SubstrateLLM:
		return e.dispatchLLM(ctx, desc, req)
	case capability.SubstrateShell:
		return e.dispatchShell(ctx, desc, req)
	case capability.SubstrateAgent:
		return e.dispatchAgent(ctx, desc, req)
	case capability.SubstrateExternalService:
		return e.dispatchExternalService(ctx, desc, req)
	case capability.SubstrateTransport:
		return nil, newErr(ErrCapExecutionErr, "transport capabilities are not directly invocable; route via the outbound router", nil)
	default:
		return nil, newErr(ErrCapExecutionErr, fmt.Sprintf("unknown substrate %q", desc.Substrate), nil)
	}
}

func (e *Engine) dispatchSymbolic(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	h, ok := e.symbolic[desc.CapabilityID]
	if !ok {
		return nil, newErr(ErrCapExecutionErr, fmt.Sprintf("no symbolic handler registered for %s", desc.CapabilityID), nil)
	}
	reply, err := h(ctx, req.Args, req.Session, req.Inbound)
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "symbolic handler failed", err)
	}
	return reply, nil
}

// dispatchLLM reuses the teacher's ReAct tool-calling loop wholesale: a UMF
// request is lowered into a legacy channel.Message, run through
// agent.Agent.ProcessMessage, and the channel.Response is lifted back to
// a UMF reply.
func (e *Engine) dispatchLLM(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	if req.Session == nil {
		return nil, newErr(ErrCapExecutionErr, "llm substrate requires a session", nil)
	}
	ag, ok := e.agents[req.Session.AgentID]
	if !ok {
		return nil, newErr(ErrCapExecutionErr, fmt.Sprintf("agent %s is not registered with the invocation engine", req.Session.AgentID), nil)
	}

	chMsg := toLegacyMessage(req)
	resp, err := ag.ProcessMessage(ctx, chMsg)
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "agent processing failed", err)
	}

	reply := umf.NewReply(req.Inbound, newMessageID)
	reply.Content = []umf.ContentBlock{{Type: umf.ContentText, Text: resp.Content}}
	reply.Metadata["model"] = resp.Model
	reply.Metadata["provider"] = resp.Provider
	if resp.Error != nil {
		reply.Type = umf.TypeError
		reply.Metadata["error_code"] = string(ErrCapExecutionErr)
		reply.Metadata["error_detail"] = resp.Error.Error()
	}
	return reply, nil
}

func toLegacyMessage(req Request) *channel.Message {
	text, _ := req.Inbound.FirstText()
	sessionKey := req.Inbound.SessionID
	channelID := ""
	userURN := ""
	if req.Session != nil {
		channelID = req.Session.ChannelID
		if req.Session.Principal != nil {
			userURN = req.Session.Principal.URN
		}
	}
	return &channel.Message{
		ID:          req.Inbound.ID,
		ChannelID:   channelID,
		ChannelType: channel.Type("p3394"),
		UserID:      userURN,
		ChatID:      channelID,
		Content:     text,
		SessionKey:  sessionKey,
		Metadata:    req.Inbound.Metadata,
	}
}

// dispatchShell runs a shell command through the sandbox executor, rooted
// at the session's private workspace directory.
func (e *Engine) dispatchShell(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	command, _ := req.Args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, newErr(ErrCapExecutionErr, "shell substrate requires args.command", nil)
	}

	workspace := consts.DefaultWorkspaceDir()
	if req.Session != nil && req.Session.ID != "" {
		workspace = consts.SessionWorkspaceDir(req.Session.ID)
	}

	exec, ok, err := sandbox.NewExecutorForTool(workspace, e.sandboxCfg, desc.CapabilityID)
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "sandbox executor construction failed", err)
	}
	if !ok || exec == nil {
		exec = sandbox.NewLocalExecutor(workspace)
	}

	timeout := 60 * time.Second
	if secs, ok := req.Args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	result, err := exec.Execute(ctx, &sandbox.ExecRequest{
		Workspace:  workspace,
		WorkingDir: workspace,
		Timeout:    timeout,
		Command:    sandbox.Command{Display: command, Program: "/bin/sh", Args: []string{"-c", command}, UseShell: true},
	})
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "shell execution failed", err)
	}

	reply := umf.NewReply(req.Inbound, newMessageID)
	reply.Content = []umf.ContentBlock{{Type: umf.ContentText, Text: result.Stdout}}
	reply.Metadata["exit_code"] = fmt.Sprintf("%d", result.ExitCode)
	if result.Stderr != "" {
		reply.Metadata["stderr"] = result.Stderr
	}
	if result.TimedOut {
		return nil, newErr(ErrTimeout, "shell command timed out", nil)
	}
	return reply, nil
}

// dispatchAgent forwards the invocation to a remote subagent via the
// outbound router, once SetAgentDispatcher has wired one in.
func (e *Engine) dispatchAgent(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	if e.dispatcher == nil {
		return nil, newErr(ErrCapExecutionErr, "no agent dispatcher configured (outbound router not wired)", nil)
	}
	targetAgentID := desc.CapabilityID
	if v, ok := req.Args["target_agent_id"].(string); ok && v != "" {
		targetAgentID = v
	}
	reply, err := e.dispatcher.Send(ctx, targetAgentID, req.Inbound)
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "agent dispatch failed", err)
	}
	return reply, nil
}

// dispatchExternalService makes a plain HTTP call to desc.Entrypoint,
// mirroring the teacher's webx.FetchTool's bare net/http client rather
// than reaching for a dedicated REST client library the pack doesn't use.
func (e *Engine) dispatchExternalService(ctx context.Context, desc *capability.Descriptor, req Request) (*umf.Message, error) {
	if desc.Entrypoint == "" {
		return nil, newErr(ErrCapExecutionErr, "external_service capability has no entrypoint", nil)
	}

	text, _ := req.Inbound.FirstText()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Entrypoint, strings.NewReader(text))
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "building external_service request failed", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain; charset=utf-8")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "external_service call failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, newErr(ErrCapExecutionErr, "reading external_service response failed", err)
	}

	reply := umf.NewReply(req.Inbound, newMessageID)
	reply.Content = []umf.ContentBlock{{Type: umf.ContentText, Text: string(body)}}
	reply.Metadata["http_status"] = fmt.Sprintf("%d", resp.StatusCode)
	if resp.StatusCode >= 400 {
		reply.Type = umf.TypeError
		reply.Metadata["error_code"] = string(ErrCapExecutionErr)
	}
	return reply, nil
}

func newMessageID() string { return uuid.NewString() }
