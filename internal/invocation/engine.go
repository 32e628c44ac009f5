// Package invocation implements the capability invocation engine: the
// single chokepoint every capability dispatch passes through, regardless
// of substrate. It resolves a descriptor, authorizes the request, runs
// lifecycle hooks, dispatches to the right substrate, and records a KSTAR
// trace + xAPI statement for the exchange (spec §4.5).
package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/p3394/exemplar-agent/internal/agent"
	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/kstar"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	ppromutil "github.com/p3394/exemplar-agent/internal/pkg/prometheus"
	"github.com/p3394/exemplar-agent/internal/policy"
	"github.com/p3394/exemplar-agent/internal/security/sandbox"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// SymbolicHandler answers a symbolic-substrate capability directly,
// without any further dispatch (e.g. /help, /status).
type SymbolicHandler func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error)

// AgentDispatcher forwards an invocation to a remote subagent, satisfied
// by the outbound router once wired in by the gateway.
type AgentDispatcher interface {
	Send(ctx context.Context, targetAgentID string, msg *umf.Message) (*umf.Message, error)
}

// Request is the input to Engine.Invoke.
type Request struct {
	CapabilityID string
	Args         map[string]any
	Session      *session.Session
	Inbound      *umf.Message
}

// Engine is the capability invocation engine.
type Engine struct {
	registry  *capability.Registry
	policy    *policy.Engine
	store     *kstar.Store
	sandboxCfg sandbox.SandboxConfig

	agents    map[string]*agent.Agent
	symbolic  map[string]SymbolicHandler
	dispatcher AgentDispatcher

	metrics metricsSet
}

type metricsSet struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	denied      *prometheus.CounterVec
}

// NewEngine builds an Engine over the given registry, policy engine, and
// KSTAR store.
func NewEngine(reg *capability.Registry, pol *policy.Engine, store *kstar.Store, sandboxCfg sandbox.SandboxConfig) *Engine {
	e := &Engine{
		registry:  reg,
		policy:    pol,
		store:     store,
		sandboxCfg: sandboxCfg,
		agents:    map[string]*agent.Agent{},
		symbolic:  map[string]SymbolicHandler{},
	}
	e.metrics = registerMetrics()
	return e
}

func registerMetrics() metricsSet {
	reg := ppromutil.GetRegistry()
	m := metricsSet{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p3394_capability_invocations_total",
			Help: "Total capability invocations by capability_id and outcome.",
		}, []string{"capability_id", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "p3394_capability_invocation_duration_seconds",
			Help: "Capability invocation latency by substrate.",
		}, []string{"substrate"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p3394_capability_denied_total",
			Help: "Policy-denied capability invocations by capability_id.",
		}, []string{"capability_id"}),
	}
	if err := reg.Register(m.invocations); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.invocations = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := reg.Register(m.duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	if err := reg.Register(m.denied); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.denied = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return m
}

// RegisterAgent makes an in-process agent.Agent available to the llm
// substrate under agentID.
func (e *Engine) RegisterAgent(agentID string, a *agent.Agent) { e.agents[agentID] = a }

// RegisterSymbolicHandler binds a built-in symbolic command's capability_id
// to the function that answers it.
func (e *Engine) RegisterSymbolicHandler(capabilityID string, h SymbolicHandler) {
	e.symbolic[capabilityID] = h
}

// SetAgentDispatcher wires the outbound router as the agent-substrate
// dispatch target.
func (e *Engine) SetAgentDispatcher(d AgentDispatcher) { e.dispatcher = d }

// Invoke runs the full invocation pipeline for capabilityID: descriptor
// lookup, authorization, pre_invoke hooks, substrate dispatch, post_invoke
// hooks, on_error hooks, and a KSTAR trace + xAPI statement of the result.
func (e *Engine) Invoke(ctx context.Context, req Request) (*umf.Message, error) {
	start := time.Now()

	desc, err := e.registry.Get(req.CapabilityID)
	if err != nil {
		e.metrics.invocations.WithLabelValues(req.CapabilityID, "not_found").Inc()
		return nil, newErr(ErrCapNotFound, fmt.Sprintf("capability %s is not registered", req.CapabilityID), err)
	}

	if err := e.authorize(req, desc); err != nil {
		e.metrics.denied.WithLabelValues(req.CapabilityID).Inc()
		e.metrics.invocations.WithLabelValues(req.CapabilityID, "denied").Inc()
		e.trace(req, desc, false, err.Error(), time.Since(start))
		return nil, err
	}

	if err := e.runHooks(ctx, desc.Hooks.PreInvoke, req); err != nil {
		e.metrics.invocations.WithLabelValues(req.CapabilityID, "pre_invoke_denied").Inc()
		e.trace(req, desc, false, err.Error(), time.Since(start))
		return nil, err
	}

	reply, dispatchErr := e.dispatch(ctx, desc, req)

	if dispatchErr != nil {
		if hookErr := e.runHooksIgnoreErr(ctx, desc.Hooks.OnError, req); hookErr != nil {
			logs.CtxWarn(ctx, "[invocation] on_error hook failed for %s: %v", req.CapabilityID, hookErr)
		}
		e.metrics.invocations.WithLabelValues(req.CapabilityID, "execution_error").Inc()
		e.trace(req, desc, false, dispatchErr.Error(), time.Since(start))
		return nil, dispatchErr
	}

	if err := e.runHooks(ctx, desc.Hooks.PostInvoke, req); err != nil {
		logs.CtxWarn(ctx, "[invocation] post_invoke hook failed for %s: %v", req.CapabilityID, err)
	}

	e.metrics.invocations.WithLabelValues(req.CapabilityID, "ok").Inc()
	e.metrics.duration.WithLabelValues(string(desc.Substrate)).Observe(time.Since(start).Seconds())
	e.trace(req, desc, true, "", time.Since(start))

	if req.Session != nil {
		req.Session.IncrInvocationCount()
	}
	return reply, nil
}

func (e *Engine) authorize(req Request, desc *capability.Descriptor) error {
	if e.policy == nil {
		return nil
	}
	var p policy.Request
	p.CapabilityID = req.CapabilityID
	p.RequestedPermissions = desc.RequiredPermissions
	if req.Session != nil {
		p.Principal = req.Session.Principal
		p.Assurance = req.Session.Assurance
		p.GrantedPermissions = req.Session.GrantedPermissions
		p.ChannelID = req.Session.ChannelID
		p.Authenticated = req.Session.Principal != nil
	}

	result, err := e.policy.Authorize(p)
	if err != nil {
		return newErr(ErrInternal, "policy evaluation failed", err)
	}
	if result.Decision == policy.Deny {
		return newErr(ErrCapDenied, fmt.Sprintf("denied by rule %s: %s", result.RuleName, result.Reason), nil)
	}
	return nil
}

// runHooks invokes each hook capability in order; a DENY result (any ERROR
// reply, or an invocation error) short-circuits the whole chain.
func (e *Engine) runHooks(ctx context.Context, hookIDs []string, req Request) error {
	for _, hookID := range hookIDs {
		reply, err := e.Invoke(ctx, Request{CapabilityID: hookID, Args: req.Args, Session: req.Session, Inbound: req.Inbound})
		if err != nil {
			return newErr(ErrCapDenied, fmt.Sprintf("pre/post hook %s rejected invocation", hookID), err)
		}
		if reply != nil && reply.Type == umf.TypeError {
			return newErr(ErrCapDenied, fmt.Sprintf("hook %s returned an error", hookID), nil)
		}
	}
	return nil
}

func (e *Engine) runHooksIgnoreErr(ctx context.Context, hookIDs []string, req Request) error {
	var firstErr error
	for _, hookID := range hookIDs {
		if _, err := e.Invoke(ctx, Request{CapabilityID: hookID, Args: req.Args, Session: req.Session, Inbound: req.Inbound}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) trace(req Request, desc *capability.Descriptor, success bool, outcome string, dur time.Duration) {
	if e.store == nil {
		return
	}
	if !desc.Audit.LogInvocation {
		return
	}

	sessionID, channelID, actorURN := "", "", ""
	if req.Session != nil {
		sessionID = req.Session.ID
		channelID = req.Session.ChannelID
		if req.Session.Principal != nil {
			actorURN = req.Session.Principal.URN
		}
	}

	params := map[string]any{}
	if desc.Audit.LogInputs {
		params = req.Args
	}

	t := kstar.Trace{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Situation: kstar.Situation{Domain: "capability_invocation", Actor: actorURN, Channel: channelID, Now: time.Now()},
		Task:      kstar.Task{Goal: req.CapabilityID},
		Action:    kstar.Action{Type: req.CapabilityID, Parameters: params, ToolsUsed: []string{string(desc.Substrate)}},
		Result:    kstar.Result{Success: success, Outcome: outcome},
		Metadata:  kstar.TraceMetadata{Mode: string(desc.Substrate)},
		SessionID: sessionID,
	}
	if err := e.store.StoreTrace(t); err != nil {
		logs.Warn("[invocation] trace store failed: %v", err)
	}

	verb := kstar.DeriveVerb(false, true, true, false)
	stmt := kstar.Statement{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Actor:     kstar.Actor{Name: req.CapabilityID, URN: actorURN},
		Verb:      verb,
		Object:    kstar.MessageObject(req.CapabilityID),
		Context:   kstar.StatementContext{SessionID: sessionID, ChannelID: channelID},
	}
	if sessionID != "" {
		if err := e.store.AppendStatement(sessionID, stmt); err != nil {
			logs.Warn("[invocation] xapi append failed: %v", err)
		}
	}
}
