// Package gateway wires every gateway subsystem - principals, policy,
// capabilities, sessions, KSTAR memory, the invocation engine, the
// outbound router, and the channel adapters - into the running core
// message gateway (spec §4.12): authenticate, authorize, session-bind,
// route, dispatch, reply.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/p3394/exemplar-agent/internal/agent"
	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/channel/httpapi"
	"github.com/p3394/exemplar-agent/internal/channel/pushbot"
	"github.com/p3394/exemplar-agent/internal/channel/stdiorpc"
	"github.com/p3394/exemplar-agent/internal/channel/terminal"
	"github.com/p3394/exemplar-agent/internal/config"
	"github.com/p3394/exemplar-agent/internal/cronjob"
	"github.com/p3394/exemplar-agent/internal/invocation"
	"github.com/p3394/exemplar-agent/internal/kstar"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/policy"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/provider"
	"github.com/p3394/exemplar-agent/internal/provider/anthropic"
	"github.com/p3394/exemplar-agent/internal/provider/gemini"
	"github.com/p3394/exemplar-agent/internal/provider/ollama"
	"github.com/p3394/exemplar-agent/internal/provider/openai"
	"github.com/p3394/exemplar-agent/internal/provider/qwen"
	"github.com/p3394/exemplar-agent/internal/router"
	"github.com/p3394/exemplar-agent/internal/security/sandbox"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// Gateway is the gateway core: the one object that owns every subsystem's
// lifecycle and ties inbound channel traffic to outbound capability
// dispatch.
type Gateway struct {
	cfg config.Config

	principals *principal.Registry
	policyEng  *policy.Engine
	registry   *capability.Registry
	catalog    *capability.Catalog
	store      *kstar.Store
	router     *router.Router
	direct     *router.DirectTransport
	engine     *invocation.Engine

	agents       map[string]*agent.Agent
	agentOrder   []string
	defaultAgent string

	sessMu   sync.Mutex
	sessions map[string]*session.Manager // agentID -> manager

	adapters map[string]channel.Adapter

	cronScheduler *cronjob.Scheduler

	skillTriggerOrder map[string]int // capability_id -> registration order, for trigger tie-breaks

	mu      sync.Mutex
	started bool
}

// NewGateway constructs a Gateway over cfg. No subsystem is initialized
// until Start runs.
func NewGateway(cfg config.Config) *Gateway {
	return &Gateway{
		cfg:               cfg,
		agents:            map[string]*agent.Agent{},
		sessions:          map[string]*session.Manager{},
		adapters:          map[string]channel.Adapter{},
		skillTriggerOrder: map[string]int{},
	}
}

// Start brings up every subsystem and begins serving the channel adapters
// enabled in config. It returns once every enabled adapter has started
// listening.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("gateway: already started")
	}

	var err error
	g.principals, err = principal.Open()
	if err != nil {
		return fmt.Errorf("gateway: open principal registry: %w", err)
	}
	if err := g.seedConfiguredPrincipals(); err != nil {
		return fmt.Errorf("gateway: seed principals: %w", err)
	}

	g.policyEng = policy.NewEngine()
	g.policyEng.SetGlobalEnforcement(g.cfg.Gateway.EnforceAuthentication)
	for chID, on := range g.cfg.Gateway.ChannelEnforcement {
		g.policyEng.SetChannelEnforcement(chID, on)
	}

	g.registry = capability.NewRegistry()

	signingKey, err := resolveSigningKey(g.cfg.Gateway.TokenSigningKey)
	if err != nil {
		return fmt.Errorf("gateway: resolve token signing key: %w", err)
	}
	g.store, err = kstar.NewStore(signingKey)
	if err != nil {
		return fmt.Errorf("gateway: open kstar store: %w", err)
	}

	g.router = router.NewRouter()
	g.direct = router.NewDirectTransport()
	g.router.RegisterTransport(g.direct)
	g.router.RegisterTransport(router.NewHTTPTransport())
	g.router.RegisterTransport(router.NewSocketTransport())
	g.router.RegisterTransport(router.NewStdioTransport())

	sandboxCfg := sandbox.SandboxConfig{}
	g.engine = invocation.NewEngine(g.registry, g.policyEng, g.store, sandboxCfg)
	g.engine.SetAgentDispatcher(g.router)

	if err := g.bootProviders(); err != nil {
		return fmt.Errorf("gateway: boot providers: %w", err)
	}
	if err := g.bootAgents(ctx); err != nil {
		return fmt.Errorf("gateway: boot agents: %w", err)
	}

	g.registerBuiltinCapabilities()
	g.registerAgentCapabilities()
	g.registerSkillCapabilities()

	g.catalog = capability.NewCatalog(g.registry)
	if _, err := g.catalog.Reconcile(); err != nil {
		return fmt.Errorf("gateway: reconcile catalog: %w", err)
	}

	if err := g.bootAdapters(ctx); err != nil {
		return fmt.Errorf("gateway: boot channel adapters: %w", err)
	}

	if err := g.bootCronjobs(ctx); err != nil {
		return fmt.Errorf("gateway: boot cronjobs: %w", err)
	}

	ttl := 24 * time.Hour
	if g.cfg.Gateway.SessionTTL != "" {
		if parsed, err := time.ParseDuration(g.cfg.Gateway.SessionTTL); err == nil {
			ttl = parsed
		}
	}
	for _, mgr := range g.sessions {
		mgr.SetTTL(ttl)
		mgr.StartGCLoop(ctx, 10*time.Minute)
	}

	g.started = true
	logs.CtxInfo(ctx, "[gateway] started: %d agent(s), %d adapter(s), %d capability(ies)",
		len(g.agents), len(g.adapters), len(g.registry.All()))
	return nil
}

// Stop tears down every running channel adapter. Subsystem state
// (principals, capabilities, KSTAR) is file-backed and needs no explicit
// shutdown.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for id, a := range g.adapters {
		if err := a.Stop(ctx); err != nil {
			logs.CtxError(ctx, "[gateway] stop adapter %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if g.cronScheduler != nil {
		g.cronScheduler.Stop(ctx)
	}
	g.started = false
	return firstErr
}

func resolveSigningKey(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	logs.Warn("[gateway] no gateway.token_signing_key configured; generated an ephemeral key for this process")
	return []byte(hex.EncodeToString(raw)), nil
}

// seedConfiguredPrincipals provisions any operator-declared principals and
// their channel bindings beyond the registry's built-in SYSTEM/ANONYMOUS/
// local-admin seed (spec §4.2).
func (g *Gateway) seedConfiguredPrincipals() error {
	for _, sp := range g.cfg.Gateway.SeedPrincipals {
		typ := principal.Type(strings.ToUpper(sp.Type))
		if typ == "" {
			typ = principal.TypeHuman
		}
		p := principal.NewPrincipal(typ, sp.Org, sp.Role, sp.Person, sp.Scopes)
		if err := g.principals.RegisterPrincipal(p); err != nil {
			return err
		}
		if sp.ChannelID == "" || sp.ExternalSubject == "" {
			continue
		}
		if _, err := g.principals.RegisterBinding(&principal.Binding{
			ChannelID:       sp.ChannelID,
			ExternalSubject: sp.ExternalSubject,
			PrincipalURN:    p.URN,
			Scopes:          sp.Scopes,
			Type:            principal.BindingAccount,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) bootProviders() error {
	for id, pc := range g.cfg.Providers {
		prov, err := buildProvider(context.Background(), id, pc)
		if err != nil {
			return fmt.Errorf("provider %s: %w", id, err)
		}
		if err := provider.Register(prov); err != nil {
			return fmt.Errorf("register provider %s: %w", id, err)
		}
	}
	return nil
}

func buildProvider(ctx context.Context, id string, pc config.ProviderConfig) (provider.Provider, error) {
	switch provider.Type(strings.ToLower(pc.Type)) {
	case provider.OpenAI:
		cfg, err := openai.ParseConfig(id, pc.Config)
		if err != nil {
			return nil, err
		}
		return openai.NewProvider(ctx, *cfg)
	case provider.Anthropic:
		return anthropic.NewProvider(ctx, id, pc.Config)
	case provider.Gemini:
		cfg, err := gemini.ParseConfig(id, pc.Config)
		if err != nil {
			return nil, err
		}
		return gemini.NewProvider(ctx, *cfg)
	case provider.Ollama:
		return ollama.NewProvider(ctx, id, pc.Config)
	case provider.Qwen:
		cfg, err := qwen.ParseConfig(id, pc.Config)
		if err != nil {
			return nil, err
		}
		return qwen.NewProvider(*cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
}

func (g *Gateway) bootAgents(ctx context.Context) error {
	ids := make([]string, 0, len(g.cfg.Agents))
	for id := range g.cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		acfg := g.cfg.Agents[id]
		ag, err := agent.NewAgent(ctx, acfg)
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		if err := ag.Init(ctx); err != nil {
			return fmt.Errorf("agent %s init: %w", id, err)
		}
		g.agents[id] = ag
		g.agentOrder = append(g.agentOrder, id)
		g.engine.RegisterAgent(id, ag)
		g.sessions[id] = session.NewManager(id)

		// Route traffic destined at this agent via the outbound router's
		// direct (in-process) transport, so dispatchAgent/dispatchLLM both
		// reach it without a network hop.
		g.direct.RegisterHandler(id, g.directAgentHandler(id))
		g.router.RegisterManifest(router.AgentManifest{AgentID: id, Preference: []router.TransportKind{router.TransportDirect}})
	}

	if len(ids) > 0 {
		g.defaultAgent = ids[0]
	}

	// Wire each agent's delegation tool to every sibling agent now that the
	// full roster and outbound router are known.
	for _, id := range ids {
		peers := make([]string, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		g.agents[id].EnableDelegation(g.router, peers)
	}
	return nil
}

// sessionManagerFor returns (creating if necessary) the session manager
// scoped to agentID.
func (g *Gateway) sessionManagerFor(agentID string) *session.Manager {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	if mgr, ok := g.sessions[agentID]; ok {
		return mgr
	}
	mgr := session.NewManager(agentID)
	g.sessions[agentID] = mgr
	return mgr
}

// bootAdapters constructs and starts every channel adapter enabled in
// config, wiring each to the gateway's single inbound handle pipeline.
func (g *Gateway) bootAdapters(ctx context.Context) error {
	if g.cfg.Gateway.Terminal.Enabled {
		a := terminal.New("terminal", g.cfg.Gateway.Terminal.SocketPath)
		if err := g.startAdapter(ctx, a); err != nil {
			return err
		}
	}

	if g.cfg.Gateway.HTTPAPI.Enabled {
		a := httpapi.New("http_api", httpapi.Config{
			Bind:          g.cfg.Gateway.HTTPAPI.Bind,
			APIKeys:       g.cfg.Gateway.HTTPAPI.APIKeys,
			LLMCompat:     g.cfg.Gateway.HTTPAPI.LLMCompat,
			AgentRPC:      g.cfg.Gateway.HTTPAPI.AgentRPC,
			CharsPerToken: g.cfg.Gateway.CharsPerToken,
		}, g.buildCommandDescriptors())
		if err := g.startAdapter(ctx, a); err != nil {
			return err
		}
	}

	if g.cfg.Gateway.StdioRPC.Enabled {
		a := stdiorpc.New("stdio_rpc", stdiorpc.Config{
			Transport: g.cfg.Gateway.StdioRPC.Transport,
			Bind:      g.cfg.Gateway.StdioRPC.Bind,
			Tools:     g.buildToolDescriptors(),
		})
		if err := g.startAdapter(ctx, a); err != nil {
			return err
		}
	}

	if g.cfg.Gateway.PushBot.Enabled {
		ttl := time.Duration(g.cfg.Gateway.PushBot.PairingCodeTTL) * time.Second
		a := pushbot.New("push_bot", pushbot.Config{
			Transport:      g.cfg.Gateway.PushBot.Transport,
			Endpoint:       g.cfg.Gateway.PushBot.Endpoint,
			PairingCodeTTL: ttl,
		})
		if err := g.startAdapter(ctx, a); err != nil {
			return err
		}
	}

	return nil
}

func (g *Gateway) startAdapter(ctx context.Context, a channel.Adapter) error {
	if err := a.Start(ctx, g.handlerFor(a.ID())); err != nil {
		return fmt.Errorf("start adapter %s: %w", a.ID(), err)
	}
	g.adapters[a.ID()] = a
	return nil
}

// bootCronjobs starts the global cron scheduler and registers the built-in
// heartbeat and nightly memory-compaction jobs for every configured agent.
// Cron-fired messages are delivered through the exact same authenticate ->
// authorize -> route -> dispatch pipeline as channel traffic (spec §4.12):
// each fired job becomes a UMF NOTIFICATION handed to g.handle under a
// synthetic "cron" channel bound to the SYSTEM principal.
func (g *Gateway) bootCronjobs(ctx context.Context) error {
	if g.cfg.Cronjob.Enabled != nil && !*g.cfg.Cronjob.Enabled {
		return nil
	}

	if _, err := g.principals.RegisterBinding(&principal.Binding{
		ChannelID:       "cron",
		ExternalSubject: "*",
		PrincipalURN:    principal.SystemURN,
		Scopes:          []string{"*"},
		Type:            principal.BindingAccount,
	}); err != nil {
		return fmt.Errorf("bind cron channel to system principal: %w", err)
	}

	cronjob.Init(g.cfg.Cronjob, g.cronEnqueue)
	g.cronScheduler = cronjob.Default()

	for _, id := range g.agentOrder {
		acfg := g.cfg.Agents[id]
		if err := g.cronScheduler.AddJob(cronjob.NewHeartbeatJob(id, acfg.Workspace, 0), false); err != nil {
			return fmt.Errorf("register heartbeat job for agent %s: %w", id, err)
		}
		if err := g.cronScheduler.AddJob(cronjob.NewCompactJob(id, acfg.Workspace), false); err != nil {
			return fmt.Errorf("register compact job for agent %s: %w", id, err)
		}
	}

	if err := cronjob.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return nil
}

// cronEnqueue is the cronjob.EnqueueFunc bridging a fired job into the
// gateway core: it lifts the job's legacy channel.Message into a UMF
// NOTIFICATION, runs it through g.handle under the "cron" channel, and
// swallows the HEARTBEAT_OK sentinel rather than delivering it anywhere.
// A non-sentinel reply is delivered to the job's configured channel/chat
// when one was set (isolated jobs); otherwise it is only logged.
func (g *Gateway) cronEnqueue(ctx context.Context, msg *channel.Message) error {
	in := &umf.Message{
		ID:          msg.ID,
		Type:        umf.TypeNotification,
		Timestamp:   time.Now(),
		SessionID:   msg.SessionKey,
		Destination: &umf.Address{AgentID: msg.Metadata["agent_id"]},
		Content:     []umf.ContentBlock{{Type: umf.ContentText, Text: msg.Content}},
		Metadata:    msg.Metadata,
	}

	reply, err := g.handle(ctx, "cron", in)
	if err != nil {
		return fmt.Errorf("dispatch cron job %s: %w", msg.Metadata["cron_job_id"], err)
	}

	text, _ := reply.FirstText()
	if text == "" || text == cronjob.HeartbeatOK {
		return nil
	}

	if msg.ChannelID == "" || msg.ChatID == "" {
		logs.CtxInfo(ctx, "[gateway] cron job %s produced a reply with no delivery channel configured, dropping: %s",
			msg.Metadata["cron_job_id"], text)
		return nil
	}

	ch, err := channel.Get(msg.ChannelID)
	if err != nil {
		logs.CtxWarn(ctx, "[gateway] cron job %s delivery channel %s not registered: %v", msg.Metadata["cron_job_id"], msg.ChannelID, err)
		return nil
	}
	return ch.SendMessage(ctx, msg.ChatID, text)
}
