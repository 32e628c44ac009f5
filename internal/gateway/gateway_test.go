package gateway

import (
	"context"
	"testing"

	friday "github.com/p3394/exemplar-agent"

	"github.com/p3394/exemplar-agent/internal/agent"
	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/config"
	"github.com/p3394/exemplar-agent/internal/invocation"
	"github.com/p3394/exemplar-agent/internal/kstar"
	"github.com/p3394/exemplar-agent/internal/policy"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/security/sandbox"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

// newTestGateway wires every subsystem handle() touches without going
// through Start() (which would also boot providers/agents/adapters): the
// principal registry, policy engine, capability registry + builtin
// commands, KSTAR store, invocation engine, and a session manager for the
// one agent exercised by these tests.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	t.Setenv("P3394_STORAGE_PATH", t.TempDir())

	g := NewGateway(config.Config{})

	var err error
	g.principals, err = principal.Open()
	if err != nil {
		t.Fatalf("principal.Open: %v", err)
	}
	g.policyEng = policy.NewEngine()
	g.registry = capability.NewRegistry()
	g.store, err = kstar.NewStore([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("kstar.NewStore: %v", err)
	}
	g.engine = invocation.NewEngine(g.registry, g.policyEng, g.store, sandbox.SandboxConfig{})
	g.engine.SetAgentDispatcher(nil)
	g.registerBuiltinCapabilities()

	const agentID = "terminal-agent"
	g.agents = map[string]*agent.Agent{}
	g.agentOrder = []string{}
	g.sessions[agentID] = session.NewManager(agentID)
	g.defaultAgent = agentID

	return g
}

// TestGateway_S1_VersionCommand reproduces spec §8 scenario S1: a
// terminal-channel "/version" request replies with the running version,
// and a successful KSTAR trace is recorded for cap.symbolic.version.
func TestGateway_S1_VersionCommand(t *testing.T) {
	g := newTestGateway(t)

	inbound := &umf.Message{
		ID:      "req-1",
		Type:    umf.TypeRequest,
		Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "/version"}},
		Metadata: map[string]string{
			"client_identity": "local:alice",
			"assurance":       "HIGH",
		},
	}

	reply, err := g.handle(context.Background(), "terminal", inbound)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	text, _ := reply.FirstText()
	want := "P3394 Exemplar Agent v" + friday.VERSION
	if text != want {
		t.Fatalf("reply text = %q, want %q", text, want)
	}
	if reply.ReplyTo != inbound.ID {
		t.Fatalf("reply.ReplyTo = %q, want %q", reply.ReplyTo, inbound.ID)
	}
	if reply.SessionID == "" {
		t.Fatal("expected a non-empty session id on the reply")
	}

	traces, err := g.store.QueryTraces(nil)
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	found := false
	for _, tr := range traces {
		if tr.Action.Type == "cap.symbolic.version" && tr.Result.Success {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a successful KSTAR trace for cap.symbolic.version")
	}
}

func TestGateway_UnrecognizedMessageWithNoFallbackAgent(t *testing.T) {
	g := newTestGateway(t)
	g.defaultAgent = ""

	inbound := &umf.Message{
		ID:      "req-2",
		Type:    umf.TypeRequest,
		Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "hello there"}},
	}
	reply, err := g.handle(context.Background(), "terminal", inbound)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Type != umf.TypeError {
		t.Fatalf("expected ERROR reply when no agent/skill/command matches, got %s", reply.Type)
	}
}

func TestGateway_SessionIDPreservedAcrossRequests(t *testing.T) {
	g := newTestGateway(t)

	first := &umf.Message{ID: "req-1", Type: umf.TypeRequest, Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "/version"}}}
	reply1, err := g.handle(context.Background(), "terminal", first)
	if err != nil {
		t.Fatalf("first handle: %v", err)
	}

	second := &umf.Message{ID: "req-2", Type: umf.TypeRequest, SessionID: reply1.SessionID, Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "/status"}}}
	reply2, err := g.handle(context.Background(), "terminal", second)
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if reply2.SessionID != reply1.SessionID {
		t.Fatalf("expected session id to persist across requests, got %q then %q", reply1.SessionID, reply2.SessionID)
	}

	mgr := g.sessionManagerFor(g.defaultAgent)
	sess, ok := mgr.Get(reply1.SessionID)
	if !ok {
		t.Fatal("expected session to be live in the manager")
	}
	if sess.MsgCount() < 2 {
		t.Fatalf("expected at least 2 recorded inbound messages, got %d", sess.MsgCount())
	}
}

// TestGateway_S4_AdminCapabilityDeniedAtMediumAssurance reproduces spec §8
// scenario S4 through the full gateway pipeline: an admin-only capability
// requested at MEDIUM assurance is denied and no substrate handler runs.
func TestGateway_S4_AdminCapabilityDeniedAtMediumAssurance(t *testing.T) {
	g := newTestGateway(t)
	g.policyEng.SetGlobalEnforcement(true)

	handlerRan := false
	desc := &capability.Descriptor{
		CapabilityID:        "cap.configure",
		Name:                "configure",
		Kind:                capability.KindAtomic,
		Substrate:           capability.SubstrateSymbolic,
		CommandAliases:      []string{"configure"},
		ExposureScope:       capability.ExposureHuman,
		RequiredPermissions: []string{"admin"},
		Status:              capability.Status{Enabled: true, Mutable: true},
		Audit:               capability.AuditFlags{LogInvocation: true},
	}
	if err := g.registry.Register(desc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	g.engine.RegisterSymbolicHandler("cap.configure", func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
		handlerRan = true
		return umf.NewReply(inbound, newMessageID), nil
	})

	adminURN := "urn:principal:org:acme:role:user:person:bob"
	if err := g.principals.RegisterPrincipal(&principal.Principal{
		URN:    adminURN,
		Type:   principal.TypeHuman,
		Org:    "acme",
		Role:   "user",
		Person: "bob",
		Scopes: []string{"admin"},
	}); err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}
	if _, err := g.principals.RegisterBinding(&principal.Binding{
		ChannelID:       "agent_rpc",
		ExternalSubject: "api_key:sk-agent-key1",
		PrincipalURN:    adminURN,
		Scopes:          []string{"admin"},
		Type:            principal.BindingAPIKey,
	}); err != nil {
		t.Fatalf("RegisterBinding: %v", err)
	}

	inbound := &umf.Message{
		ID:      "req-1",
		Type:    umf.TypeRequest,
		Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "/configure"}},
		Metadata: map[string]string{
			"client_identity": "api_key:sk-agent-key1",
			"assurance":       "MEDIUM",
		},
	}
	reply, err := g.handle(context.Background(), "agent_rpc", inbound)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Type != umf.TypeError {
		t.Fatalf("expected ERROR reply, got %s", reply.Type)
	}
	if reply.Metadata["error_code"] != "ACCESS_DENIED" {
		t.Fatalf("expected ACCESS_DENIED, got %q", reply.Metadata["error_code"])
	}
	if handlerRan {
		t.Fatal("expected substrate handler not to run when policy denies")
	}
}
