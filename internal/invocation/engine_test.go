package invocation

import (
	"context"
	"testing"

	"github.com/p3394/exemplar-agent/internal/capability"
	"github.com/p3394/exemplar-agent/internal/kstar"
	"github.com/p3394/exemplar-agent/internal/policy"
	"github.com/p3394/exemplar-agent/internal/principal"
	"github.com/p3394/exemplar-agent/internal/security/sandbox"
	"github.com/p3394/exemplar-agent/internal/session"
	"github.com/p3394/exemplar-agent/internal/umf"
)

func newTestEngine(t *testing.T) (*Engine, *capability.Registry, *policy.Engine) {
	t.Helper()
	t.Setenv("P3394_STORAGE_PATH", t.TempDir())
	reg := capability.NewRegistry()
	pol := policy.NewEngine()
	store, err := kstar.NewStore([]byte("test-key"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewEngine(reg, pol, store, sandbox.SandboxConfig{}), reg, pol
}

func newTestSession(princ *principal.Principal, assurance principal.Assurance) *session.Session {
	mgr := session.NewManager("test-agent")
	sess := mgr.Create("sess-1")
	sess.SetPrincipal(princ, assurance)
	sess.SetGrantedPermissions(princ.Scopes)
	return sess
}

func symbolicDescriptor(id string) *capability.Descriptor {
	return &capability.Descriptor{
		CapabilityID:  id,
		Name:          id,
		Kind:          capability.KindAtomic,
		Substrate:     capability.SubstrateSymbolic,
		ExposureScope: capability.ExposureHuman,
		Status:        capability.Status{Enabled: true, Mutable: true},
		Audit:         capability.AuditFlags{LogInvocation: true, LogInputs: true},
	}
}

func TestEngine_InvokeSymbolicSuccess(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	desc := symbolicDescriptor("cmd.version")
	if err := reg.Register(desc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng.RegisterSymbolicHandler("cmd.version", func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
		reply := umf.NewReply(inbound, newMessageID)
		reply.Content = []umf.ContentBlock{{Type: umf.ContentText, Text: "v1.0.0"}}
		return reply, nil
	})

	sysPrincipal := &principal.Principal{URN: "urn:principal:org:system:role:system:person:system", Type: principal.TypeSystem}
	sess := newTestSession(sysPrincipal, principal.AssuranceHigh)
	inbound := &umf.Message{ID: "req-1", Type: umf.TypeRequest, SessionID: sess.ID}

	reply, err := eng.Invoke(context.Background(), Request{CapabilityID: "cmd.version", Session: sess, Inbound: inbound})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, _ := reply.FirstText()
	if text != "v1.0.0" {
		t.Fatalf("reply text = %q, want v1.0.0", text)
	}
	if sess.InvocationCount() != 1 {
		t.Fatalf("expected invocation count 1, got %d", sess.InvocationCount())
	}
}

func TestEngine_CapNotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	sess := newTestSession(&principal.Principal{URN: "urn:x", Type: principal.TypeAnonymous}, principal.AssuranceNone)
	_, err := eng.Invoke(context.Background(), Request{CapabilityID: "cap.missing", Session: sess, Inbound: &umf.Message{ID: "req-1"}})
	if !isErrCode(err, ErrCapNotFound) {
		t.Fatalf("expected ErrCapNotFound, got %v", err)
	}
}

// TestEngine_S4 reproduces spec §8 scenario S4: an admin-only capability
// requested at MEDIUM assurance is denied by rule #4 and the substrate
// handler never runs.
func TestEngine_S4(t *testing.T) {
	eng, reg, pol := newTestEngine(t)
	pol.SetGlobalEnforcement(true)
	handlerRan := false
	desc := symbolicDescriptor("cap.configure")
	desc.RequiredPermissions = []string{"admin"}
	if err := reg.Register(desc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng.RegisterSymbolicHandler("cap.configure", func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
		handlerRan = true
		return umf.NewReply(inbound, newMessageID), nil
	})

	admin := &principal.Principal{URN: "urn:principal:org:acme:role:user:person:bob", Type: principal.TypeHuman, Scopes: []string{"admin"}}
	sess := newTestSession(admin, principal.AssuranceMedium)

	_, err := eng.Invoke(context.Background(), Request{CapabilityID: "cap.configure", Session: sess, Inbound: &umf.Message{ID: "req-1"}})
	if !isErrCode(err, ErrCapDenied) {
		t.Fatalf("expected ErrCapDenied, got %v", err)
	}
	if handlerRan {
		t.Fatal("expected substrate handler not to run when policy denies")
	}
}

func TestEngine_PreInvokeHookRunsOnceBeforeHandler(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	desc := symbolicDescriptor("cap.with_hooks")
	desc.Hooks.PreInvoke = []string{"cap.pre"}
	preDesc := symbolicDescriptor("cap.pre")
	if err := reg.Register(desc); err != nil {
		t.Fatalf("Register cap.with_hooks: %v", err)
	}
	if err := reg.Register(preDesc); err != nil {
		t.Fatalf("Register cap.pre: %v", err)
	}

	var order []string
	eng.RegisterSymbolicHandler("cap.pre", func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
		order = append(order, "pre")
		return umf.NewReply(inbound, newMessageID), nil
	})
	eng.RegisterSymbolicHandler("cap.with_hooks", func(ctx context.Context, args map[string]any, sess *session.Session, inbound *umf.Message) (*umf.Message, error) {
		order = append(order, "main")
		return umf.NewReply(inbound, newMessageID), nil
	})

	sysPrincipal := &principal.Principal{URN: "urn:principal:org:system:role:system:person:system", Type: principal.TypeSystem}
	sess := newTestSession(sysPrincipal, principal.AssuranceHigh)

	_, err := eng.Invoke(context.Background(), Request{CapabilityID: "cap.with_hooks", Session: sess, Inbound: &umf.Message{ID: "req-1"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(order) != 2 || order[0] != "pre" || order[1] != "main" {
		t.Fatalf("expected pre-hook before main handler, got %v", order)
	}
}

func isErrCode(err error, code ErrorCode) bool {
	ierr, ok := err.(*Error)
	return ok && ierr.Code == code
}
