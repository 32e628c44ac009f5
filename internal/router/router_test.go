package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// fakeTransport is a scriptable Transport stub for exercising the router's
// health-based failover without a real subprocess/socket/HTTP endpoint.
type fakeTransport struct {
	kind    TransportKind
	healthy atomic.Bool
	sendErr error
	sends   atomic.Int64
}

func newFakeTransport(kind TransportKind, healthy bool) *fakeTransport {
	t := &fakeTransport{kind: kind}
	t.healthy.Store(healthy)
	return t
}

func (t *fakeTransport) Kind() TransportKind            { return t.kind }
func (t *fakeTransport) Healthy(agentID string) bool     { return t.healthy.Load() }
func (t *fakeTransport) Close(agentID string) error      { return nil }
func (t *fakeTransport) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	t.sends.Add(1)
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	return umf.NewReply(msg, func() string { return "reply-" + msg.ID }), nil
}

func TestRouter_SendsOverFirstHealthyInPreference(t *testing.T) {
	r := NewRouter()
	direct := newFakeTransport(TransportDirect, true)
	stdio := newFakeTransport(TransportStdio, true)
	r.RegisterTransport(direct)
	r.RegisterTransport(stdio)
	r.RegisterManifest(AgentManifest{AgentID: "kstar-memory", Preference: []TransportKind{TransportDirect, TransportStdio}})

	reply, err := r.Send(context.Background(), "kstar-memory", &umf.Message{ID: "m1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.ReplyTo != "m1" {
		t.Fatalf("reply.ReplyTo = %q, want m1", reply.ReplyTo)
	}
	if direct.sends.Load() != 1 {
		t.Fatalf("expected direct transport used once, got %d", direct.sends.Load())
	}
	if stdio.sends.Load() != 0 {
		t.Fatalf("expected stdio transport unused, got %d sends", stdio.sends.Load())
	}
}

// TestRouter_S6 reproduces spec §8 scenario S6: direct healthy -> succeeds;
// then direct goes unhealthy -> falls over to stdio; then both unhealthy ->
// NO_TRANSPORT.
func TestRouter_S6(t *testing.T) {
	r := NewRouter()
	direct := newFakeTransport(TransportDirect, true)
	stdio := newFakeTransport(TransportStdio, true)
	r.RegisterTransport(direct)
	r.RegisterTransport(stdio)
	r.RegisterManifest(AgentManifest{AgentID: "kstar-memory", Preference: []TransportKind{TransportDirect, TransportStdio}})

	if _, err := r.Send(context.Background(), "kstar-memory", &umf.Message{ID: "m1"}); err != nil {
		t.Fatalf("first send over direct: %v", err)
	}

	direct.healthy.Store(false)
	reply, err := r.Send(context.Background(), "kstar-memory", &umf.Message{ID: "m2"})
	if err != nil {
		t.Fatalf("expected fallback to stdio to succeed: %v", err)
	}
	if reply.ReplyTo != "m2" {
		t.Fatalf("reply.ReplyTo = %q, want m2", reply.ReplyTo)
	}
	if stdio.sends.Load() != 1 {
		t.Fatalf("expected stdio used once after direct went unhealthy, got %d", stdio.sends.Load())
	}

	stdio.healthy.Store(false)
	_, err = r.Send(context.Background(), "kstar-memory", &umf.Message{ID: "m3"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport once all transports unhealthy, got %v", err)
	}
}

func TestRouter_FallsOverOnSendError(t *testing.T) {
	r := NewRouter()
	direct := newFakeTransport(TransportDirect, true)
	direct.sendErr = fmt.Errorf("connection reset")
	stdio := newFakeTransport(TransportStdio, true)
	r.RegisterTransport(direct)
	r.RegisterTransport(stdio)
	r.RegisterManifest(AgentManifest{AgentID: "agent-x", Preference: []TransportKind{TransportDirect, TransportStdio}})

	reply, err := r.Send(context.Background(), "agent-x", &umf.Message{ID: "m1"})
	if err != nil {
		t.Fatalf("expected fallback after transient send error, got %v", err)
	}
	if reply == nil {
		t.Fatal("expected non-nil reply from stdio fallback")
	}
	if direct.sends.Load() != 1 || stdio.sends.Load() != 1 {
		t.Fatalf("expected one attempt on each transport, got direct=%d stdio=%d", direct.sends.Load(), stdio.sends.Load())
	}
}

func TestRouter_DefaultPreferenceWhenNoManifest(t *testing.T) {
	r := NewRouter()
	sock := newFakeTransport(TransportSocket, true)
	r.RegisterTransport(sock)

	reply, err := r.Send(context.Background(), "unregistered-agent", &umf.Message{ID: "m1"})
	if err != nil {
		t.Fatalf("expected default preference order to reach socket transport, got %v", err)
	}
	if reply == nil {
		t.Fatal("expected reply")
	}
}

func TestRouter_NoTransportWhenNoneRegistered(t *testing.T) {
	r := NewRouter()
	_, err := r.Send(context.Background(), "agent-x", &umf.Message{ID: "m1"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}
