// Package pushbot implements the out-of-process push-notification bridge:
// a channel adapter that proxies to an external bot process over stdio-RPC
// or HTTP, bound to a principal through a one-time pairing code rather
// than a standing credential (spec §4.10). Pairing itself is not
// reimplemented here: the bridge holds a real internal/security/pairing
// Manager, the same challenge/ACL workflow chat-platform channels use for
// their unknown-user welcome flow.
package pushbot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/security/pairing"
	"github.com/p3394/exemplar-agent/internal/umf"
)

var _ channel.Adapter = (*Adapter)(nil)

var bridgeCapabilities = channel.ChannelCapabilities{
	SupportedContentTypes: []umf.ContentType{umf.ContentText, umf.ContentMarkdown, umf.ContentImage},
	MaxMessageBytes:       256 * 1024,
	SupportsStreaming:     false,
	SupportsRichCommands:  false,
}

// bridgeChannelType namespaces this adapter's pairing manager from chat
// channels sharing the same pairing package (pairing.GetKey keys managers
// by "type:chanID").
const bridgeChannelType = "push_bot"

const defaultWelcomeTemplate = "Pairing requested. Reply with your pairing code to bind this client.\n\n---\n<reqId:%s>"

// Config configures the pushbot bridge.
type Config struct {
	Transport string // "stdio" or "http"
	Endpoint  string // bot process HTTP base URL, when Transport == "http"

	// PairingCodeTTL is retained for config-schema compatibility; challenge
	// expiry is actually governed by the paired channel's
	// config.ChannelSecurityConfig (welcome window / max responses),
	// resolved through the shared pairing.Manager below.
	PairingCodeTTL time.Duration
}

// Adapter proxies messages to/from an out-of-process bot daemon and runs
// the pairing handshake that binds a new client reference to a principal.
type Adapter struct {
	channel.BaseAdapter

	cfg     Config
	handler channel.InboundHandler
	client  *http.Client
	pairing *pairing.Manager
}

// New returns a pushbot Adapter.
func New(id string, cfg Config) *Adapter {
	if cfg.PairingCodeTTL <= 0 {
		cfg.PairingCodeTTL = 5 * time.Minute
	}
	a := &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		pairing: pairing.Get(pairing.GetKey(bridgeChannelType, id)),
	}
	a.AdapterID = id
	a.Caps = bridgeCapabilities
	return a
}

// pairingChatKey gives clientRef its own ACL bucket: pushbot clients pair
// one-to-one rather than many-users-per-room, so the chat key and the
// allowed user ID both resolve to the same client reference.
func pairingChatKey(clientRef string) string {
	return "user:" + clientRef
}

// IssuePairingCode starts (or re-evaluates) the pairing handshake for
// clientRef, returning the challenge to present back to it. Mirrors a chat
// channel's unknown-user welcome flow (internal/security/pairing).
func (a *Adapter) IssuePairingCode(clientRef string) (pairing.Challenge, error) {
	decision, err := a.pairing.EvaluateUnknownUser(clientRef, defaultWelcomeTemplate)
	if err != nil {
		return pairing.Challenge{}, fmt.Errorf("pushbot: %w", err)
	}
	if !decision.Respond {
		return pairing.Challenge{}, fmt.Errorf("pushbot: pairing is silenced or rate-limited for %s", clientRef)
	}
	return decision.Challenge, nil
}

// ConfirmPairing verifies code against the challenge issued for clientRef
// and, on success, grants it standing access under this bridge's ACL.
func (a *Adapter) ConfirmPairing(clientRef, code string) error {
	if _, err := a.pairing.VerifyCode(clientRef, code); err != nil {
		return fmt.Errorf("pushbot: %w", err)
	}
	if _, err := a.pairing.GrantACL(pairingChatKey(clientRef), clientRef); err != nil {
		return fmt.Errorf("pushbot: grant acl: %w", err)
	}
	return nil
}

func (a *Adapter) AuthenticateClient(_ context.Context, raw any) (channel.ClientIdentity, error) {
	clientRef, _ := raw.(string)
	clientRef = strings.TrimSpace(clientRef)
	if clientRef == "" {
		return channel.ClientIdentity{}, fmt.Errorf("pushbot: empty client reference")
	}
	allowed, err := a.pairing.IsAllowed(pairingChatKey(clientRef), clientRef)
	if err != nil || !allowed {
		return channel.ClientIdentity{}, fmt.Errorf("pushbot: client %s is not paired", clientRef)
	}
	return channel.ClientIdentity{ChannelIdentity: clientRef, Assurance: "MEDIUM"}, nil
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	a.handler = handler
	logs.CtxInfo(ctx, "[channel:pushbot] ready over %s bridge", a.cfg.Transport)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error { return nil }

// Deliver is called by the bridge process (over whichever transport it
// used to reach this adapter) with an inbound message from its platform.
func (a *Adapter) Deliver(ctx context.Context, clientRef string, msg *umf.Message) (*umf.Message, error) {
	ident, err := a.AuthenticateClient(ctx, clientRef)
	if err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	msg.Metadata["client_identity"] = ident.ChannelIdentity
	msg.Metadata["assurance"] = ident.Assurance

	reply, err := a.handler(ctx, msg)
	if err != nil {
		return nil, err
	}
	channel.AdaptContent(reply, a.Caps)
	return reply, nil
}

// SendToClient pushes a notification through the bridge to clientID
// (a bound client reference), over HTTP when configured for it.
func (a *Adapter) SendToClient(ctx context.Context, clientID string, msg *umf.Message) error {
	if a.cfg.Transport != "http" || a.cfg.Endpoint == "" {
		return channel.ErrUnsupportedOperation
	}

	payload, err := umf.Encode(msg)
	if err != nil {
		return err
	}
	url := strings.TrimRight(a.cfg.Endpoint, "/") + "/push/" + clientID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pushbot: bridge returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) GetEndpoints() []channel.Endpoint {
	return []channel.Endpoint{{Path: a.cfg.Endpoint, Description: fmt.Sprintf("push bridge (%s)", a.cfg.Transport)}}
}
