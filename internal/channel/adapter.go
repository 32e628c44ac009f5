package channel

import (
	"context"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// InboundHandler is how an Adapter hands a decoded inbound UMF message to
// the gateway core for processing.
type InboundHandler func(ctx context.Context, msg *umf.Message) (*umf.Message, error)

// ClientIdentity is what an Adapter resolved about the connecting party
// before any principal/binding resolution runs.
type ClientIdentity struct {
	ChannelIdentity string // the raw external subject (socket peer, api key, OAuth subject)
	Assurance       string // hint for principal.Assurance; the gateway maps this to the enum
}

// Endpoint describes one network surface an Adapter exposes, for manifest
// responses and health checks.
type Endpoint struct {
	Path        string
	Description string
}

// Adapter is a UMF-native channel: something that accepts messages from
// one kind of client, adapts their content to what this channel can carry,
// and relays replies back out (spec §4.9/§4.10). This coexists with, and
// does not replace, the legacy Channel interface used by internal/agent
// and internal/cronjob.
type Adapter interface {
	ID() string
	Capabilities() ChannelCapabilities

	// AuthenticateClient resolves whatever raw credential the transport
	// carried (socket peer uid, bearer token, OAuth subject) into a
	// ClientIdentity the gateway can bind to a principal.
	AuthenticateClient(ctx context.Context, raw any) (ClientIdentity, error)

	Start(ctx context.Context, handler InboundHandler) error
	Stop(ctx context.Context) error

	// SendToClient pushes an out-of-band message to a specific connected
	// client (used for notifications and cron-triggered replies rather
	// than direct request/response).
	SendToClient(ctx context.Context, clientID string, msg *umf.Message) error

	GetEndpoints() []Endpoint

	// NormalizeCommand maps a channel-native command syntax (e.g. a
	// terminal "/help" line, an HTTP "GET /help" route) to a bare
	// capability command alias.
	NormalizeCommand(raw string) (alias string, args map[string]any)
}

// BaseAdapter carries the fields common to every Adapter implementation,
// to be embedded rather than reimplemented per adapter.
type BaseAdapter struct {
	AdapterID string
	Caps      ChannelCapabilities
}

func (b *BaseAdapter) ID() string                         { return b.AdapterID }
func (b *BaseAdapter) Capabilities() ChannelCapabilities   { return b.Caps }
func (b *BaseAdapter) GetEndpoints() []Endpoint            { return nil }
func (b *BaseAdapter) NormalizeCommand(raw string) (string, map[string]any) {
	return normalizeSlashCommand(raw)
}

func normalizeSlashCommand(raw string) (string, map[string]any) {
	s := raw
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	if s == "" {
		return "", nil
	}
	fields := splitFields(s)
	if len(fields) == 0 {
		return "", nil
	}
	alias := fields[0]
	if len(fields) == 1 {
		return alias, nil
	}
	return alias, map[string]any{"argv": fields[1:]}
}

func splitFields(s string) []string {
	var fields []string
	cur := make([]rune, 0, len(s))
	flush := func() {
		if len(cur) > 0 {
			fields = append(fields, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return fields
}
