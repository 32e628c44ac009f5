// Package httpapi implements the HTTP channel surface: the native UMF API
// (manifest/messages/websocket), the Anthropic-Messages-shaped LLM-
// compatible API, and the agent-to-agent manifest/RPC API, all served from
// one hertz listener (spec §4.10).
package httpapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

var _ channel.Adapter = (*Adapter)(nil)

// nativeCapabilities is what the native UMF HTTP API carries: the full
// content-type set, since the caller is expected to speak UMF directly.
var nativeCapabilities = channel.ChannelCapabilities{
	SupportedContentTypes: []umf.ContentType{
		umf.ContentText, umf.ContentJSON, umf.ContentMarkdown, umf.ContentHTML,
		umf.ContentBinary, umf.ContentImage, umf.ContentFile,
		umf.ContentToolCall, umf.ContentToolResult, umf.ContentFolder,
	},
	MaxMessageBytes:      10 * 1024 * 1024,
	SupportsStreaming:    true,
	SupportsRichCommands: true,
}

// Config configures the HTTP channel adapter.
type Config struct {
	Bind          string
	APIKeys       []string
	LLMCompat     bool
	AgentRPC      bool
	CharsPerToken float64
}

// Adapter serves manifest/messages/ws natively, plus (when enabled) the
// LLM-compatible and agent-to-agent surfaces, from a single hertz server.
type Adapter struct {
	channel.BaseAdapter

	cfg     Config
	handler channel.InboundHandler
	srv     *server.Hertz

	clientsMu sync.RWMutex
	wsClients map[string]*websocket.Conn

	commands []CommandDescriptor
}

// CommandDescriptor is one generated GET /{command} route's metadata,
// supplied by the gateway from the capability catalog.
type CommandDescriptor struct {
	Alias       string
	Description string
}

// New returns an httpapi Adapter. commands seeds the generated GET routes
// and the manifest's command list.
func New(id string, cfg Config, commands []CommandDescriptor) *Adapter {
	a := &Adapter{cfg: cfg, wsClients: map[string]*websocket.Conn{}, commands: commands}
	a.AdapterID = id
	a.Caps = nativeCapabilities
	return a
}

func (a *Adapter) AuthenticateClient(_ context.Context, raw any) (channel.ClientIdentity, error) {
	c, ok := raw.(*app.RequestContext)
	if !ok {
		return channel.ClientIdentity{}, fmt.Errorf("httpapi: unexpected auth context %T", raw)
	}
	auth := string(c.GetHeader("Authorization"))
	key := strings.TrimPrefix(auth, "Bearer ")
	if len(a.cfg.APIKeys) == 0 {
		return channel.ClientIdentity{ChannelIdentity: "anonymous", Assurance: "NONE"}, nil
	}
	for _, valid := range a.cfg.APIKeys {
		if key != "" && key == valid {
			return channel.ClientIdentity{ChannelIdentity: "api_key:" + key, Assurance: "MEDIUM"}, nil
		}
	}
	return channel.ClientIdentity{}, fmt.Errorf("httpapi: invalid or missing api key")
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	a.handler = handler
	a.srv = server.Default(server.WithHostPorts(a.cfg.Bind))

	a.srv.GET("/manifest", a.handleManifest)
	a.srv.POST("/messages", a.handleMessages)
	a.srv.GET("/ws", a.handleWebSocket)

	if a.cfg.LLMCompat {
		a.srv.POST("/v1/messages", a.handleLLMCompat)
	}
	if a.cfg.AgentRPC {
		a.srv.GET("/agent/manifest", a.handleAgentManifest)
	}
	for _, cmd := range a.commands {
		alias := cmd.Alias
		a.srv.GET("/"+alias, func(c context.Context, rc *app.RequestContext) {
			a.handleGeneratedCommand(c, rc, alias)
		})
	}

	go a.srv.Spin()
	logs.CtxInfo(ctx, "[channel:httpapi] listening on %s", a.cfg.Bind)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *Adapter) handleManifest(_ context.Context, c *app.RequestContext) {
	type manifestCmd struct {
		Alias       string `json:"alias"`
		Description string `json:"description"`
	}
	cmds := make([]manifestCmd, 0, len(a.commands))
	for _, cmd := range a.commands {
		cmds = append(cmds, manifestCmd{Alias: cmd.Alias, Description: cmd.Description})
	}
	c.JSON(consts.StatusOK, map[string]any{
		"channel_id":   a.AdapterID,
		"capabilities": a.Caps.SupportedContentTypes,
		"commands":     cmds,
		"endpoints":    a.GetEndpoints(),
	})
}

func (a *Adapter) handleMessages(ctx context.Context, c *app.RequestContext) {
	ident, err := a.AuthenticateClient(ctx, c)
	if err != nil {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	msg, err := umf.Decode(c.GetRequest().Body())
	if err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	msg.Metadata["client_identity"] = ident.ChannelIdentity
	msg.Metadata["assurance"] = ident.Assurance

	reply, err := a.handler(ctx, msg)
	if err != nil {
		reply = umf.NewError(msg, uuidNew, "INTERNAL", err.Error())
	}
	channel.AdaptContent(reply, a.Caps)

	payload, err := umf.Encode(reply)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.SetStatusCode(consts.StatusOK)
	c.SetContentType("application/json")
	c.Response.SetBody(payload)
}

func (a *Adapter) handleAgentManifest(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{
		"channel_id": a.AdapterID,
		"channels":   []string{a.AdapterID},
		"commands":   a.commands,
	})
}

func (a *Adapter) handleGeneratedCommand(ctx context.Context, c *app.RequestContext, alias string) {
	ident, err := a.AuthenticateClient(ctx, c)
	if err != nil {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	req := umf.Message{
		ID:      uuidNew(),
		Type:    umf.TypeRequest,
		Content: []umf.ContentBlock{{Type: umf.ContentText, Text: "/" + alias}},
		Metadata: map[string]string{
			"client_identity": ident.ChannelIdentity,
			"assurance":       ident.Assurance,
		},
	}
	reply, err := a.handler(ctx, &req)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	text, _ := reply.FirstText()
	c.JSON(consts.StatusOK, map[string]string{"content": text})
}

func (a *Adapter) SendToClient(_ context.Context, clientID string, msg *umf.Message) error {
	a.clientsMu.RLock()
	conn, ok := a.wsClients[clientID]
	a.clientsMu.RUnlock()
	if !ok {
		return fmt.Errorf("httpapi: no connected ws client %s", clientID)
	}
	payload, err := umf.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *Adapter) GetEndpoints() []channel.Endpoint {
	eps := []channel.Endpoint{
		{Path: "GET /manifest", Description: "channel capability + command manifest"},
		{Path: "POST /messages", Description: "native UMF request/response"},
		{Path: "GET /ws", Description: "native UMF streaming over websocket"},
	}
	if a.cfg.LLMCompat {
		eps = append(eps, channel.Endpoint{Path: "POST /v1/messages", Description: "Anthropic-Messages-compatible API"})
	}
	if a.cfg.AgentRPC {
		eps = append(eps, channel.Endpoint{Path: "GET /agent/manifest", Description: "agent-to-agent discovery manifest"})
	}
	return eps
}

func uuidNew() string { return uuid.NewString() }
