// Package terminal implements the local unix-domain-socket channel
// adapter: one newline-delimited JSON object per line, `{"text": "..."}`
// inbound and `{"type":"response"|"error","message_id","session_id","text"}`
// outbound, used by the "p3394agent msg" CLI and any other local process on
// the host.
package terminal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/p3394/exemplar-agent/internal/channel"
	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

var _ channel.Adapter = (*Adapter)(nil)

// localCapabilities is what the terminal channel carries: plain text and
// markdown only, capped to a generous 100 KiB per spec's local-trust model.
var localCapabilities = channel.ChannelCapabilities{
	SupportedContentTypes: []umf.ContentType{umf.ContentText, umf.ContentMarkdown},
	MaxMessageBytes:       100 * 1024,
	SupportsStreaming:     false,
	SupportsRichCommands:  true,
}

// inboundLine is the wire shape of one line a terminal client sends.
type inboundLine struct {
	Text string `json:"text"`
}

// outboundLine is the wire shape of one line the adapter replies with.
type outboundLine struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Adapter serves this line protocol over a unix domain socket at
// SocketPath. Every connecting peer authenticates as local:{os_user} at
// HIGH assurance, since reaching the socket at all already implies local
// filesystem access equivalent to the running OS user. Each connection
// gets one session, reused across every line sent on it.
type Adapter struct {
	channel.BaseAdapter

	SocketPath string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a terminal Adapter listening on socketPath.
func New(id, socketPath string) *Adapter {
	a := &Adapter{SocketPath: socketPath}
	a.AdapterID = id
	a.Caps = localCapabilities
	return a
}

func (a *Adapter) AuthenticateClient(_ context.Context, _ any) (channel.ClientIdentity, error) {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return channel.ClientIdentity{ChannelIdentity: "local:" + user, Assurance: "HIGH"}, nil
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	_ = os.Remove(a.SocketPath)

	ln, err := net.Listen("unix", a.SocketPath)
	if err != nil {
		return fmt.Errorf("terminal: listen %s: %w", a.SocketPath, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					logs.CtxWarn(ctx, "[channel:terminal] accept failed: %v", err)
					return
				}
			}
			go a.serveConn(ctx, conn, handler)
		}
	}()

	logs.CtxInfo(ctx, "[channel:terminal] listening on %s", a.SocketPath)
	return nil
}

func (a *Adapter) serveConn(ctx context.Context, conn net.Conn, handler channel.InboundHandler) {
	defer conn.Close()

	sessionID := uuid.NewString()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			a.handleLine(ctx, conn, handler, sessionID, trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, conn net.Conn, handler channel.InboundHandler, sessionID string, line []byte) {
	var in inboundLine
	if err := sonic.Unmarshal(line, &in); err != nil {
		a.writeOutbound(conn, outboundLine{Type: "error", MessageID: newID(), SessionID: sessionID, Text: "DECODE_INVALID: " + err.Error()})
		return
	}

	ident, _ := a.AuthenticateClient(ctx, conn)
	msg := &umf.Message{
		ID:        newID(),
		Type:      umf.TypeRequest,
		SessionID: sessionID,
		Content:   []umf.ContentBlock{{Type: umf.ContentText, Text: in.Text}},
		Metadata: map[string]string{
			"client_identity": ident.ChannelIdentity,
			"assurance":       ident.Assurance,
		},
	}

	reply, hErr := handler(ctx, msg)
	if hErr != nil {
		reply = umf.NewError(msg, newID, "INTERNAL", hErr.Error())
	}
	channel.AdaptContent(reply, localCapabilities)

	outType := "response"
	if reply.Type == umf.TypeError {
		outType = "error"
	}
	text, _ := reply.FirstText()
	a.writeOutbound(conn, outboundLine{Type: outType, MessageID: reply.ID, SessionID: reply.SessionID, Text: text})
}

func (a *Adapter) writeOutbound(conn net.Conn, out outboundLine) {
	payload, err := sonic.Marshal(out)
	if err != nil {
		logs.Warn("[channel:terminal] encode reply failed: %v", err)
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		logs.Warn("[channel:terminal] write reply failed: %v", err)
	}
}

func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.wg.Wait()
	_ = os.Remove(a.SocketPath)
	return nil
}

// SendToClient is unsupported: the terminal channel only replies inline
// to the connection that sent the request.
func (a *Adapter) SendToClient(_ context.Context, _ string, _ *umf.Message) error {
	return channel.ErrUnsupportedOperation
}

func (a *Adapter) GetEndpoints() []channel.Endpoint {
	return []channel.Endpoint{{Path: a.SocketPath, Description: "unix domain socket, newline-delimited JSON (text in, response/error out)"}}
}

func newID() string { return uuid.NewString() }
