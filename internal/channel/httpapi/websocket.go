package httpapi

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/network"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/gorilla/websocket"

	"github.com/p3394/exemplar-agent/internal/pkg/logs"
	"github.com/p3394/exemplar-agent/internal/umf"
)

const wsMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handleWebSocket upgrades the request by hand (hertz has no built-in
// websocket support) and hands the hijacked connection to gorilla's
// low-level Conn wrapper, then streams UMF JSON frames bidirectionally.
func (a *Adapter) handleWebSocket(ctx context.Context, c *app.RequestContext) {
	key := string(c.GetHeader("Sec-WebSocket-Key"))
	if key == "" || !strings.EqualFold(string(c.GetHeader("Upgrade")), "websocket") {
		c.AbortWithStatus(consts.StatusBadRequest)
		return
	}

	ident, err := a.AuthenticateClient(ctx, c)
	if err != nil {
		c.AbortWithStatus(consts.StatusUnauthorized)
		return
	}

	accept := computeWSAccept(key)
	c.Hijack(func(conn network.Conn) {
		handshake := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
		if _, err := conn.Write([]byte(handshake)); err != nil {
			logs.Warn("[channel:httpapi] ws handshake write failed: %v", err)
			return
		}

		wsConn := websocket.NewConn(conn, true, 4096, 4096)
		clientID := ident.ChannelIdentity + ":" + wsConn.RemoteAddr().String()

		a.clientsMu.Lock()
		a.wsClients[clientID] = wsConn
		a.clientsMu.Unlock()
		defer func() {
			a.clientsMu.Lock()
			delete(a.wsClients, clientID)
			a.clientsMu.Unlock()
			_ = wsConn.Close()
		}()

		for {
			_, payload, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := umf.Decode(payload)
			if err != nil {
				continue
			}
			if msg.Metadata == nil {
				msg.Metadata = map[string]string{}
			}
			msg.Metadata["client_identity"] = ident.ChannelIdentity
			msg.Metadata["assurance"] = ident.Assurance

			reply, hErr := a.handler(ctx, msg)
			if hErr != nil {
				reply = umf.NewError(msg, uuidNew, "INTERNAL", hErr.Error())
			}
			out, err := umf.Encode(reply)
			if err != nil {
				continue
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	})
}

func computeWSAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsMagic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
