package httpapi

import (
	"context"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// anthropicRequest is the subset of the Anthropic Messages API request
// shape this channel accepts.
type anthropicRequest struct {
	Model     string             `json:"model"`
	Stream    bool               `json:"stream"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   anthropicUsage  `json:"usage"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// handleLLMCompat answers POST /v1/messages in the Anthropic-Messages
// shape, translating the last user turn into a UMF request dispatched
// through the same handler as the native API, then rendering the UMF
// reply back as an Anthropic-shaped response (or an SSE stream of one).
func (a *Adapter) handleLLMCompat(ctx context.Context, c *app.RequestContext) {
	ident, err := a.AuthenticateClient(ctx, c)
	if err != nil {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	var req anthropicRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "messages required"})
		return
	}

	last := req.Messages[len(req.Messages)-1]
	umfReq := &umf.Message{
		ID:      uuidNew(),
		Type:    umf.TypeRequest,
		Content: []umf.ContentBlock{{Type: umf.ContentText, Text: last.Content}},
		Metadata: map[string]string{
			"client_identity": ident.ChannelIdentity,
			"assurance":       ident.Assurance,
			"llm_compat":      "true",
		},
	}

	reply, err := a.handler(ctx, umfReq)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	text, _ := reply.FirstText()

	charsPerToken := a.cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	resp := anthropicResponse{
		ID:      umfReq.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   req.Model,
		Content: []anthropicBlock{{Type: "text", Text: text}},
		Usage: anthropicUsage{
			InputTokens:  estimateTokens(last.Content, charsPerToken),
			OutputTokens: estimateTokens(text, charsPerToken),
		},
	}

	if !req.Stream {
		c.JSON(consts.StatusOK, resp)
		return
	}

	streamSSE(c, resp)
}

func estimateTokens(s string, charsPerToken float64) int {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return int(math.Ceil(float64(len(s)) / charsPerToken))
}

// streamSSE renders resp as the sequence of SSE frames the Anthropic
// streaming API uses: message_start, one content_block_start/delta/stop,
// then message_stop.
func streamSSE(c *app.RequestContext, resp anthropicResponse) {
	c.SetContentType("text/event-stream")
	c.SetStatusCode(consts.StatusOK)

	write := func(event string, data any) {
		body, _ := sonic.Marshal(data)
		frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event, body)
		c.Response.AppendBody([]byte(frame))
	}

	write("message_start", map[string]any{"type": "message_start", "message": resp})
	write("content_block_start", map[string]any{"type": "content_block_start", "index": 0, "content_block": map[string]string{"type": "text", "text": ""}})

	text := ""
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}
	write("content_block_delta", map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]string{"type": "text_delta", "text": text}})
	write("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	write("message_delta", map[string]any{"type": "message_delta", "delta": map[string]string{"stop_reason": "end_turn"}, "usage": resp.Usage})
	write("message_stop", map[string]any{"type": "message_stop"})
}
