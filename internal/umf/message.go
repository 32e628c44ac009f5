// Package umf implements the Universal Message Format: the canonical
// envelope every channel adapter, the gateway core, and the outbound
// router exchange instead of a protocol-specific payload.
package umf

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Type is the coarse classification of a UMF envelope.
type Type string

const (
	TypeRequest      Type = "REQUEST"
	TypeResponse     Type = "RESPONSE"
	TypeNotification Type = "NOTIFICATION"
	TypeError        Type = "ERROR"
)

// ContentType identifies the shape of a ContentBlock's Data field.
type ContentType string

const (
	ContentText       ContentType = "TEXT"
	ContentJSON       ContentType = "JSON"
	ContentMarkdown   ContentType = "MARKDOWN"
	ContentHTML       ContentType = "HTML"
	ContentBinary     ContentType = "BINARY"
	ContentImage      ContentType = "IMAGE"
	ContentFile       ContentType = "FILE"
	ContentToolCall   ContentType = "TOOL_CALL"
	ContentToolResult ContentType = "TOOL_RESULT"
	ContentFolder     ContentType = "FOLDER"
)

// Address is the triple (agent_id, channel_id, session_id) serialized to
// p3394://{agent_id}[/{channel_id}][?session={session_id}].
type Address struct {
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// String renders the address as a p3394:// URI.
func (a Address) String() string {
	if a.AgentID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("p3394://")
	b.WriteString(a.AgentID)
	if a.ChannelID != "" {
		b.WriteString("/")
		b.WriteString(a.ChannelID)
	}
	if a.SessionID != "" {
		b.WriteString("?session=")
		b.WriteString(url.QueryEscape(a.SessionID))
	}
	return b.String()
}

// ParseAddress parses a p3394:// URI back into an Address.
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return Address{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	if u.Scheme != "p3394" {
		return Address{}, fmt.Errorf("parse address: unsupported scheme %q", u.Scheme)
	}
	addr := Address{
		AgentID:   u.Host,
		SessionID: u.Query().Get("session"),
	}
	addr.ChannelID = strings.Trim(u.Path, "/")
	return addr, nil
}

// ToolCallRecord is the structured payload of a TOOL_CALL content block.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultRecord is the structured payload of a TOOL_RESULT content block.
type ToolResultRecord struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// BinaryPayload backs BINARY/IMAGE/FILE content blocks.
type BinaryPayload struct {
	Data     []byte `json:"data"`
	FileName string `json:"filename,omitempty"`
}

// ContentBlock is one unit of message content. Exactly one of the Text*,
// Binary, or ToolCall*/ToolResult* fields is populated depending on Type.
type ContentBlock struct {
	Type ContentType `json:"type"`

	// Text holds the payload for TEXT/MARKDOWN/HTML content.
	Text string `json:"text,omitempty"`
	// JSONData holds the payload for JSON content.
	JSONData any `json:"json,omitempty"`
	// Binary holds the payload for BINARY/IMAGE/FILE content.
	Binary *BinaryPayload `json:"binary,omitempty"`
	// ToolCall holds the payload for TOOL_CALL content.
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
	// ToolResult holds the payload for TOOL_RESULT content.
	ToolResult *ToolResultRecord `json:"tool_result,omitempty"`
	// Folder holds filenames for FOLDER content.
	Folder []string `json:"folder,omitempty"`

	MIMEType string            `json:"mime_type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Size estimates the on-wire byte size of the block's payload, used for
// channel max-size / max-attachment-size enforcement.
func (b ContentBlock) Size() int {
	switch b.Type {
	case ContentBinary, ContentImage, ContentFile:
		if b.Binary != nil {
			return len(b.Binary.Data)
		}
		return 0
	case ContentFolder:
		n := 0
		for _, f := range b.Folder {
			n += len(f)
		}
		return n
	default:
		return len(b.Text)
	}
}

// Message is the canonical envelope. See spec §3.
type Message struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       *Address          `json:"source,omitempty"`
	Destination  *Address          `json:"destination,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Conversation string            `json:"conversation_id,omitempty"`
	Content      []ContentBlock    `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// FirstText returns the text of the first TEXT/MARKDOWN content block, if any.
func (m *Message) FirstText() (string, bool) {
	for _, c := range m.Content {
		if c.Type == ContentText || c.Type == ContentMarkdown {
			return c.Text, true
		}
	}
	return "", false
}

// NewReply constructs an empty RESPONSE UMF answering req, with ReplyTo and
// SessionID populated per the spec §3 invariant.
func NewReply(req *Message, idGen func() string) *Message {
	return &Message{
		ID:        idGen(),
		Type:      TypeResponse,
		Timestamp: time.Now(),
		ReplyTo:   req.ID,
		SessionID: req.SessionID,
		Metadata:  map[string]string{},
	}
}

// NewError constructs an ERROR UMF answering req carrying a machine code and
// human-readable message (spec §7).
func NewError(req *Message, idGen func() string, code, message string) *Message {
	msg := NewReply(req, idGen)
	msg.Type = TypeError
	msg.Metadata["error_code"] = code
	msg.Content = []ContentBlock{{Type: ContentText, Text: message}}
	return msg
}
