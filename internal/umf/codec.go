package umf

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// DecodeErrorKind classifies a failed Decode, mirroring spec §4.1/§7.
type DecodeErrorKind string

const (
	DecodeInvalid     DecodeErrorKind = "DECODE_INVALID"
	DecodeUnsupported DecodeErrorKind = "DECODE_UNSUPPORTED"
)

// DecodeError is returned by Decode on malformed or unsupported input.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// wireContentBlock is the forward-compatible JSON shape of ContentBlock:
// unknown keys of a block are dropped on decode, while every key inside its
// metadata map is kept.
type wireContentBlock struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	JSONData   any               `json:"json,omitempty"`
	DataB64    string            `json:"data,omitempty"`
	FileName   string            `json:"filename,omitempty"`
	ToolCall   *ToolCallRecord   `json:"tool_call,omitempty"`
	ToolResult *ToolResultRecord `json:"tool_result,omitempty"`
	Folder     []string          `json:"folder,omitempty"`
	MIMEType   string            `json:"mime_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type wireAddress struct {
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type wireMessage struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Timestamp    string             `json:"timestamp"`
	Source       *wireAddress       `json:"source,omitempty"`
	Destination  *wireAddress       `json:"destination,omitempty"`
	ReplyTo      string             `json:"reply_to,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Conversation string             `json:"conversation_id,omitempty"`
	Content      []wireContentBlock `json:"content"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

var supportedContentTypes = map[ContentType]bool{
	ContentText: true, ContentJSON: true, ContentMarkdown: true, ContentHTML: true,
	ContentBinary: true, ContentImage: true, ContentFile: true,
	ContentToolCall: true, ContentToolResult: true, ContentFolder: true,
}

// Encode serializes a Message to its JSON wire form. Binary content carries
// its payload base64-wrapped in the "data" field (spec §4.1, §6).
func Encode(msg *Message) ([]byte, error) {
	w := wireMessage{
		ID:           msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp.Format(timeLayout),
		ReplyTo:      msg.ReplyTo,
		SessionID:    msg.SessionID,
		Conversation: msg.Conversation,
		Metadata:     msg.Metadata,
	}
	if msg.Source != nil {
		w.Source = &wireAddress{AgentID: msg.Source.AgentID, ChannelID: msg.Source.ChannelID, SessionID: msg.Source.SessionID}
	}
	if msg.Destination != nil {
		w.Destination = &wireAddress{AgentID: msg.Destination.AgentID, ChannelID: msg.Destination.ChannelID, SessionID: msg.Destination.SessionID}
	}
	w.Content = make([]wireContentBlock, 0, len(msg.Content))
	for _, c := range msg.Content {
		wc := wireContentBlock{
			Type:     string(c.Type),
			MIMEType: c.MIMEType,
			Metadata: c.Metadata,
		}
		switch c.Type {
		case ContentText, ContentMarkdown, ContentHTML:
			wc.Text = c.Text
		case ContentJSON:
			wc.JSONData = c.JSONData
		case ContentBinary, ContentImage, ContentFile:
			if c.Binary != nil {
				wc.DataB64 = base64.StdEncoding.EncodeToString(c.Binary.Data)
				wc.FileName = c.Binary.FileName
			}
		case ContentToolCall:
			wc.ToolCall = c.ToolCall
		case ContentToolResult:
			wc.ToolResult = c.ToolResult
		case ContentFolder:
			wc.Folder = c.Folder
		}
		w.Content = append(w.Content, wc)
	}

	out, err := sonic.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode umf: %w", err)
	}
	return out, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Decode parses a wire-form UMF message. It accepts unknown top-level and
// metadata keys for forward compatibility (spec §4.1) but fails with
// DecodeInvalid on missing/malformed required fields and DecodeUnsupported
// on an unrecognized content-block type.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Kind: DecodeInvalid, Field: "<root>", Cause: err}
	}

	if w.ID == "" {
		return nil, &DecodeError{Kind: DecodeInvalid, Field: "id"}
	}
	if w.Type == "" {
		return nil, &DecodeError{Kind: DecodeInvalid, Field: "type"}
	}
	msgType := Type(w.Type)
	switch msgType {
	case TypeRequest, TypeResponse, TypeNotification, TypeError:
	default:
		return nil, &DecodeError{Kind: DecodeInvalid, Field: "type", Cause: fmt.Errorf("unknown type %q", w.Type)}
	}

	ts := time.Now().UTC()
	if w.Timestamp != "" {
		parsed, err := time.Parse(timeLayout, w.Timestamp)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeInvalid, Field: "timestamp", Cause: err}
		}
		ts = parsed
	}

	msg := &Message{
		ID:           w.ID,
		Type:         msgType,
		Timestamp:    ts,
		ReplyTo:      w.ReplyTo,
		SessionID:    w.SessionID,
		Conversation: w.Conversation,
		Metadata:     w.Metadata,
	}
	if w.Source != nil {
		msg.Source = &Address{AgentID: w.Source.AgentID, ChannelID: w.Source.ChannelID, SessionID: w.Source.SessionID}
	}
	if w.Destination != nil {
		msg.Destination = &Address{AgentID: w.Destination.AgentID, ChannelID: w.Destination.ChannelID, SessionID: w.Destination.SessionID}
	}

	msg.Content = make([]ContentBlock, 0, len(w.Content))
	for i, wc := range w.Content {
		ct := ContentType(wc.Type)
		if !supportedContentTypes[ct] {
			return nil, &DecodeError{Kind: DecodeUnsupported, Field: fmt.Sprintf("content[%d].type", i), Cause: fmt.Errorf("unknown content type %q", wc.Type)}
		}
		block := ContentBlock{Type: ct, MIMEType: wc.MIMEType, Metadata: wc.Metadata}
		switch ct {
		case ContentText, ContentMarkdown, ContentHTML:
			block.Text = wc.Text
		case ContentJSON:
			block.JSONData = wc.JSONData
		case ContentBinary, ContentImage, ContentFile:
			raw, err := base64.StdEncoding.DecodeString(wc.DataB64)
			if err != nil {
				return nil, &DecodeError{Kind: DecodeInvalid, Field: fmt.Sprintf("content[%d].data", i), Cause: err}
			}
			block.Binary = &BinaryPayload{Data: raw, FileName: wc.FileName}
		case ContentToolCall:
			if wc.ToolCall == nil {
				return nil, &DecodeError{Kind: DecodeInvalid, Field: fmt.Sprintf("content[%d].tool_call", i)}
			}
			block.ToolCall = wc.ToolCall
		case ContentToolResult:
			if wc.ToolResult == nil {
				return nil, &DecodeError{Kind: DecodeInvalid, Field: fmt.Sprintf("content[%d].tool_result", i)}
			}
			block.ToolResult = wc.ToolResult
		case ContentFolder:
			block.Folder = wc.Folder
		}
		msg.Content = append(msg.Content, block)
	}

	return msg, nil
}
