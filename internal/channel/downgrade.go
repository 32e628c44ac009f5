package channel

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// droppedContentEntry is one element of the metadata.dropped_content JSON
// array recorded by AdaptContent: what type of block was downgraded, which
// file (if any) it named, why, and what the caller might do about it.
type droppedContentEntry struct {
	Type       string `json:"type"`
	Filename   string `json:"filename,omitempty"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion,omitempty"`
}

type dropReason struct {
	reason     string
	suggestion string
}

// dropReasons lists the content types AdaptContent knows how to describe in
// text when a channel can't carry them natively (spec §4.9's adaptation
// table), plus why and, for a few, what the caller could do instead.
var dropReasons = map[umf.ContentType]dropReason{
	umf.ContentImage:      {reason: "channel lacks image support"},
	umf.ContentFile:       {reason: "channel lacks attachments", suggestion: "use web interface"},
	umf.ContentBinary:     {reason: "channel lacks binary attachment support"},
	umf.ContentHTML:       {reason: "channel lacks HTML rendering"},
	umf.ContentFolder:     {reason: "channel lacks folder attachment support"},
	umf.ContentToolCall:   {reason: "channel lacks tool-call rendering"},
	umf.ContentToolResult: {reason: "channel lacks tool-result rendering"},
}

// AdaptContent rewrites msg's content blocks so every block's type is one
// caps supports. A block the channel can't carry is folded into the
// nearest preceding TEXT/MARKDOWN block as a bracketed description (or a
// new one is created if none precedes it); what was folded, and why, is
// recorded as a JSON array in metadata.dropped_content. msg is mutated in
// place and returned for chaining.
func AdaptContent(msg *umf.Message, caps ChannelCapabilities) *umf.Message {
	if msg == nil {
		return nil
	}

	var dropped []droppedContentEntry
	adapted := make([]umf.ContentBlock, 0, len(msg.Content))
	lastTextIdx := -1

	for _, block := range msg.Content {
		if caps.Supports(block.Type) {
			adapted = append(adapted, block)
			if block.Type == umf.ContentText || block.Type == umf.ContentMarkdown {
				lastTextIdx = len(adapted) - 1
			}
			continue
		}

		text, entry, ok := downgradeDescribe(block)
		dropped = append(dropped, entry)
		if !ok {
			continue
		}

		if lastTextIdx >= 0 {
			adapted[lastTextIdx].Text = strings.TrimRight(adapted[lastTextIdx].Text, "\n") + "\n" + text
			continue
		}
		if fallback, ok := firstSupportedTextType(caps); ok {
			adapted = append(adapted, umf.ContentBlock{Type: fallback, Text: text})
			lastTextIdx = len(adapted) - 1
		}
	}

	msg.Content = adapted
	if len(dropped) > 0 {
		if msg.Metadata == nil {
			msg.Metadata = map[string]string{}
		}
		if encoded, err := sonic.Marshal(dropped); err == nil {
			msg.Metadata["dropped_content"] = string(encoded)
		}
	}
	return msg
}

func firstSupportedTextType(caps ChannelCapabilities) (umf.ContentType, bool) {
	if caps.Supports(umf.ContentText) {
		return umf.ContentText, true
	}
	if caps.Supports(umf.ContentMarkdown) {
		return umf.ContentMarkdown, true
	}
	return "", false
}

// downgradeDescribe renders block as a bracketed text fallback plus the
// dropped_content entry describing it. ok is false when the block's type
// has no known text rendering, in which case it is simply omitted.
func downgradeDescribe(block umf.ContentBlock) (text string, entry droppedContentEntry, ok bool) {
	rsn, known := dropReasons[block.Type]
	entry = droppedContentEntry{Type: strings.ToLower(string(block.Type)), Reason: rsn.reason, Suggestion: rsn.suggestion}
	if !known {
		entry.Reason = fmt.Sprintf("channel lacks %s support", strings.ToLower(string(block.Type)))
		return "", entry, false
	}

	switch block.Type {
	case umf.ContentImage:
		name := attachmentName(block, "image")
		entry.Filename = name
		return fmt.Sprintf("[Image: %s]", name), entry, true
	case umf.ContentFile:
		name := attachmentName(block, "file")
		entry.Filename = name
		if size := humanSize(block.Size()); size != "" {
			return fmt.Sprintf("[File: %s (%s)]", name, size), entry, true
		}
		return fmt.Sprintf("[File: %s]", name), entry, true
	case umf.ContentBinary:
		name := attachmentName(block, "data")
		entry.Filename = name
		return fmt.Sprintf("[Attachment: %s]", name), entry, true
	case umf.ContentHTML:
		return block.Text, entry, true
	case umf.ContentFolder:
		return fmt.Sprintf("[Folder: %s]", strings.Join(block.Folder, ", ")), entry, true
	case umf.ContentToolCall:
		if block.ToolCall != nil {
			return fmt.Sprintf("[Tool call: %s]", block.ToolCall.Name), entry, true
		}
		return "[Tool call]", entry, true
	case umf.ContentToolResult:
		if block.ToolResult != nil {
			return block.ToolResult.Content, entry, true
		}
		return "[Tool result]", entry, true
	default:
		return "", entry, false
	}
}

func attachmentName(block umf.ContentBlock, fallback string) string {
	if block.Binary != nil && block.Binary.FileName != "" {
		return block.Binary.FileName
	}
	return fallback
}

func humanSize(n int) string {
	const kb = 1024.0
	switch {
	case n <= 0:
		return ""
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case float64(n) < kb*kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(kb*kb))
	}
}
