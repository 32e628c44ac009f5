package channel

import (
	"encoding/json"
	"testing"

	"github.com/p3394/exemplar-agent/internal/umf"
)

// terminalLikeCaps mirrors the terminal adapter's declared capabilities:
// TEXT and MARKDOWN only, no attachments/images/folders.
var terminalLikeCaps = ChannelCapabilities{
	SupportedContentTypes: []umf.ContentType{umf.ContentText, umf.ContentMarkdown},
}

// TestAdaptContent_S5 reproduces spec §8 scenario S5 literally: a TEXT block
// followed by an IMAGE and a FILE block, adapted for a channel that can
// carry neither, folds both into the preceding TEXT block and records two
// dropped_content entries.
func TestAdaptContent_S5(t *testing.T) {
	msg := &umf.Message{
		Content: []umf.ContentBlock{
			{Type: umf.ContentText, Text: "Here is the chart:"},
			{Type: umf.ContentImage, Binary: &umf.BinaryPayload{FileName: "chart.png", Data: make([]byte, 40*1024)}},
			{Type: umf.ContentFile, Binary: &umf.BinaryPayload{FileName: "data.csv", Data: make([]byte, 2150)}},
		},
	}

	AdaptContent(msg, terminalLikeCaps)

	if len(msg.Content) != 1 {
		t.Fatalf("expected a single folded content block, got %d", len(msg.Content))
	}
	got := msg.Content[0].Text
	want := "Here is the chart:\n[Image: chart.png]\n[File: data.csv (2.1 KB)]"
	if got != want {
		t.Fatalf("folded text = %q, want %q", got, want)
	}

	raw, ok := msg.Metadata["dropped_content"]
	if !ok {
		t.Fatal("expected metadata.dropped_content to be set")
	}
	var dropped []droppedContentEntry
	if err := json.Unmarshal([]byte(raw), &dropped); err != nil {
		t.Fatalf("unmarshal dropped_content: %v", err)
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped entries, got %d: %+v", len(dropped), dropped)
	}
	if dropped[0].Type != "image" || dropped[0].Filename != "chart.png" || dropped[0].Reason != "channel lacks image support" {
		t.Fatalf("unexpected image drop entry: %+v", dropped[0])
	}
	if dropped[1].Type != "file" || dropped[1].Filename != "data.csv" || dropped[1].Reason != "channel lacks attachments" || dropped[1].Suggestion != "use web interface" {
		t.Fatalf("unexpected file drop entry: %+v", dropped[1])
	}
}

func TestAdaptContent_NoopWhenSupported(t *testing.T) {
	full := ChannelCapabilities{SupportedContentTypes: []umf.ContentType{
		umf.ContentText, umf.ContentImage, umf.ContentFile, umf.ContentBinary,
		umf.ContentHTML, umf.ContentFolder, umf.ContentToolCall, umf.ContentToolResult,
	}}
	msg := &umf.Message{Content: []umf.ContentBlock{
		{Type: umf.ContentImage, Binary: &umf.BinaryPayload{FileName: "a.png"}},
	}}
	AdaptContent(msg, full)
	if len(msg.Content) != 1 || msg.Content[0].Type != umf.ContentImage {
		t.Fatalf("expected content untouched, got %+v", msg.Content)
	}
	if _, ok := msg.Metadata["dropped_content"]; ok {
		t.Fatal("expected no dropped_content when channel supports the type")
	}
}

func TestAdaptContent_HTMLDowngradesToTextWhenNoMarkdown(t *testing.T) {
	textOnly := ChannelCapabilities{SupportedContentTypes: []umf.ContentType{umf.ContentText}}
	msg := &umf.Message{Content: []umf.ContentBlock{
		{Type: umf.ContentHTML, Text: "<b>bold</b>"},
	}}
	AdaptContent(msg, textOnly)
	if len(msg.Content) != 1 || msg.Content[0].Type != umf.ContentText {
		t.Fatalf("expected a single TEXT fallback block, got %+v", msg.Content)
	}
	if msg.Content[0].Text != "<b>bold</b>" {
		t.Fatalf("unexpected fallback text: %q", msg.Content[0].Text)
	}
}

func TestAdaptContent_FolderDowngradesToFileList(t *testing.T) {
	msg := &umf.Message{Content: []umf.ContentBlock{
		{Type: umf.ContentFolder, Folder: []string{"a.txt", "b.txt"}},
	}}
	AdaptContent(msg, terminalLikeCaps)
	if len(msg.Content) != 1 {
		t.Fatalf("expected one folded block, got %d", len(msg.Content))
	}
	if msg.Content[0].Text != "[Folder: a.txt, b.txt]" {
		t.Fatalf("unexpected folder fallback: %q", msg.Content[0].Text)
	}
}
