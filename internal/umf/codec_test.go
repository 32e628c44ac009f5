package umf

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &Message{
		ID:           "msg-1",
		Type:         TypeRequest,
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Source:       &Address{AgentID: "agent-a", ChannelID: "terminal"},
		Destination:  &Address{AgentID: "agent-b"},
		ReplyTo:      "",
		SessionID:    "sess-1",
		Conversation: "conv-1",
		Metadata:     map[string]string{"k": "v"},
		Content: []ContentBlock{
			{Type: ContentText, Text: "hello"},
			{Type: ContentJSON, JSONData: map[string]any{"a": float64(1)}},
			{Type: ContentBinary, Binary: &BinaryPayload{Data: []byte{1, 2, 3}, FileName: "blob.bin"}},
			{Type: ContentToolCall, ToolCall: &ToolCallRecord{ID: "c1", Name: "shell", Arguments: map[string]any{"cmd": "ls"}}},
			{Type: ContentToolResult, ToolResult: &ToolResultRecord{CallID: "c1", Content: "ok"}},
			{Type: ContentFolder, Folder: []string{"a.txt", "b.txt"}},
		},
	}

	wire, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(original, decoded, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeInvalidMissingID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"REQUEST","content":[]}`))
	var derr *DecodeError
	if err == nil {
		t.Fatal("expected error for missing id")
	}
	if !asDecodeError(err, &derr) || derr.Kind != DecodeInvalid {
		t.Fatalf("expected DecodeInvalid, got %v", err)
	}
}

func TestDecodeInvalidBadJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	var derr *DecodeError
	if !asDecodeError(err, &derr) || derr.Kind != DecodeInvalid {
		t.Fatalf("expected DecodeInvalid, got %v", err)
	}
}

func TestDecodeUnsupportedContentType(t *testing.T) {
	raw := `{"id":"m1","type":"REQUEST","content":[{"type":"VIDEO_STREAM"}]}`
	_, err := Decode([]byte(raw))
	var derr *DecodeError
	if !asDecodeError(err, &derr) || derr.Kind != DecodeUnsupported {
		t.Fatalf("expected DecodeUnsupported, got %v", err)
	}
}

func TestDecodeToleratesUnknownTopLevelAndMetadataKeys(t *testing.T) {
	raw := `{
		"id":"m1","type":"NOTIFICATION","content":[],
		"future_field":"ignored",
		"metadata":{"known":"v","from_the_future":"also ignored gracefully"}
	}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Metadata["known"] != "v" {
		t.Fatalf("expected known metadata key preserved, got %v", msg.Metadata)
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if !ok {
		return false
	}
	*target = de
	return true
}
