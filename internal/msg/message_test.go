package msg

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSortMessages_ThreeKeyOrder(t *testing.T) {
	base := time.Unix(1700000000, 0)
	messages := []Message{
		{ID: "c", OrderingIndex: 2, CreatedAt: base},
		{ID: "b", OrderingIndex: 1, CreatedAt: base.Add(time.Hour)},
		{ID: "a", OrderingIndex: 1, CreatedAt: base},
	}
	SortMessages(messages)

	got := []string{messages[0].ID, messages[1].ID, messages[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestSortMessages_IDBreaksTimestampTies(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	messages := []Message{
		{ID: "z", OrderingIndex: 0, CreatedAt: ts},
		{ID: "m", OrderingIndex: 0, CreatedAt: ts},
		{ID: "a", OrderingIndex: 0, CreatedAt: ts},
	}
	SortMessages(messages)
	if messages[0].ID != "a" || messages[1].ID != "m" || messages[2].ID != "z" {
		t.Fatalf("same-timestamp messages not ordered by ID: %s %s %s",
			messages[0].ID, messages[1].ID, messages[2].ID)
	}
}

func TestUnmarshalParts_ImageAliasAndUnknownType(t *testing.T) {
	parts, err := UnmarshalParts(json.RawMessage(`[{"type":"image","url":"x.png"}]`))
	if err != nil {
		t.Fatalf("image alias should decode: %v", err)
	}
	if _, ok := parts[0].(FilePart); !ok {
		t.Fatalf("image should decode as FilePart, got %T", parts[0])
	}

	if _, err := UnmarshalParts(json.RawMessage(`[{"type":"sticker"}]`)); err == nil {
		t.Fatal("unknown part type should be an error")
	}
}

func TestMarshalParts_RoundTrip(t *testing.T) {
	original := []Part{
		TextPart{Text: "hello"},
		ToolCallPart{ToolCallID: "call_1", ToolName: "search", Args: json.RawMessage(`{"q":"go"}`), State: StateInputAvailable},
		ToolResultPart{ToolCallID: "call_1", Result: json.RawMessage(`"found"`), State: StateOutputAvailable},
	}
	data, err := MarshalParts(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalParts(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(decoded))
	}
	call, ok := decoded[1].(ToolCallPart)
	if !ok {
		t.Fatalf("part 1 should be ToolCallPart, got %T", decoded[1])
	}
	if call.ToolCallID != "call_1" || call.ToolName != "search" {
		t.Fatalf("tool call fields lost: %+v", call)
	}
}

func TestMessageAccessors(t *testing.T) {
	m := Message{Parts: []Part{
		TextPart{Text: "first"},
		ToolCallPart{ToolCallID: "c1", ToolName: "read_file"},
		TextPart{Text: "second"},
		ToolResultPart{ToolCallID: "c1"},
	}}
	if m.TextContent() != "first\nsecond" {
		t.Fatalf("TextContent = %q", m.TextContent())
	}
	if len(m.ToolCalls()) != 1 || len(m.ToolResults()) != 1 {
		t.Fatalf("accessor counts wrong: %d calls, %d results", len(m.ToolCalls()), len(m.ToolResults()))
	}
}
