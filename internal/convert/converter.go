// Package convert turns persisted message rows into the UI message
// shape. Conversion is pure over its input: the same rows always yield
// the same output, and malformed parts are dropped with a logged event
// rather than failing the whole list.
package convert

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/msg"
)

// UIPart is a tagged UI content-part variant.
type UIPart interface {
	uiKind() string
}

// UITextPart is rendered prose.
type UITextPart struct {
	Text string `json:"text"`
}

// UIFilePart is a generic file or media reference.
type UIFilePart struct {
	MediaType string `json:"media_type,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
}

// UIToolPart is a rendered tool interaction: the call's input together
// with its result, when one exists.
type UIToolPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
	State      msg.PartState   `json:"state"`
}

func (UITextPart) uiKind() string { return "text" }
func (UIFilePart) uiKind() string { return "file" }
func (UIToolPart) uiKind() string { return "tool" }

// UIMessage is one rendered conversation turn.
type UIMessage struct {
	ID        string          `json:"id"`
	Role      msg.Role        `json:"role"`
	Parts     []UIPart        `json:"parts"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Converter builds UI messages from stored rows. subject may be nil.
type Converter struct {
	subject *events.Subject
	logger  *slog.Logger
}

func NewConverter(subject *events.Subject) *Converter {
	return &Converter{
		subject: subject,
		logger:  logging.Default().With("component", "convert"),
	}
}

// emptyObject is the input attached to synthesized orphan tool parts.
var emptyObject = json.RawMessage(`{}`)

// DBToUI converts stored rows to UI messages.
//
// Pass 1 sorts the rows and collects every persisted tool result into a
// global map keyed by tool call ID. Pass 2 renders user and assistant
// rows; system and tool rows are consumed but never emitted directly.
// Results visible to an assistant turn are scoped to the call IDs that
// turn actually references, so a global map never leaks results across
// unrelated turns. Any result never rendered through a call is
// synthesized into a minimal tool part so it stays visible in history.
func (c *Converter) DBToUI(rows []msg.Message) []UIMessage {
	sorted := make([]msg.Message, len(rows))
	copy(sorted, rows)
	msg.SortMessages(sorted)

	global := collectResults(sorted)
	rendered := make(map[string]bool)

	var out []UIMessage
	for i := range sorted {
		row := &sorted[i]
		if row.Role != msg.RoleUser && row.Role != msg.RoleAssistant {
			continue
		}
		ui := c.convertRow(row, global, rendered)
		if len(ui.Parts) > 0 {
			out = append(out, ui)
		}
	}

	// Results whose call never appeared in any turn still get a home:
	// a minimal standalone assistant turn per orphaned result.
	for i := range sorted {
		row := &sorted[i]
		if row.Role != msg.RoleTool {
			continue
		}
		for _, r := range row.ToolResults() {
			id := resultID(row, r)
			if id == "" || rendered[id] {
				continue
			}
			rendered[id] = true
			out = append(out, UIMessage{
				ID:        row.ID,
				Role:      msg.RoleAssistant,
				Parts:     []UIPart{orphanPart(id, r)},
				CreatedAt: row.CreatedAt,
				Metadata:  row.Metadata,
			})
		}
	}
	return out
}

// collectResults builds the global tool-call-id to result map from
// role=tool rows. A result part without its own call ID falls back to
// the row's ToolCallID field.
func collectResults(rows []msg.Message) map[string]msg.ToolResultPart {
	results := make(map[string]msg.ToolResultPart)
	for i := range rows {
		row := &rows[i]
		if row.Role != msg.RoleTool {
			continue
		}
		for _, r := range row.ToolResults() {
			id := resultID(row, r)
			if id == "" {
				continue
			}
			if _, exists := results[id]; !exists {
				results[id] = r
			}
		}
	}
	return results
}

func resultID(row *msg.Message, r msg.ToolResultPart) string {
	if r.ToolCallID != "" {
		return r.ToolCallID
	}
	return row.ToolCallID
}

func (c *Converter) convertRow(row *msg.Message, global map[string]msg.ToolResultPart, rendered map[string]bool) UIMessage {
	ui := UIMessage{
		ID:        row.ID,
		Role:      row.Role,
		CreatedAt: row.CreatedAt,
		Metadata:  row.Metadata,
	}

	// Scope the fallback map to the call IDs this turn references.
	scoped := make(map[string]msg.ToolResultPart)
	for _, p := range row.Parts {
		switch v := p.(type) {
		case msg.ToolCallPart:
			if r, ok := global[v.ToolCallID]; ok {
				scoped[v.ToolCallID] = r
			}
		case msg.ToolResultPart:
			if v.ToolCallID != "" {
				scoped[v.ToolCallID] = v
			}
		}
	}

	for _, p := range row.Parts {
		switch v := p.(type) {
		case msg.TextPart:
			ui.Parts = append(ui.Parts, UITextPart{Text: v.Text})
		case msg.FilePart:
			ui.Parts = append(ui.Parts, UIFilePart{MediaType: v.MediaType, URL: v.URL, Name: v.Name})
		case msg.ToolCallPart:
			part, ok := c.convertCall(row, v, scoped)
			if !ok {
				continue
			}
			ui.Parts = append(ui.Parts, part)
			rendered[v.ToolCallID] = true
		case msg.ToolResultPart:
			// Inline results attach to their call via the scoped map.
		}
	}

	// Orphan preservation: scoped results whose call was dropped above
	// (or never existed in this turn) still surface, once.
	for _, p := range row.Parts {
		var id string
		switch v := p.(type) {
		case msg.ToolCallPart:
			id = v.ToolCallID
		case msg.ToolResultPart:
			id = v.ToolCallID
		default:
			continue
		}
		r, ok := scoped[id]
		if !ok || rendered[id] {
			continue
		}
		ui.Parts = append(ui.Parts, orphanPart(id, r))
		rendered[id] = true
	}

	return ui
}

// convertCall renders one tool-call part. Calls still streaming their
// input, or whose input can't be parsed as a JSON object, are dropped;
// a matching result survives through the orphan path.
func (c *Converter) convertCall(row *msg.Message, call msg.ToolCallPart, scoped map[string]msg.ToolResultPart) (UIToolPart, bool) {
	if call.State == msg.StateInputStreaming {
		c.drop(row, call, "input still streaming")
		return UIToolPart{}, false
	}
	input, ok := parseArgs(call)
	if !ok {
		c.drop(row, call, "unparseable arguments")
		return UIToolPart{}, false
	}

	part := UIToolPart{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Input:      input,
	}

	result, hasResult := scoped[call.ToolCallID]
	switch {
	case hasResult:
		part.Output = result.Result
		part.ErrorText = result.ErrorText
		part.State = resultState(result)
	case call.State != "":
		part.State = call.State
	default:
		part.State = msg.StateInputAvailable
	}
	if part.State == "" {
		part.State = msg.StateOutputAvailable
	}
	return part, true
}

// resultState maps a stored result's state onto the rendered part. An
// error-state result that carries a concrete payload is rendered as
// output-available so consumers keep the full result object (partial
// stdout and stderr included) instead of collapsing to an error string.
func resultState(r msg.ToolResultPart) msg.PartState {
	if r.State == msg.StateOutputError && hasPayload(r.Result) {
		return msg.StateOutputAvailable
	}
	if r.State != "" {
		return r.State
	}
	return msg.StateOutputAvailable
}

func orphanPart(id string, r msg.ToolResultPart) UIToolPart {
	return UIToolPart{
		ToolCallID: id,
		ToolName:   r.ToolName,
		Input:      emptyObject,
		Output:     r.Result,
		ErrorText:  r.ErrorText,
		State:      resultState(r),
	}
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// parseArgs resolves a call's input to a JSON object. Accepted forms:
// Args as an object, Args as a JSON string wrapping an object, or
// ArgsText as object JSON.
func parseArgs(call msg.ToolCallPart) (json.RawMessage, bool) {
	if obj, ok := asObject(call.Args); ok {
		return obj, true
	}
	if len(call.Args) > 0 {
		var inner string
		if err := json.Unmarshal(call.Args, &inner); err == nil {
			if obj, ok := asObject(json.RawMessage(inner)); ok {
				return obj, true
			}
		}
	}
	if call.ArgsText != "" {
		if obj, ok := asObject(json.RawMessage(call.ArgsText)); ok {
			return obj, true
		}
	}
	return nil, false
}

func asObject(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

func (c *Converter) drop(row *msg.Message, call msg.ToolCallPart, reason string) {
	c.logger.Debug("dropping tool call part",
		"message", row.ID, "tool", call.ToolName, "reason", reason)
	_ = events.Emit(c.subject, events.TopicConvertDropped, events.PartDroppedEvent{
		MessageID:  row.ID,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Reason:     reason,
	})
}
