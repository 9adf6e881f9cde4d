package msg

import (
	"encoding/json"
	"fmt"
)

// Part is a tagged content-part variant. Exactly one concrete type
// exists per part kind; consumers switch exhaustively instead of
// probing optional fields.
type Part interface {
	partKind() string
}

// TextPart is plain assistant/user text.
type TextPart struct {
	Text string `json:"text"`
}

// FilePart is a generic file or media reference (images included).
type FilePart struct {
	MediaType string `json:"media_type,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ToolCallPart is an assistant-issued tool invocation. Args holds the
// parsed argument object when available; ArgsText holds the raw (possibly
// partial) JSON text as streamed by the provider.
type ToolCallPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsText   string          `json:"args_text,omitempty"`
	State      PartState       `json:"state,omitempty"`
}

// ToolResultPart is the outcome of a tool call. ToolName may be absent
// on persisted rows and require lookup through the originating call.
type ToolResultPart struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	Preliminary bool            `json:"preliminary,omitempty"`
	State       PartState       `json:"state,omitempty"`
}

func (TextPart) partKind() string       { return "text" }
func (FilePart) partKind() string       { return "file" }
func (ToolCallPart) partKind() string   { return "tool-call" }
func (ToolResultPart) partKind() string { return "tool-result" }

// partEnvelope is the wire/storage form: a type tag plus the union of
// all part fields. Only the fields of the tagged kind are populated.
type partEnvelope struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	MediaType   string          `json:"media_type,omitempty"`
	URL         string          `json:"url,omitempty"`
	Name        string          `json:"name,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	ArgsText    string          `json:"args_text,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	Preliminary bool            `json:"preliminary,omitempty"`
	State       PartState       `json:"state,omitempty"`
}

// MarshalParts encodes parts into the JSON array stored in the messages
// table's parts column.
func MarshalParts(parts []Part) (json.RawMessage, error) {
	envelopes := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		env := partEnvelope{Type: p.partKind()}
		switch v := p.(type) {
		case TextPart:
			env.Text = v.Text
		case FilePart:
			env.MediaType = v.MediaType
			env.URL = v.URL
			env.Name = v.Name
		case ToolCallPart:
			env.ToolCallID = v.ToolCallID
			env.ToolName = v.ToolName
			env.Args = v.Args
			env.ArgsText = v.ArgsText
			env.State = v.State
		case ToolResultPart:
			env.ToolCallID = v.ToolCallID
			env.ToolName = v.ToolName
			env.Result = v.Result
			env.ErrorText = v.ErrorText
			env.Preliminary = v.Preliminary
			env.State = v.State
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

// UnmarshalParts decodes a stored parts column. Unknown part types are
// an error: the schema owns the set of kinds.
func UnmarshalParts(data json.RawMessage) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	parts := make([]Part, 0, len(envelopes))
	for _, env := range envelopes {
		switch env.Type {
		case "text":
			parts = append(parts, TextPart{Text: env.Text})
		case "file", "image":
			parts = append(parts, FilePart{MediaType: env.MediaType, URL: env.URL, Name: env.Name})
		case "tool-call":
			parts = append(parts, ToolCallPart{
				ToolCallID: env.ToolCallID,
				ToolName:   env.ToolName,
				Args:       env.Args,
				ArgsText:   env.ArgsText,
				State:      env.State,
			})
		case "tool-result":
			parts = append(parts, ToolResultPart{
				ToolCallID:  env.ToolCallID,
				ToolName:    env.ToolName,
				Result:      env.Result,
				ErrorText:   env.ErrorText,
				Preliminary: env.Preliminary,
				State:       env.State,
			})
		default:
			return nil, fmt.Errorf("unknown part type %q", env.Type)
		}
	}
	return parts, nil
}
