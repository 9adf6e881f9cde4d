// Package msg defines the persisted conversation data model: messages,
// their polymorphic content parts, and the canonical ordering used by
// every component that walks a session's history.
package msg

import (
	"encoding/json"
	"sort"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartState tracks the lifecycle of a tool interaction part.
type PartState string

const (
	StateInputStreaming  PartState = "input-streaming"
	StateInputAvailable  PartState = "input-available"
	StateOutputAvailable PartState = "output-available"
	StateOutputError     PartState = "output-error"
	StateOutputDenied    PartState = "output-denied"
)

// Message is a persisted conversation turn. Mutated only to set
// IsCompacted and summary linkage; never deleted outside explicit
// session management.
type Message struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Role          Role            `json:"role"`
	Parts         []Part          `json:"parts"`
	CreatedAt     time.Time       `json:"created_at"`
	OrderingIndex int64           `json:"ordering_index,omitempty"`
	TokenCount    int             `json:"token_count,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	IsCompacted   bool            `json:"is_compacted,omitempty"`
	// ToolCallID links a role=tool row back to its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// TextContent concatenates the message's text parts.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if out != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of the message in order.
func (m *Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Parts {
		if c, ok := p.(ToolCallPart); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the message in order.
func (m *Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range m.Parts {
		if r, ok := p.(ToolResultPart); ok {
			results = append(results, r)
		}
	}
	return results
}

// SortMessages orders messages by (ordering index, created at, id).
// The three-key sort is mandatory: timestamps collide in practice, so a
// timestamp-only sort is not reproducible and a timestamp-only boundary
// predicate would skip or double-select same-timestamp messages.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := &messages[i], &messages[j]
		if a.OrderingIndex != b.OrderingIndex {
			return a.OrderingIndex < b.OrderingIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
