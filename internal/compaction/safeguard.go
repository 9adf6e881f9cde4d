package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harborlabs/harbor/internal/msg"
)

// ToolFailure is a failed tool execution preserved in the compaction
// summary so the model still knows what went wrong after the original
// messages are folded away.
type ToolFailure struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Summary    string `json:"summary"`
	Meta       string `json:"meta,omitempty"` // status=failed exitCode=1
}

const (
	// MaxToolFailures caps the number of failures included in a summary.
	MaxToolFailures = 8
	// MaxToolFailureChars truncates individual failure messages.
	MaxToolFailureChars = 240
)

// CollectToolFailures extracts failed tool results from messages,
// deduplicated by tool call ID.
func CollectToolFailures(messages []msg.Message) []ToolFailure {
	var failures []ToolFailure
	seen := make(map[string]bool)

	callNames := make(map[string]string)
	for i := range messages {
		for _, call := range messages[i].ToolCalls() {
			callNames[call.ToolCallID] = call.ToolName
		}
	}

	for i := range messages {
		for _, r := range messages[i].ToolResults() {
			if r.ErrorText == "" && r.State != msg.StateOutputError && r.State != msg.StateOutputDenied {
				continue
			}
			if r.ToolCallID == "" || seen[r.ToolCallID] {
				continue
			}
			seen[r.ToolCallID] = true

			toolName := r.ToolName
			if toolName == "" {
				toolName = callNames[r.ToolCallID]
			}
			if toolName == "" {
				toolName = "tool"
			}

			text := r.ErrorText
			if text == "" {
				text = resultText(r.Result)
			}
			summary := normalizeFailureText(text)
			if summary == "" {
				summary = "failed (no output)"
			}
			summary = truncateText(summary, MaxToolFailureChars)

			failures = append(failures, ToolFailure{
				ToolCallID: r.ToolCallID,
				ToolName:   toolName,
				Summary:    summary,
				Meta:       extractFailureMeta(text),
			})
		}
	}

	return failures
}

// FormatToolFailuresSection formats failures for inclusion in a
// compaction summary. Returns empty string if there are none.
func FormatToolFailuresSection(failures []ToolFailure) string {
	if len(failures) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\n## Tool Failures\n")

	displayCount := min(len(failures), MaxToolFailures)
	for i := 0; i < displayCount; i++ {
		f := failures[i]
		if f.Meta != "" {
			sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", f.ToolName, f.Meta, f.Summary))
		} else {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", f.ToolName, f.Summary))
		}
	}

	if len(failures) > MaxToolFailures {
		sb.WriteString(fmt.Sprintf("- ...and %d more\n", len(failures)-MaxToolFailures))
	}

	return sb.String()
}

// withFailureSection appends the tool-failure section to a summary.
func withFailureSection(messages []msg.Message, baseSummary string) string {
	section := FormatToolFailuresSection(CollectToolFailures(messages))
	if section == "" {
		return baseSummary
	}
	return baseSummary + section
}

// resultText renders a tool-result payload as text. JSON strings are
// unquoted; everything else is used raw.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// normalizeFailureText collapses whitespace runs into single spaces.
func normalizeFailureText(text string) string {
	var sb strings.Builder
	lastWasSpace := true
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			if !lastWasSpace {
				sb.WriteRune(' ')
				lastWasSpace = true
			}
		} else {
			sb.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

// truncateText limits text to maxChars with ellipsis.
func truncateText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return text[:maxChars]
	}
	return text[:maxChars-3] + "..."
}

// extractFailureMeta extracts status and exit code hints from error text.
func extractFailureMeta(content string) string {
	var parts []string
	lower := strings.ToLower(content)

	if idx := strings.Index(lower, "exit code"); idx >= 0 {
		if code := extractNumber(content[idx+9:]); code != "" {
			parts = append(parts, "exitCode="+code)
		}
	} else if idx := strings.Index(lower, "exited with code"); idx >= 0 {
		if code := extractNumber(content[idx+16:]); code != "" {
			parts = append(parts, "exitCode="+code)
		}
	}

	switch {
	case strings.Contains(lower, "timed out"):
		parts = append(parts, "status=timeout")
	case strings.Contains(lower, "permission denied"):
		parts = append(parts, "status=permission_denied")
	case strings.Contains(lower, "not found"), strings.Contains(lower, "enoent"):
		parts = append(parts, "status=not_found")
	}

	return strings.Join(parts, " ")
}

// extractNumber extracts the first run of digits from a string.
func extractNumber(s string) string {
	var sb strings.Builder
	started := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
			started = true
		} else if started {
			break
		} else if r != ' ' && r != ':' && r != '=' {
			break
		}
	}
	return sb.String()
}
