// Package pruning shrinks oversized tool results in an in-memory
// message list before it is sent to a model. Unlike compaction it never
// touches the store and never calls a model: it trims or clears tool
// result payloads against a character budget while protecting the most
// recent conversation turns in full.
package pruning

import (
	"encoding/json"
	"strings"

	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/msg"
	"github.com/harborlabs/harbor/internal/tokens"
)

// Config holds the two-stage pruning settings. Stage 1 (soft trim)
// keeps the head and tail of oversized results; stage 2 (hard clear)
// replaces them with a placeholder when the context is still over
// budget.
type Config struct {
	ContextTokens        int     `yaml:"context_tokens"`
	SoftTrimRatio        float64 `yaml:"soft_trim_ratio"`
	HardClearRatio       float64 `yaml:"hard_clear_ratio"`
	KeepLastAssistant    int     `yaml:"keep_last_assistant"`
	SoftTrimMaxChars     int     `yaml:"soft_trim_max_chars"`
	SoftTrimHead         int     `yaml:"soft_trim_head"`
	SoftTrimTail         int     `yaml:"soft_trim_tail"`
	HardClearPlaceholder string  `yaml:"hard_clear_placeholder"`
}

// DefaultConfig matches a 200K-token window.
func DefaultConfig() Config {
	return Config{
		ContextTokens:        200_000,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		KeepLastAssistant:    3,
		SoftTrimMaxChars:     4000,
		SoftTrimHead:         1500,
		SoftTrimTail:         1500,
		HardClearPlaceholder: "[Old tool result cleared]",
	}
}

// minClearChars keeps hard clear from touching results that are already
// small.
const minClearChars = 200

// PruneContext applies the two-stage pruning to a message list and
// returns a new list; the input is not modified.
func PruneContext(messages []msg.Message, cfg Config) []msg.Message {
	if len(messages) == 0 {
		return messages
	}
	logger := logging.Default().With("component", "pruning")

	charBudget := cfg.ContextTokens * tokens.DefaultCharsPerToken
	totalChars := 0
	for i := range messages {
		totalChars += estimateMessageChars(&messages[i])
	}

	softThreshold := int(float64(charBudget) * cfg.SoftTrimRatio)
	hardThreshold := int(float64(charBudget) * cfg.HardClearRatio)

	if totalChars <= softThreshold {
		return messages
	}

	callIndex := buildCallIndex(messages)
	protected := identifyProtected(messages, cfg.KeepLastAssistant)

	result := make([]msg.Message, len(messages))
	copy(result, messages)

	var trimmed int
	result, trimmed, totalChars = softTrim(result, protected, callIndex, totalChars, cfg)
	if trimmed > 0 {
		logger.Debug("soft-trimmed tool results",
			"count", trimmed, "total_chars", totalChars, "budget", charBudget)
	}

	if totalChars > hardThreshold {
		var cleared int
		result, cleared, totalChars = hardClear(result, protected, callIndex, totalChars, cfg)
		if cleared > 0 {
			logger.Debug("hard-cleared tool results",
				"count", cleared, "total_chars", totalChars, "budget", charBudget)
		}
	}

	return result
}

// identifyProtected marks the indices that must not be pruned: the last
// N assistant turns plus everything after the Nth-from-last assistant
// message, which covers their tool results and interleaved user
// messages.
func identifyProtected(messages []msg.Message, keepLastAssistant int) map[int]bool {
	protected := make(map[int]bool)

	assistantCount := 0
	cutoff := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == msg.RoleAssistant {
			assistantCount++
			cutoff = i
			if assistantCount >= keepLastAssistant {
				break
			}
		}
	}
	for i := cutoff; i < len(messages); i++ {
		protected[i] = true
	}
	return protected
}

func softTrim(messages []msg.Message, protected map[int]bool, callIndex map[string]string, totalChars int, cfg Config) ([]msg.Message, int, int) {
	trimmed := 0
	for i := range messages {
		if protected[i] {
			continue
		}
		parts, changed := trimParts(messages[i].Parts, callIndex, cfg, &trimmed, &totalChars)
		if changed {
			messages[i].Parts = parts
		}
	}
	return messages, trimmed, totalChars
}

func trimParts(parts []msg.Part, callIndex map[string]string, cfg Config, trimmed, totalChars *int) ([]msg.Part, bool) {
	changed := false
	out := make([]msg.Part, len(parts))
	copy(out, parts)
	for j, p := range out {
		r, ok := p.(msg.ToolResultPart)
		if !ok {
			continue
		}
		content := resultContent(r)
		if len(content) <= cfg.SoftTrimMaxChars {
			continue
		}
		oldLen := len(content)

		head := content[:cfg.SoftTrimHead]
		tail := content[oldLen-cfg.SoftTrimTail:]
		content = resultHeader(r, callIndex) + "\n" + head + "\n...\n" + tail

		out[j] = replaceContent(r, content)
		*totalChars -= oldLen - len(content)
		*trimmed++
		changed = true
	}
	return out, changed
}

func hardClear(messages []msg.Message, protected map[int]bool, callIndex map[string]string, totalChars int, cfg Config) ([]msg.Message, int, int) {
	cleared := 0
	for i := range messages {
		if protected[i] {
			continue
		}
		parts := make([]msg.Part, len(messages[i].Parts))
		copy(parts, messages[i].Parts)
		changed := false
		for j, p := range parts {
			r, ok := p.(msg.ToolResultPart)
			if !ok {
				continue
			}
			content := resultContent(r)
			if strings.Contains(content, cfg.HardClearPlaceholder) {
				continue
			}
			if len(content) <= minClearChars {
				continue
			}
			oldLen := len(content)
			content = resultHeader(r, callIndex) + "\n" + cfg.HardClearPlaceholder

			parts[j] = replaceContent(r, content)
			totalChars -= oldLen - len(content)
			cleared++
			changed = true
		}
		if changed {
			messages[i].Parts = parts
		}
	}
	return messages, cleared, totalChars
}

// resultContent is the prunable text of a result: its error text, or
// its payload rendered as a string.
func resultContent(r msg.ToolResultPart) string {
	if r.ErrorText != "" {
		return r.ErrorText
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// replaceContent rewrites the result's payload with the pruned text,
// keeping error results as errors.
func replaceContent(r msg.ToolResultPart, content string) msg.ToolResultPart {
	if r.ErrorText != "" {
		r.ErrorText = content
		return r
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return r
	}
	r.Result = encoded
	return r
}

func resultHeader(r msg.ToolResultPart, callIndex map[string]string) string {
	status := "succeeded"
	if r.ErrorText != "" || r.State == msg.StateOutputError || r.State == msg.StateOutputDenied {
		status = "failed"
	}
	if info, ok := callIndex[r.ToolCallID]; ok {
		return "[" + info + ", " + status + "]"
	}
	return "[" + status + "]"
}

func estimateMessageChars(m *msg.Message) int {
	chars := 0
	for _, p := range m.Parts {
		switch v := p.(type) {
		case msg.TextPart:
			chars += len(v.Text)
		case msg.FilePart:
			chars += tokens.ImageCharEstimate
		case msg.ToolCallPart:
			chars += len(v.ToolName) + len(v.Args) + len(v.ArgsText)
		case msg.ToolResultPart:
			chars += len(v.Result) + len(v.ErrorText)
		}
	}
	return chars
}

// buildCallIndex maps tool call IDs to a short human-readable summary
// like "search(query: release notes)" for pruned-result headers.
func buildCallIndex(messages []msg.Message) map[string]string {
	index := make(map[string]string)
	for i := range messages {
		for _, call := range messages[i].ToolCalls() {
			summary := call.ToolName
			var input map[string]any
			if json.Unmarshal(call.Args, &input) == nil {
				var args []string
				for _, key := range []string{"action", "path", "url", "query"} {
					if v, ok := input[key].(string); ok {
						args = append(args, key+": "+v)
					}
				}
				if len(args) > 0 {
					summary += "(" + strings.Join(args, ", ") + ")"
				}
			}
			index[call.ToolCallID] = summary
		}
	}
	return index
}
