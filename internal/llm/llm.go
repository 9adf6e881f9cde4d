// Package llm holds the thin utility-model clients used for summary
// generation. These are collaborator shims around the provider SDKs,
// not an inference layer: one completion call, text in, text out.
package llm

import "strings"

// summaryPrompt instructs the utility model to produce a summary that
// can stand in for the compacted history in later turns.
const summaryPrompt = `Summarize this conversation so it can replace the older messages in an ongoing session. Preserve: the user's goals and constraints, decisions made and their reasons, key facts and identifiers (file paths, names, values), unresolved questions, and the current state of any task in progress. Write in compact prose. Do not add commentary about the summarization itself.`

// buildPrompt joins the instruction with the conversation text.
func buildPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString(summaryPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(text)
	return sb.String()
}
