package events

import "time"

// Topics the conversation core emits on.
const (
	TopicCompaction      = "compaction.performed"
	TopicPreFlight       = "contextwindow.preflight"
	TopicRefreshApplied  = "refresh.applied"
	TopicRefreshDropped  = "refresh.dropped"
	TopicConvertDropped  = "convert.part_dropped"
	TopicReconcileResult = "reconcile.result"
	TopicSweep           = "maintenance.sweep"
)

// CompactionEvent is emitted after every compaction attempt.
type CompactionEvent struct {
	SessionID         string        `json:"session_id"`
	Success           bool          `json:"success"`
	Aggressive        bool          `json:"aggressive"`
	TokensFreed       int           `json:"tokens_freed"`
	MessagesCompacted int           `json:"messages_compacted"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
}

// PreFlightEvent is emitted after each pre-flight check.
type PreFlightEvent struct {
	SessionID  string `json:"session_id"`
	ModelID    string `json:"model_id"`
	Status     string `json:"status"`
	UsedTokens int    `json:"used_tokens"`
	MaxTokens  int    `json:"max_tokens"`
	CanProceed bool   `json:"can_proceed"`
}

// RefreshEvent is emitted when a UI refresh is applied or dropped.
type RefreshEvent struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason"`
	RunID     string `json:"run_id,omitempty"`
}

// PartDroppedEvent is emitted when the converter drops an unrenderable
// content part.
type PartDroppedEvent struct {
	MessageID  string `json:"message_id"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Reason     string `json:"reason"`
}

// ReconcileEvent is emitted once per reconciliation pass.
type ReconcileEvent struct {
	SessionID string `json:"session_id"`
	Adopted   int    `json:"adopted"`
	Refetched int    `json:"refetched"`
	Errored   int    `json:"errored"`
}
