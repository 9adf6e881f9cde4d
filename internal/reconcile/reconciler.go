// Package reconcile fills missing tool results in frontend message
// lists from the persisted transcript, and persists results the store
// is missing — frontend-held outputs and recovered ones alike — as
// tool-role rows. Re-invoking a tool to recover a lost result is gated
// on a read-only allowlist: tools with side effects are never re-run
// just because their output is missing.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/harborlabs/harbor/internal/convert"
	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/msg"
)

// DefaultMaxRefetch caps re-invocations per reconciliation pass.
const DefaultMaxRefetch = 5

// DefaultRefetchTools is the built-in read-only allowlist.
var DefaultRefetchTools = []string{"read_file", "list_files", "search", "fetch_url"}

// Store is the persistence surface reconciliation needs.
type Store interface {
	GetMessages(ctx context.Context, sessionID string) ([]msg.Message, error)
	CreateMessage(ctx context.Context, m msg.Message) (msg.Message, error)
}

// Executor re-invokes a tool by name. Only allowlisted tools are ever
// passed to it.
type Executor interface {
	Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// Options tune one reconciliation pass.
type Options struct {
	// RefetchTools is the read-only allowlist. Empty means the default
	// allowlist; refetching is disabled entirely with a nil Executor.
	RefetchTools []string

	// MaxRefetch caps actual re-invocations. Zero means the default.
	MaxRefetch int
}

// Enhancer reconciles frontend message lists against the store.
type Enhancer struct {
	store    Store
	executor Executor
	subject  *events.Subject
	logger   *slog.Logger
}

// NewEnhancer wires the reconciler. executor and subject may be nil.
func NewEnhancer(store Store, executor Executor, subject *events.Subject) *Enhancer {
	return &Enhancer{
		store:    store,
		executor: executor,
		subject:  subject,
		logger:   logging.Default().With("component", "reconcile"),
	}
}

// structuredError is the in-band result recorded for a call whose
// output could not be recovered. It is attached to that one call, never
// thrown, so one bad call can't fail the whole list.
func structuredError(reason string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"error":       reason,
		"reconciled":  true,
		"recoverable": false,
	})
	return payload
}

// Enhance returns a new message list with tool-call parts' missing
// outputs filled in from the store, from the frontend itself, or by
// allowlist-gated refetch. The input is never mutated; the result map
// built here is scoped to this call.
func (e *Enhancer) Enhance(ctx context.Context, sessionID string, frontend []convert.UIMessage, opts Options) ([]convert.UIMessage, error) {
	if opts.MaxRefetch <= 0 {
		opts.MaxRefetch = DefaultMaxRefetch
	}
	if len(opts.RefetchTools) == 0 {
		opts.RefetchTools = DefaultRefetchTools
	}
	allowed := make(map[string]bool, len(opts.RefetchTools))
	for _, name := range opts.RefetchTools {
		allowed[name] = true
	}

	resolved, err := e.loadResults(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load persisted results: %w", err)
	}

	var stats events.ReconcileEvent
	stats.SessionID = sessionID

	// Adopt frontend outputs the store is missing, and collect calls
	// with no output anywhere.
	var missing []convert.UIToolPart
	for i := range frontend {
		m := &frontend[i]
		if m.Role != msg.RoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			call, ok := p.(convert.UIToolPart)
			if !ok || call.ToolCallID == "" {
				continue
			}
			if hasOutput(call) {
				if _, exists := resolved[call.ToolCallID]; !exists {
					e.adopt(ctx, sessionID, call, resolved)
					stats.Adopted++
				}
				continue
			}
			if _, exists := resolved[call.ToolCallID]; !exists {
				missing = append(missing, call)
			}
		}
	}

	refetched := 0
	for _, call := range missing {
		result := e.recover(ctx, call, allowed, &refetched, opts.MaxRefetch)
		resolved[call.ToolCallID] = result
		// Recovered outputs and structured-error fallbacks both become
		// tool-role rows, so the next load finds them in the store.
		e.persist(ctx, sessionID, result)
		if result.ErrorText != "" {
			stats.Errored++
		} else {
			stats.Refetched++
		}
	}

	_ = events.Emit(e.subject, events.TopicReconcileResult, stats)
	return merge(frontend, resolved), nil
}

// recover resolves one missing result, in strict order: refetch cap,
// allowlist, executor availability, actual re-invocation.
func (e *Enhancer) recover(ctx context.Context, call convert.UIToolPart, allowed map[string]bool, refetched *int, maxRefetch int) msg.ToolResultPart {
	fail := func(reason string) msg.ToolResultPart {
		e.logger.Debug("tool result unrecoverable",
			"tool", call.ToolName, "tool_call_id", call.ToolCallID, "reason", reason)
		return msg.ToolResultPart{
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			Result:     structuredError(reason),
			ErrorText:  reason,
			State:      msg.StateOutputError,
		}
	}

	if *refetched >= maxRefetch {
		return fail("refetch limit reached")
	}
	if !allowed[call.ToolName] {
		return fail("refetch disabled for this tool")
	}
	if e.executor == nil {
		return fail("no tool executor available")
	}
	if len(call.Input) == 0 {
		return fail("no parsed arguments available")
	}

	*refetched++
	output, err := e.executor.Execute(ctx, call.ToolName, call.Input)
	if err != nil {
		return fail("refetch failed: " + err.Error())
	}
	return msg.ToolResultPart{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Result:     output,
		State:      msg.StateOutputAvailable,
	}
}

// adopt records a frontend-held output in the resolved map and persists
// it as a synthetic tool-role row so the store catches up.
func (e *Enhancer) adopt(ctx context.Context, sessionID string, call convert.UIToolPart, resolved map[string]msg.ToolResultPart) {
	result := msg.ToolResultPart{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Result:     call.Output,
		ErrorText:  call.ErrorText,
		State:      adoptedState(call),
	}
	resolved[call.ToolCallID] = result
	e.persist(ctx, sessionID, result)
}

// persist writes a reconciled result as a synthetic tool-role row.
// Persistence failure is logged, not raised: the in-memory result is
// still good for this pass.
func (e *Enhancer) persist(ctx context.Context, sessionID string, result msg.ToolResultPart) {
	_, err := e.store.CreateMessage(ctx, msg.Message{
		SessionID:  sessionID,
		Role:       msg.RoleTool,
		Parts:      []msg.Part{result},
		ToolCallID: result.ToolCallID,
	})
	if err != nil {
		e.logger.Warn("failed to persist reconciled tool result",
			"tool_call_id", result.ToolCallID, "error", err)
	}
}

func adoptedState(call convert.UIToolPart) msg.PartState {
	if call.ErrorText != "" {
		return msg.StateOutputError
	}
	return msg.StateOutputAvailable
}

// loadResults builds the resolved-results map from persisted tool rows.
func (e *Enhancer) loadResults(ctx context.Context, sessionID string) (map[string]msg.ToolResultPart, error) {
	rows, err := e.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]msg.ToolResultPart)
	for i := range rows {
		row := &rows[i]
		if row.Role != msg.RoleTool {
			continue
		}
		for _, r := range row.ToolResults() {
			id := r.ToolCallID
			if id == "" {
				id = row.ToolCallID
			}
			if id == "" {
				continue
			}
			if _, exists := resolved[id]; !exists {
				r.ToolCallID = id
				resolved[id] = r
			}
		}
	}
	return resolved, nil
}

// merge produces a new message list with resolved outputs filled into
// tool parts that were missing them. Fields already present on the
// frontend part are kept.
func merge(frontend []convert.UIMessage, resolved map[string]msg.ToolResultPart) []convert.UIMessage {
	out := make([]convert.UIMessage, len(frontend))
	for i := range frontend {
		m := frontend[i]
		if m.Role != msg.RoleAssistant {
			out[i] = m
			continue
		}
		parts := make([]convert.UIPart, len(m.Parts))
		for j, p := range m.Parts {
			call, ok := p.(convert.UIToolPart)
			if !ok || hasOutput(call) {
				parts[j] = p
				continue
			}
			result, exists := resolved[call.ToolCallID]
			if !exists {
				parts[j] = p
				continue
			}
			if len(call.Output) == 0 {
				call.Output = result.Result
			}
			if call.ErrorText == "" {
				call.ErrorText = result.ErrorText
			}
			if result.State != "" {
				call.State = result.State
			}
			parts[j] = call
		}
		m.Parts = parts
		out[i] = m
	}
	return out
}

func hasOutput(call convert.UIToolPart) bool {
	return len(call.Output) > 0 || call.ErrorText != ""
}
