// Package agent runs conversation turns: it drives the model, executes
// the tool calls it requests, and pauses on calls that need human
// approval.
//
// A turn moves through three phases. The model is invoked with the
// conversation and the available tool schemas; if it answers in text
// the turn ends, and if it requests tool calls the turn either executes
// them and re-invokes the model, or pauses awaiting confirmation. The
// per-turn tool budget is checked before every execution, never after.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fluidtools/agent/internal/llm"
	"github.com/fluidtools/agent/internal/thread"
	"github.com/fluidtools/agent/internal/tools"
)

// Synthetic tool results for calls that were never executed. The model
// sees these instead of a fabricated outcome.
const (
	rejectedNotice = "Tool call rejected by the user. The call was not executed."
	skippedNotice  = "Tool call skipped: the tool call limit for this turn was reached."
)

// Status reports how a turn ended.
type Status string

const (
	// StatusCompleted means the model produced a final text reply.
	StatusCompleted Status = "completed"
	// StatusAwaitingConfirmation means the turn is paused on one or
	// more tool calls that need a human decision.
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
)

// Result is the outcome of running or resuming a turn.
type Result struct {
	Status        Status
	Reply         string
	Pending       []*thread.PendingConfirmation
	ToolCallsUsed int
}

// Event is a turn lifecycle notification for live observers.
type Event struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventSink receives turn events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Selector narrows the tool set for a query. A nil return means no
// filtering applies.
type Selector interface {
	Select(ctx context.Context, sessionID, query string, available int) []string
}

// Archiver records conversation activity durably. All methods are
// best-effort from the runner's point of view.
type Archiver interface {
	AddMessage(threadID string, msg llm.Message) error
	RecordToolCall(threadID, callID, toolName string, args map[string]any) error
	CompleteToolCall(callID, result, errMsg string) error
}

// Runner executes turns against a model and a tool registry.
type Runner struct {
	model    llm.Client
	registry *tools.Registry
	logger   *slog.Logger

	selector Selector // optional
	archive  Archiver // optional
	events   EventSink

	maxToolCalls int
	confirm      map[string]struct{}
	confirmAll   bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSelector enables relevance-based tool filtering.
func WithSelector(s Selector) RunnerOption {
	return func(r *Runner) { r.selector = s }
}

// WithArchiver enables durable recording of messages and tool calls.
func WithArchiver(a Archiver) RunnerOption {
	return func(r *Runner) { r.archive = a }
}

// WithEventSink sets the sink for turn lifecycle events.
func WithEventSink(s EventSink) RunnerOption {
	return func(r *Runner) { r.events = s }
}

// WithMaxToolCalls sets the per-turn tool call budget.
func WithMaxToolCalls(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxToolCalls = n
		}
	}
}

// WithConfirmation gates the named tools behind human approval. The
// name "*" gates every tool.
func WithConfirmation(names []string) RunnerOption {
	return func(r *Runner) {
		for _, name := range names {
			if name == "*" {
				r.confirmAll = true
				continue
			}
			r.confirm[name] = struct{}{}
		}
	}
}

// NewRunner creates a turn runner.
func NewRunner(model llm.Client, registry *tools.Registry, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		model:        model,
		registry:     registry,
		logger:       logger,
		maxToolCalls: 10,
		confirm:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts a new turn with the user's query. The caller holds the
// thread lock.
func (r *Runner) Run(ctx context.Context, st *thread.State, query, authToken string) (*Result, error) {
	if st.AwaitingConfirmation {
		return nil, fmt.Errorf("thread %s is awaiting confirmation", st.ID)
	}

	st.BeginTurn(query)
	st.AuthToken = authToken

	userMsg := llm.Message{Role: llm.RoleUser, Content: query}
	st.Append(userMsg)
	r.archiveMessage(st.ID, userMsg)
	r.publish(Event{Type: "turn.started", ThreadID: st.ID, Data: map[string]any{"query": query}})

	return r.loop(ctx, st)
}

// Resume continues a turn paused on confirmation, after decisions have
// been recorded on the thread's pending entries. If undecided calls
// remain the turn re-pauses without duplicating work. The caller holds
// the thread lock.
func (r *Runner) Resume(ctx context.Context, st *thread.State) (*Result, error) {
	if !st.AwaitingConfirmation {
		return nil, fmt.Errorf("thread %s is not awaiting confirmation", st.ID)
	}

	calls := lastAssistantCalls(st)
	res, done, err := r.executeBatch(ctx, st, calls)
	if err != nil {
		return nil, err
	}
	if !done {
		return res, nil
	}

	st.AwaitingConfirmation = false
	return r.loop(ctx, st)
}

// loop alternates model invocations with tool execution until the model
// answers in text or the turn pauses.
func (r *Runner) loop(ctx context.Context, st *thread.State) (*Result, error) {
	for {
		schemas := r.schemasFor(ctx, st)

		resp, err := r.model.Chat(ctx, st.Messages, schemas)
		if err != nil {
			return nil, &ModelInvocationError{Err: err}
		}

		// Text-format tool calls arrive without IDs; results are keyed
		// by ID, so mint them here.
		for i := range resp.Message.ToolCalls {
			if resp.Message.ToolCalls[i].ID == "" {
				resp.Message.ToolCalls[i].ID = "call_" + uuid.New().String()
			}
		}

		st.Append(resp.Message)
		r.archiveMessage(st.ID, resp.Message)
		r.publish(Event{Type: "model.response", ThreadID: st.ID, Data: map[string]any{
			"tool_calls": len(resp.Message.ToolCalls),
			"model":      resp.Model,
		}})

		if len(resp.Message.ToolCalls) == 0 {
			r.publish(Event{Type: "turn.completed", ThreadID: st.ID})
			return &Result{
				Status:        StatusCompleted,
				Reply:         resp.Message.Content,
				ToolCallsUsed: st.ToolCallsUsed,
			}, nil
		}

		// Budget reached: the turn ends here even though the model
		// requested more calls (it can emit them in text form with no
		// schemas offered). Unanswered calls get a skip notice so the
		// history stays well formed for the next turn.
		if st.ToolCallsUsed >= r.maxToolCalls {
			r.logger.Warn("tool call budget exhausted, ending turn",
				"thread_id", st.ID, "requested", len(resp.Message.ToolCalls))
			for _, call := range resp.Message.ToolCalls {
				if !st.HasToolResult(call.ID) {
					r.appendToolResult(st, call, skippedNotice, "")
				}
			}
			r.publish(Event{Type: "turn.completed", ThreadID: st.ID})
			return &Result{
				Status:        StatusCompleted,
				Reply:         resp.Message.Content,
				ToolCallsUsed: st.ToolCallsUsed,
			}, nil
		}

		res, done, err := r.executeBatch(ctx, st, resp.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		if !done {
			return res, nil
		}
	}
}

// schemasFor returns the tool schemas to offer the model. An exhausted
// budget offers none, forcing a text answer. Otherwise the relevance
// selector may narrow the set; any selection failure falls back to the
// full registry.
func (r *Runner) schemasFor(ctx context.Context, st *thread.State) []map[string]any {
	if st.ToolCallsUsed >= r.maxToolCalls {
		return nil
	}
	var include []string
	if r.selector != nil {
		include = r.selector.Select(ctx, st.ID, st.Query, r.registry.Len())
	}
	return tools.Schemas(r.registry.Resolve(include))
}

// executeBatch processes one assistant message's tool calls strictly in
// order. It returns done=false with an awaiting Result when an
// undecided confirmation halts the batch; later calls wait so that
// execution order stays deterministic.
func (r *Runner) executeBatch(ctx context.Context, st *thread.State, calls []llm.ToolCall) (*Result, bool, error) {
	// Register every gated call in the batch first so the caller sees
	// the full set of required decisions, not just the first.
	for _, call := range calls {
		if st.HasToolResult(call.ID) || st.Pending[call.ID] != nil {
			continue
		}
		if r.needsConfirmation(call.Name) {
			st.Pending[call.ID] = &thread.PendingConfirmation{Call: call, CreatedAt: time.Now()}
			r.publish(Event{Type: "confirmation.requested", ThreadID: st.ID, Data: map[string]any{
				"tool_call_id": call.ID, "tool": call.Name, "arguments": call.Arguments,
			}})
		}
	}

	for _, call := range calls {
		if st.HasToolResult(call.ID) {
			continue
		}

		pc := st.Pending[call.ID]
		switch {
		case pc != nil && pc.Resolved && !pc.Approved:
			r.appendToolResult(st, call, rejectedNotice, "")
			r.publish(Event{Type: "tool.rejected", ThreadID: st.ID, Data: map[string]any{
				"tool_call_id": call.ID, "tool": call.Name,
			}})
			continue

		case pc != nil && !pc.Resolved:
			// An undecided call halts the batch here; calls after it
			// wait so execution order stays deterministic.
			return r.pause(st), false, nil
		}

		// Approved, or no gate. The budget check comes before the
		// execution, always.
		if st.ToolCallsUsed >= r.maxToolCalls {
			r.logger.Warn("tool call budget exhausted, skipping call",
				"thread_id", st.ID, "tool", call.Name, "used", st.ToolCallsUsed)
			r.appendToolResult(st, call, skippedNotice, "")
			continue
		}

		if err := r.execute(ctx, st, call); err != nil {
			return nil, false, err
		}
	}
	return nil, true, nil
}

func (r *Runner) needsConfirmation(toolName string) bool {
	if r.confirmAll {
		return true
	}
	_, ok := r.confirm[toolName]
	return ok
}

func (r *Runner) execute(ctx context.Context, st *thread.State, call llm.ToolCall) error {
	r.publish(Event{Type: "tool.started", ThreadID: st.ID, Data: map[string]any{
		"tool_call_id": call.ID, "tool": call.Name,
	}})
	if r.archive != nil {
		if err := r.archive.RecordToolCall(st.ID, call.ID, call.Name, call.Arguments); err != nil {
			r.logger.Warn("archiving tool call failed", "error", err)
		}
	}

	start := time.Now()
	result, err := r.registry.Execute(ctx, call.Name, call.Arguments, st.AuthToken)
	if err != nil && ctx.Err() != nil {
		// Cancellation leaves the thread exactly as it was before this
		// call; no partial result is appended.
		return ctx.Err()
	}
	st.ToolCallsUsed++

	errMsg := ""
	if err != nil {
		// Tool failures are content the model can react to, not turn
		// failures.
		errMsg = err.Error()
		result = "Error: " + errMsg
		r.logger.Warn("tool execution failed",
			"thread_id", st.ID, "tool", call.Name, "error", err)
	} else {
		r.logger.Debug("tool executed",
			"thread_id", st.ID, "tool", call.Name,
			"duration", time.Since(start).Round(time.Millisecond))
	}

	r.appendToolResult(st, call, result, errMsg)
	r.publish(Event{Type: "tool.completed", ThreadID: st.ID, Data: map[string]any{
		"tool_call_id": call.ID, "tool": call.Name, "error": errMsg != "",
	}})
	return nil
}

func (r *Runner) appendToolResult(st *thread.State, call llm.ToolCall, content, errMsg string) {
	msg := llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
	st.Append(msg)
	r.archiveMessage(st.ID, msg)
	if r.archive != nil {
		if err := r.archive.CompleteToolCall(call.ID, content, errMsg); err != nil {
			r.logger.Debug("completing archived tool call failed", "error", err)
		}
	}
}

func (r *Runner) pause(st *thread.State) *Result {
	st.AwaitingConfirmation = true
	r.publish(Event{Type: "turn.awaiting", ThreadID: st.ID})
	return &Result{
		Status:        StatusAwaitingConfirmation,
		Pending:       st.PendingCalls(),
		ToolCallsUsed: st.ToolCallsUsed,
	}
}

func (r *Runner) archiveMessage(threadID string, msg llm.Message) {
	if r.archive == nil {
		return
	}
	if err := r.archive.AddMessage(threadID, msg); err != nil {
		r.logger.Warn("archiving message failed", "thread_id", threadID, "error", err)
	}
}

func (r *Runner) publish(ev Event) {
	if r.events == nil {
		return
	}
	ev.Time = time.Now()
	r.events.Publish(ev)
}

func lastAssistantCalls(st *thread.State) []llm.ToolCall {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == llm.RoleAssistant {
			return st.Messages[i].ToolCalls
		}
	}
	return nil
}
