package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fluidtools/agent/internal/llm"
	"github.com/fluidtools/agent/internal/thread"
	"github.com/fluidtools/agent/internal/tools"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// scriptedModel returns canned responses in order and records the tool
// schemas offered on each invocation.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	i         int
	err       error

	offeredTools [][]map[string]any
}

func (m *scriptedModel) Chat(ctx context.Context, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.offeredTools = append(m.offeredTools, toolSchemas)
	if m.i >= len(m.responses) {
		return nil, fmt.Errorf("scripted model exhausted after %d calls", m.i)
	}
	resp := m.responses[m.i]
	m.i++
	return resp, nil
}

func (m *scriptedModel) Ping(ctx context.Context) error { return nil }

func textResp(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}
}

func toolResp(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

// execRecorder registers tools whose executions it counts.
type execRecorder struct {
	mu    sync.Mutex
	execs []string
	auths []string
	fail  map[string]bool
}

func (e *execRecorder) tool(name string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "test tool",
		Handler: func(ctx context.Context, args map[string]any, authToken string) (string, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.execs = append(e.execs, name)
			e.auths = append(e.auths, authToken)
			if e.fail[name] {
				return "", fmt.Errorf("%s blew up", name)
			}
			return "result of " + name, nil
		},
	}
}

func newTestState(id string) *thread.State {
	return thread.NewStore(discard()).GetOrCreate(id)
}

func setup(model llm.Client, rec *execRecorder, toolNames []string, opts ...RunnerOption) *Runner {
	reg := tools.NewRegistry(discard())
	for _, name := range toolNames {
		reg.Register(rec.tool(name))
	}
	return NewRunner(model, reg, discard(), opts...)
}

func TestRun_TextAnswer(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{textResp("42")}}
	r := setup(model, &execRecorder{}, []string{"act"})
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "what is the answer", "")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != StatusCompleted || res.Reply != "42" {
		t.Errorf("result = %+v", res)
	}
	if res.ToolCallsUsed != 0 {
		t.Errorf("ToolCallsUsed = %d", res.ToolCallsUsed)
	}
	// History: user message then assistant reply.
	if len(st.Messages) != 2 || st.Messages[0].Role != llm.RoleUser {
		t.Errorf("messages = %+v", st.Messages)
	}
}

func TestRun_ExecutesToolsInOrder(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(
			llm.ToolCall{ID: "c1", Name: "first", Arguments: map[string]any{"x": 1.0}},
			llm.ToolCall{ID: "c2", Name: "second"},
		),
		textResp("all done"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"second", "first"})
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "do both", "tok-9")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != StatusCompleted || res.Reply != "all done" {
		t.Fatalf("result = %+v", res)
	}
	// Execution follows the order the model requested, not
	// registration order.
	if len(rec.execs) != 2 || rec.execs[0] != "first" || rec.execs[1] != "second" {
		t.Errorf("executions = %v", rec.execs)
	}
	if rec.auths[0] != "tok-9" {
		t.Errorf("auth token = %q", rec.auths[0])
	}
	if res.ToolCallsUsed != 2 {
		t.Errorf("ToolCallsUsed = %d, want 2", res.ToolCallsUsed)
	}

	// Tool results are in the conversation, keyed to their calls.
	var toolMsgs []llm.Message
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 || toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].ToolCallID != "c2" {
		t.Errorf("tool messages = %+v", toolMsgs)
	}
}

func TestRun_BudgetEnforcedBeforeExecution(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(
			llm.ToolCall{ID: "c1", Name: "act"},
			llm.ToolCall{ID: "c2", Name: "act"},
			llm.ToolCall{ID: "c3", Name: "act"},
		),
		textResp("wrapped up"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"act"}, WithMaxToolCalls(2))
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "go", "")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(rec.execs) != 2 {
		t.Errorf("executions = %d, want 2 (third call skipped)", len(rec.execs))
	}
	if res.ToolCallsUsed != 2 {
		t.Errorf("ToolCallsUsed = %d, want 2", res.ToolCallsUsed)
	}

	// The skipped call still gets a result message so the conversation
	// stays well formed, but it marks the skip.
	var third string
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "c3" {
			third = m.Content
		}
	}
	if !strings.Contains(third, "skipped") {
		t.Errorf("third call result = %q, want skip notice", third)
	}

	// With the budget exhausted, the final model call offers no tools.
	last := model.offeredTools[len(model.offeredTools)-1]
	if len(last) != 0 {
		t.Errorf("final call offered %d tools, want 0", len(last))
	}
	if res.Status != StatusCompleted || res.Reply != "wrapped up" {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_BudgetStopsStubbornModel(t *testing.T) {
	// A model that keeps requesting tool calls after the budget is
	// spent must not keep the loop alive.
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "act"}),
		toolResp(llm.ToolCall{ID: "c2", Name: "act"}),
		toolResp(llm.ToolCall{ID: "c3", Name: "act"}),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"act"}, WithMaxToolCalls(1))
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "go", "")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	if len(rec.execs) != 1 {
		t.Errorf("executions = %d, want 1", len(rec.execs))
	}
	// The first call spends the budget; the follow-up invocation still
	// requests a tool, and the turn ends there instead of looping.
	if got := len(model.offeredTools); got != 2 {
		t.Errorf("model invocations = %d, want 2", got)
	}

	var notice string
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "c2" {
			notice = m.Content
		}
	}
	if !strings.Contains(notice, "skipped") {
		t.Errorf("unexecuted call result = %q, want skip notice", notice)
	}
}

func TestRun_ModelErrorIsFatal(t *testing.T) {
	model := &scriptedModel{err: fmt.Errorf("connection refused")}
	r := setup(model, &execRecorder{}, []string{"act"})
	st := newTestState("t-1")

	_, err := r.Run(context.Background(), st, "go", "")
	var mie *ModelInvocationError
	if !errors.As(err, &mie) {
		t.Fatalf("error = %v, want ModelInvocationError", err)
	}
}

func TestRun_ToolErrorBecomesContent(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "act"}),
		textResp("recovered"),
	}}
	rec := &execRecorder{fail: map[string]bool{"act": true}}
	r := setup(model, rec, []string{"act"})
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "go", "")
	if err != nil {
		t.Fatalf("tool failure should not fail the turn: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}

	var content string
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool {
			content = m.Content
		}
	}
	if !strings.Contains(content, "blew up") {
		t.Errorf("tool result = %q, want the error text", content)
	}
}

func TestRun_UnknownToolBecomesContent(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "hallucinated"}),
		textResp("ok then"),
	}}
	r := setup(model, &execRecorder{}, []string{"act"})
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "go", "")
	if err != nil {
		t.Fatalf("unknown tool should not fail the turn: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %v", res.Status)
	}
}

func TestRun_ConfirmationPausesBeforeExecution(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "transfer_funds", Arguments: map[string]any{"amount": 100.0}}),
		textResp("final"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"transfer_funds"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	res, err := r.Run(context.Background(), st, "send $100", "")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != StatusAwaitingConfirmation {
		t.Fatalf("status = %v, want awaiting", res.Status)
	}
	if len(res.Pending) != 1 || res.Pending[0].Call.Name != "transfer_funds" {
		t.Fatalf("pending = %+v", res.Pending)
	}
	if len(rec.execs) != 0 {
		t.Error("gated tool must not execute before approval")
	}
}

func TestResume_RejectedCallNeverExecutes(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "transfer_funds"}),
		textResp("understood, cancelled"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"transfer_funds"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	if _, err := r.Run(context.Background(), st, "send money", ""); err != nil {
		t.Fatal(err)
	}

	st.Pending["c1"].Resolved = true
	st.Pending["c1"].Approved = false

	res, err := r.Resume(context.Background(), st)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if res.Status != StatusCompleted || res.Reply != "understood, cancelled" {
		t.Fatalf("result = %+v", res)
	}
	if len(rec.execs) != 0 {
		t.Error("rejected tool must never execute")
	}
	if res.ToolCallsUsed != 0 {
		t.Errorf("ToolCallsUsed = %d, want 0 for a rejected call", res.ToolCallsUsed)
	}

	// The model sees a cancellation notice, not a fabricated result.
	var content string
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "c1" {
			content = m.Content
		}
	}
	if !strings.Contains(content, "rejected") || !strings.Contains(content, "not executed") {
		t.Errorf("rejection notice = %q", content)
	}
}

func TestResume_ApprovedCallExecutes(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "transfer_funds"}),
		textResp("transfer complete"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"transfer_funds"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	if _, err := r.Run(context.Background(), st, "send money", "tok-1"); err != nil {
		t.Fatal(err)
	}

	st.Pending["c1"].Resolved = true
	st.Pending["c1"].Approved = true

	res, err := r.Resume(context.Background(), st)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if res.Status != StatusCompleted || res.Reply != "transfer complete" {
		t.Fatalf("result = %+v", res)
	}
	if len(rec.execs) != 1 || rec.execs[0] != "transfer_funds" {
		t.Errorf("executions = %v", rec.execs)
	}
	if rec.auths[0] != "tok-1" {
		t.Errorf("resumed execution lost the auth token: %q", rec.auths[0])
	}
}

func TestResume_PartialDecisionsRepause(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(
			llm.ToolCall{ID: "c1", Name: "transfer_funds"},
			llm.ToolCall{ID: "c2", Name: "transfer_funds"},
		),
		textResp("done"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"transfer_funds"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	res, _ := r.Run(context.Background(), st, "two transfers", "")
	if len(res.Pending) != 2 {
		t.Fatalf("pending = %d, want both gated calls registered", len(res.Pending))
	}

	// Approve only the first; the second stays undecided.
	st.Pending["c1"].Resolved = true
	st.Pending["c1"].Approved = true

	res, err := r.Resume(context.Background(), st)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if res.Status != StatusAwaitingConfirmation {
		t.Fatalf("status = %v, want still awaiting", res.Status)
	}
	if len(rec.execs) != 1 {
		t.Fatalf("executions = %v, want only the approved call", rec.execs)
	}
	if len(res.Pending) != 1 || res.Pending[0].Call.ID != "c2" {
		t.Errorf("pending after partial resume = %+v", res.Pending)
	}

	// Decide the rest; the first call must not run again.
	st.Pending["c2"].Resolved = true
	st.Pending["c2"].Approved = true

	res, err = r.Resume(context.Background(), st)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	if len(rec.execs) != 2 {
		t.Errorf("executions = %v, approved call ran twice or not at all", rec.execs)
	}
}

func TestRun_RefusesWhileAwaiting(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(llm.ToolCall{ID: "c1", Name: "transfer_funds"}),
	}}
	r := setup(model, &execRecorder{}, []string{"transfer_funds"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	if _, err := r.Run(context.Background(), st, "send", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), st, "another query", ""); err == nil {
		t.Error("Run on an awaiting thread should error")
	}
}

func TestResume_RequiresAwaitingState(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{textResp("hi")}}
	r := setup(model, &execRecorder{}, []string{"act"})
	st := newTestState("t-1")

	if _, err := r.Resume(context.Background(), st); err == nil {
		t.Error("Resume on a non-awaiting thread should error")
	}
}

func TestRun_UngatedCallWaitsBehindGated(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResp(
			llm.ToolCall{ID: "c1", Name: "transfer_funds"},
			llm.ToolCall{ID: "c2", Name: "get_balance"},
		),
		textResp("done"),
	}}
	rec := &execRecorder{}
	r := setup(model, rec, []string{"transfer_funds", "get_balance"},
		WithConfirmation([]string{"transfer_funds"}))
	st := newTestState("t-1")

	res, _ := r.Run(context.Background(), st, "transfer then check", "")
	if res.Status != StatusAwaitingConfirmation {
		t.Fatalf("status = %v", res.Status)
	}
	if len(rec.execs) != 0 {
		t.Errorf("nothing should execute while an earlier call is undecided, got %v", rec.execs)
	}

	st.Pending["c1"].Resolved = true
	st.Pending["c1"].Approved = true

	res, err := r.Resume(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	if len(rec.execs) != 2 || rec.execs[0] != "transfer_funds" || rec.execs[1] != "get_balance" {
		t.Errorf("execution order = %v", rec.execs)
	}
}
