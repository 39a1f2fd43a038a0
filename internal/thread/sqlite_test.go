package thread

import (
	"path/filepath"
	"testing"

	"github.com/fluidtools/agent/internal/llm"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("NewArchive error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchive_Messages(t *testing.T) {
	a := newTestArchive(t)

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "act"}}},
		{Role: llm.RoleTool, Content: "done", ToolCallID: "call_1"},
	}
	for _, m := range msgs {
		if err := a.AddMessage("t-1", m); err != nil {
			t.Fatalf("AddMessage error: %v", err)
		}
	}

	got := a.Messages("t-1")
	if len(got) != 3 {
		t.Fatalf("Messages = %d entries, want 3", len(got))
	}
	if got[0].Role != llm.RoleUser || got[0].Content != "hello" {
		t.Errorf("first message = %+v", got[0])
	}
	if got[1].ToolCalls == "" {
		t.Error("assistant message should carry serialized tool calls")
	}
	if got[2].ToolCallID != "call_1" {
		t.Errorf("tool message ToolCallID = %q", got[2].ToolCallID)
	}

	if other := a.Messages("t-2"); len(other) != 0 {
		t.Errorf("unknown thread returned %d messages", len(other))
	}
}

func TestArchive_ToolCallLifecycle(t *testing.T) {
	a := newTestArchive(t)

	err := a.RecordToolCall("t-1", "call_1", "get_balance", map[string]any{"account_id": "a-1"})
	if err != nil {
		t.Fatalf("RecordToolCall error: %v", err)
	}
	if err := a.CompleteToolCall("call_1", `{"balance": 10}`, ""); err != nil {
		t.Fatalf("CompleteToolCall error: %v", err)
	}

	if err := a.CompleteToolCall("missing", "", ""); err == nil {
		t.Error("completing an unrecorded call should error")
	}

	stats := a.ToolCallStats()
	if stats["total_calls"] != 1 {
		t.Errorf("total_calls = %v", stats["total_calls"])
	}
	byTool := stats["by_tool"].(map[string]int)
	if byTool["get_balance"] != 1 {
		t.Errorf("by_tool = %v", byTool)
	}
	if stats["error_rate"] != 0.0 {
		t.Errorf("error_rate = %v", stats["error_rate"])
	}
}

func TestArchive_ErrorRate(t *testing.T) {
	a := newTestArchive(t)

	a.RecordToolCall("t-1", "c1", "act", nil)
	a.RecordToolCall("t-1", "c2", "act", nil)
	a.CompleteToolCall("c1", "ok", "")
	a.CompleteToolCall("c2", "", "boom")

	stats := a.ToolCallStats()
	if stats["error_rate"] != 0.5 {
		t.Errorf("error_rate = %v, want 0.5", stats["error_rate"])
	}
}

func TestArchive_Clear(t *testing.T) {
	a := newTestArchive(t)

	a.AddMessage("t-1", llm.Message{Role: llm.RoleUser, Content: "hi"})
	a.RecordToolCall("t-1", "c1", "act", nil)

	if err := a.Clear("t-1"); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if got := a.Messages("t-1"); len(got) != 0 {
		t.Errorf("messages remain after Clear: %d", len(got))
	}
	stats := a.Stats()
	if stats["threads"] != 0 {
		t.Errorf("threads = %v after Clear", stats["threads"])
	}
}
