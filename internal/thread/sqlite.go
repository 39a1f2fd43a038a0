package thread

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fluidtools/agent/internal/llm"
)

// Archive is the SQLite-backed durable record of thread activity.
// Live turns run against in-memory state; the archive exists for
// inspection endpoints and tool usage stats, so writes are best-effort
// from the caller's point of view.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (or creates) the archive database at dbPath.
func NewArchive(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_thread ON tool_calls(thread_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) ensureThread(threadID string) error {
	now := time.Now()
	_, err := a.db.Exec(`
		INSERT OR IGNORE INTO threads (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, threadID, now, now)
	return err
}

// AddMessage appends a message to the thread's archive.
func (a *Archive) AddMessage(threadID string, msg llm.Message) error {
	if err := a.ensureThread(threadID); err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}

	now := time.Now()
	msgID, _ := uuid.NewV7()

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err == nil {
			toolCalls = string(data)
		}
	}

	_, err := a.db.Exec(`
		INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), threadID, msg.Role, msg.Content, toolCalls, nullable(msg.ToolCallID), now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = a.db.Exec(`UPDATE threads SET updated_at = ? WHERE id = ?`, now, threadID)
	return err
}

// ArchivedMessage is a message row read back from the archive.
type ArchivedMessage struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  string    `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Messages returns the thread's archived messages in order.
func (a *Archive) Messages(threadID string) []ArchivedMessage {
	rows, err := a.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, id ASC
	`, threadID)
	if err != nil {
		return []ArchivedMessage{}
	}
	defer rows.Close()

	var messages []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			continue
		}
		if toolCalls.Valid {
			m.ToolCalls = toolCalls.String
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		messages = append(messages, m)
	}
	return messages
}

// RecordToolCall records the start of a tool execution.
func (a *Archive) RecordToolCall(threadID, callID, toolName string, args map[string]any) error {
	if err := a.ensureThread(threadID); err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}

	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}

	_, err = a.db.Exec(`
		INSERT OR IGNORE INTO tool_calls (id, thread_id, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, callID, threadID, toolName, string(argJSON), time.Now())
	return err
}

// CompleteToolCall records a tool call's outcome.
func (a *Archive) CompleteToolCall(callID, result, errMsg string) error {
	var startedAt time.Time
	if err := a.db.QueryRow(`SELECT started_at FROM tool_calls WHERE id = ?`, callID).Scan(&startedAt); err != nil {
		return fmt.Errorf("tool call not found: %s", callID)
	}

	now := time.Now()
	_, err := a.db.Exec(`
		UPDATE tool_calls
		SET result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, result, errMsg, now, now.Sub(startedAt).Milliseconds(), callID)
	return err
}

// Clear removes a thread and everything recorded under it.
func (a *Archive) Clear(threadID string) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tool_calls WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

// ToolCallStats summarizes tool usage across all threads.
func (a *Archive) ToolCallStats() map[string]any {
	stats := make(map[string]any)

	var total int
	_ = a.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&total)
	stats["total_calls"] = total

	byTool := make(map[string]int)
	rows, err := a.db.Query(`SELECT tool_name, COUNT(*) FROM tool_calls GROUP BY tool_name ORDER BY COUNT(*) DESC`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var name string
			var count int
			if err := rows.Scan(&name, &count); err != nil {
				continue
			}
			byTool[name] = count
		}
	}
	stats["by_tool"] = byTool

	var avgMs float64
	_ = a.db.QueryRow(`SELECT COALESCE(AVG(duration_ms), 0) FROM tool_calls WHERE completed_at IS NOT NULL`).Scan(&avgMs)
	stats["avg_duration_ms"] = avgMs

	var errors int
	_ = a.db.QueryRow(`SELECT COUNT(*) FROM tool_calls WHERE error IS NOT NULL AND error != ''`).Scan(&errors)
	if total > 0 {
		stats["error_rate"] = float64(errors) / float64(total)
	} else {
		stats["error_rate"] = 0.0
	}

	return stats
}

// Stats returns archive-wide counters.
func (a *Archive) Stats() map[string]any {
	var threadCount, msgCount int
	_ = a.db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&threadCount)
	_ = a.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	return map[string]any{
		"threads":  threadCount,
		"messages": msgCount,
		"storage":  "sqlite",
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
