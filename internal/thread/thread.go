// Package thread holds per-conversation state: message history, the
// tool-call budget, and confirmations waiting on a human decision.
package thread

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fluidtools/agent/internal/llm"
)

// PendingConfirmation is a tool call paused for human approval.
type PendingConfirmation struct {
	Call      llm.ToolCall `json:"call"`
	CreatedAt time.Time    `json:"created_at"`
	Resolved  bool         `json:"resolved"`
	Approved  bool         `json:"approved"`
}

// State is the live state of one conversation thread. Callers hold the
// thread lock for the duration of a turn; a thread never runs two turns
// concurrently.
type State struct {
	mu sync.Mutex

	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []llm.Message

	// Pending maps tool call IDs to their confirmation state. Entries
	// stay after resolution so a repeated decision is a detectable no-op.
	Pending map[string]*PendingConfirmation

	// AwaitingConfirmation is set while the turn is paused on approval.
	AwaitingConfirmation bool

	// ToolCallsUsed counts tool results appended this turn, checked
	// against the per-turn budget before every execution.
	ToolCallsUsed int

	// AuthToken is the caller's bearer credential, kept so a resumed
	// turn forwards the same token to tool handlers.
	AuthToken string

	// Query is the user text that started the current turn, kept for
	// relevance selection on resume.
	Query string
}

// Lock acquires the thread for a turn.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the thread.
func (s *State) Unlock() { s.mu.Unlock() }

// Append adds a message and bumps the update time. Caller holds the lock.
func (s *State) Append(msg llm.Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// BeginTurn resets the per-turn budget counter and records the query.
// Caller holds the lock.
func (s *State) BeginTurn(query string) {
	s.ToolCallsUsed = 0
	s.Query = query
}

// PendingCalls returns the unresolved confirmations in the order their
// tool calls appear in the last assistant message. Caller holds the lock.
func (s *State) PendingCalls() []*PendingConfirmation {
	last := s.lastAssistant()
	if last == nil {
		return nil
	}
	var out []*PendingConfirmation
	for _, tc := range last.ToolCalls {
		if pc, ok := s.Pending[tc.ID]; ok && !pc.Resolved {
			out = append(out, pc)
		}
	}
	return out
}

// HasToolResult reports whether a tool-role message for the given call
// ID already exists. Caller holds the lock.
func (s *State) HasToolResult(callID string) bool {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == llm.RoleTool && m.ToolCallID == callID {
			return true
		}
	}
	return false
}

// NewState creates a blank thread. Threads that outlive a turn belong
// in a Store; a standalone state serves a one-off anonymous turn and is
// garbage once the turn returns.
func NewState(id string) *State {
	now := time.Now()
	return &State{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Pending:   make(map[string]*PendingConfirmation),
	}
}

func (s *State) lastAssistant() *llm.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return &s.Messages[i]
		}
	}
	return nil
}

// Store is the in-memory collection of live threads.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*State
	logger  *slog.Logger
}

// NewStore creates an empty thread store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		threads: make(map[string]*State),
		logger:  logger,
	}
}

// Get returns the thread with the given ID, if it exists.
func (st *Store) Get(id string) (*State, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.threads[id]
	return s, ok
}

// GetOrCreate returns the thread with the given ID, creating it on
// first use.
func (st *Store) GetOrCreate(id string) *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.threads[id]; ok {
		return s
	}
	s := NewState(id)
	st.threads[id] = s
	st.logger.Debug("thread created", "thread_id", id)
	return s
}

// Delete removes a thread from the store.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.threads[id]; ok {
		delete(st.threads, id)
		st.logger.Debug("thread deleted", "thread_id", id)
	}
}

// Len returns the number of live threads.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.threads)
}
