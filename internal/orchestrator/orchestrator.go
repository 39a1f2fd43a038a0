// Package orchestrator wires sessions, threads, tools, and the turn
// runner into the operations the API surface exposes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluidtools/agent/internal/agent"
	"github.com/fluidtools/agent/internal/config"
	"github.com/fluidtools/agent/internal/httpkit"
	"github.com/fluidtools/agent/internal/llm"
	"github.com/fluidtools/agent/internal/selector"
	"github.com/fluidtools/agent/internal/session"
	"github.com/fluidtools/agent/internal/thread"
	"github.com/fluidtools/agent/internal/tools"
)

// Orchestrator owns the shared state behind the API: the tool registry
// generated from the loaded collection, the credential-to-thread
// session map, live thread state, and the turn runner.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	model    llm.Client
	sessions *session.Manager
	threads  *thread.Store
	archive  *thread.Archive // optional
	events   agent.EventSink // optional
	sel      *selector.Client
	env      *tools.Env

	toolClient *http.Client

	// mu guards the fields swapped when a new collection is loaded or
	// the agent is re-initialized.
	mu           sync.RWMutex
	registry     *tools.Registry
	runner       *agent.Runner
	collectionID string
	instructions string
}

// New creates an orchestrator from configuration. The archive and event
// sink may be nil.
func New(cfg *config.Config, model llm.Client, archive *thread.Archive, events agent.EventSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		model:        model,
		threads:      thread.NewStore(logger),
		archive:      archive,
		events:       events,
		env:          tools.NewEnv(),
		toolClient:   httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
		instructions: cfg.Agent.SystemInstructions,
	}

	o.sessions = session.NewManager(cfg.Agent.SessionTTL(), logger,
		session.WithExpiryHook(o.threads.Delete))

	if cfg.Selection.Enabled {
		o.sel = selector.New(cfg.Selection.BaseURL, logger,
			selector.WithTopK(cfg.Selection.TopK),
			selector.WithMinTools(cfg.Selection.MinTools))
	}

	o.registry = tools.NewRegistry(logger)
	o.runner = o.newRunner(o.registry)
	return o
}

func (o *Orchestrator) newRunner(reg *tools.Registry) *agent.Runner {
	opts := []agent.RunnerOption{
		agent.WithMaxToolCalls(o.cfg.Agent.MaxToolCallsPerTurn),
		agent.WithConfirmation(o.cfg.Agent.ConfirmationRequired),
	}
	if o.sel != nil {
		opts = append(opts, agent.WithSelector(o))
	}
	if o.archive != nil {
		opts = append(opts, agent.WithArchiver(o.archive))
	}
	if o.events != nil {
		opts = append(opts, agent.WithEventSink(o.events))
	}
	return agent.NewRunner(o.model, reg, o.logger, opts...)
}

// Select implements agent.Selector against the loaded collection's
// relevance index. The thread's own ID is irrelevant here: selection is
// a property of the collection, so all threads share one index.
func (o *Orchestrator) Select(ctx context.Context, _, query string, available int) []string {
	o.mu.RLock()
	colID := o.collectionID
	o.mu.RUnlock()
	if o.sel == nil || colID == "" {
		return nil
	}
	return o.sel.Select(ctx, colID, query, available)
}

// LoadCollection parses an API collection document, generates its
// tools, and swaps them in as the active registry. The previous
// collection's relevance index is discarded. Returns the tool count.
func (o *Orchestrator) LoadCollection(ctx context.Context, data []byte) (int, error) {
	col, err := tools.ParseCollection(data)
	if err != nil {
		return 0, err
	}

	reg := tools.NewRegistry(o.logger)
	for _, t := range tools.Generate(col, o.toolClient, o.env) {
		reg.Register(t)
	}

	colID := uuid.New().String()

	o.mu.Lock()
	oldID := o.collectionID
	o.registry = reg
	o.runner = o.newRunner(reg)
	o.collectionID = colID
	o.mu.Unlock()

	if o.sel != nil {
		if oldID != "" {
			o.sel.EndSession(ctx, oldID)
		}
		o.sel.Index(ctx, colID, reg.Infos())
	}

	o.logger.Info("collection loaded",
		"name", col.Info.Name, "tools", reg.Len())
	return reg.Len(), nil
}

// Initialize sets the system instructions and environment variables
// used by tool handlers. Existing threads keep their original system
// message; new threads pick up the new instructions.
func (o *Orchestrator) Initialize(instructions string, envVars map[string]string) {
	o.env.SetAll(envVars)
	o.mu.Lock()
	if instructions != "" {
		o.instructions = instructions
	}
	o.mu.Unlock()
	o.logger.Info("agent initialized", "env_vars", len(envVars))
}

// PendingView is the client-facing shape of a pending confirmation.
type PendingView struct {
	ToolCallID string         `json:"tool_call_id"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments"`
	CreatedAt  time.Time      `json:"created_at"`
}

// QueryResult is the outcome of a query or a decision submission.
type QueryResult struct {
	ThreadID      string        `json:"thread_id"`
	Status        agent.Status  `json:"status"`
	Reply         string        `json:"reply,omitempty"`
	Pending       []PendingView `json:"pending,omitempty"`
	ToolCallsUsed int           `json:"tool_calls_used"`
}

// Query runs one turn for the caller. The credential selects (or
// lazily creates) the thread and is forwarded to tool handlers as the
// bearer token. A thread paused on confirmation does not accept a new
// query; the caller gets the pending list back instead.
func (o *Orchestrator) Query(ctx context.Context, credential, query string) (*QueryResult, error) {
	threadID, fresh := o.sessions.Resolve(credential)

	// Anonymous turns run on a throwaway thread. Registering it in the
	// store would leak state no expiry path can ever reclaim.
	var st *thread.State
	if credential == "" {
		st = thread.NewState(threadID)
	} else {
		st = o.threads.GetOrCreate(threadID)
	}

	st.Lock()
	defer st.Unlock()

	o.mu.RLock()
	runner := o.runner
	instructions := o.instructions
	o.mu.RUnlock()

	if fresh || len(st.Messages) == 0 {
		if instructions != "" {
			st.Append(llm.Message{Role: llm.RoleSystem, Content: instructions})
		}
	}

	if st.AwaitingConfirmation {
		return &QueryResult{
			ThreadID:      threadID,
			Status:        agent.StatusAwaitingConfirmation,
			Pending:       pendingViews(st.PendingCalls()),
			ToolCallsUsed: st.ToolCallsUsed,
		}, nil
	}

	res, err := runner.Run(ctx, st, query, credential)
	if err != nil {
		return nil, err
	}
	return o.toQueryResult(threadID, res), nil
}

// Decision is one human verdict on a pending tool call.
type Decision struct {
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
}

// Decide records approval decisions and resumes the paused turn.
// A decision for an unknown call ID fails with
// ConfirmationNotFoundError; re-deciding an already resolved call is a
// no-op and does not flip the earlier verdict.
func (o *Orchestrator) Decide(ctx context.Context, credential string, decisions []Decision) (*QueryResult, error) {
	threadID, ok := o.sessions.Peek(credential)
	if !ok {
		return nil, fmt.Errorf("no active session")
	}
	st, ok := o.threads.Get(threadID)
	if !ok {
		return nil, fmt.Errorf("no active session")
	}

	st.Lock()
	defer st.Unlock()

	if !st.AwaitingConfirmation {
		return nil, fmt.Errorf("thread %s has no pending confirmations", threadID)
	}

	for _, d := range decisions {
		pc, ok := st.Pending[d.ToolCallID]
		if !ok {
			return nil, &agent.ConfirmationNotFoundError{CallID: d.ToolCallID}
		}
		if pc.Resolved {
			continue
		}
		pc.Resolved = true
		pc.Approved = d.Approved
		o.logger.Info("tool call decided",
			"thread_id", threadID,
			"tool_call_id", d.ToolCallID,
			"tool", pc.Call.Name,
			"approved", d.Approved)
	}

	o.mu.RLock()
	runner := o.runner
	o.mu.RUnlock()

	res, err := runner.Resume(ctx, st)
	if err != nil {
		return nil, err
	}
	return o.toQueryResult(threadID, res), nil
}

// Pending returns the caller's unresolved confirmations.
func (o *Orchestrator) Pending(credential string) ([]PendingView, error) {
	threadID, ok := o.sessions.Peek(credential)
	if !ok {
		return nil, fmt.Errorf("no active session")
	}
	st, ok := o.threads.Get(threadID)
	if !ok {
		return nil, fmt.Errorf("no active session")
	}

	st.Lock()
	defer st.Unlock()
	return pendingViews(st.PendingCalls()), nil
}

// SessionInfo describes the caller's session state.
type SessionInfo struct {
	ThreadID string `json:"thread_id"`
	Active   bool   `json:"active"`
}

// Session reports the caller's current thread without extending its TTL.
func (o *Orchestrator) Session(credential string) SessionInfo {
	threadID, ok := o.sessions.Peek(credential)
	return SessionInfo{ThreadID: threadID, Active: ok}
}

// ClearThread ends the caller's session and discards its state,
// archived history included. Idle expiry keeps the archive; an
// explicit reset does not.
func (o *Orchestrator) ClearThread(credential string) (string, bool) {
	threadID, ok := o.sessions.Clear(credential)
	if !ok {
		return "", false
	}
	if o.archive != nil {
		if err := o.archive.Clear(threadID); err != nil {
			o.logger.Warn("clearing archived thread failed", "thread_id", threadID, "error", err)
		}
	}
	o.logger.Info("thread cleared", "thread_id", threadID)
	return threadID, true
}

// Threads exposes the live thread store.
func (o *Orchestrator) Threads() *thread.Store {
	return o.threads
}

// Archive exposes the durable store, or nil when archiving is off.
func (o *Orchestrator) Archive() *thread.Archive {
	return o.archive
}

// ToolCount returns the active registry's size.
func (o *Orchestrator) ToolCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.registry.Len()
}

// Close releases external resources.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.RLock()
	colID := o.collectionID
	o.mu.RUnlock()
	if o.sel != nil && colID != "" {
		o.sel.EndSession(ctx, colID)
	}
	if o.archive != nil {
		if err := o.archive.Close(); err != nil {
			o.logger.Warn("closing archive failed", "error", err)
		}
	}
}

func (o *Orchestrator) toQueryResult(threadID string, res *agent.Result) *QueryResult {
	return &QueryResult{
		ThreadID:      threadID,
		Status:        res.Status,
		Reply:         res.Reply,
		Pending:       pendingViews(res.Pending),
		ToolCallsUsed: res.ToolCallsUsed,
	}
}

func pendingViews(pcs []*thread.PendingConfirmation) []PendingView {
	out := make([]PendingView, 0, len(pcs))
	for _, pc := range pcs {
		out = append(out, PendingView{
			ToolCallID: pc.Call.ID,
			Tool:       pc.Call.Name,
			Arguments:  pc.Call.Arguments,
			CreatedAt:  pc.CreatedAt,
		})
	}
	return out
}
