// Package session maps caller credentials to conversation threads.
// A credential keeps resolving to the same thread until it has been
// idle for the TTL or longer; expiry is checked lazily on access,
// there is no background sweeper.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// record tracks one credential's active thread.
type record struct {
	threadID   string
	lastAccess time.Time
}

// Manager resolves credentials to thread IDs.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	// onExpire runs when a thread is replaced or cleared, so the owner
	// can release per-thread resources (history, relevance index).
	onExpire func(threadID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpiryHook sets the callback invoked with each retired thread ID.
func WithExpiryHook(fn func(threadID string)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

// NewManager creates a session manager with the given idle TTL.
func NewManager(ttl time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		records: make(map[string]*record),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the thread ID for a credential, creating a fresh
// thread when the credential is unknown or its thread has gone idle
// past the TTL. An empty credential is anonymous and always gets a
// fresh thread that is never stored.
func (m *Manager) Resolve(credential string) (threadID string, fresh bool) {
	if credential == "" {
		return newThreadID(), true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec, ok := m.records[credential]; ok {
		if now.Sub(rec.lastAccess) < m.ttl {
			rec.lastAccess = now
			return rec.threadID, false
		}
		m.logger.Info("session expired, starting fresh thread",
			"thread_id", rec.threadID,
			"idle", now.Sub(rec.lastAccess).Round(time.Second))
		m.expireLocked(rec.threadID)
	}

	id := newThreadID()
	m.records[credential] = &record{threadID: id, lastAccess: now}
	return id, true
}

// Peek returns the credential's current thread ID without touching the
// access time. Expired sessions report not-found.
func (m *Manager) Peek(credential string) (string, bool) {
	if credential == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[credential]
	if !ok || m.now().Sub(rec.lastAccess) >= m.ttl {
		return "", false
	}
	return rec.threadID, true
}

// Clear ends a credential's session immediately. Returns the retired
// thread ID, if any.
func (m *Manager) Clear(credential string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[credential]
	if !ok {
		return "", false
	}
	delete(m.records, credential)
	m.expireLocked(rec.threadID)
	return rec.threadID, true
}

// Active returns the number of live (possibly stale) sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) expireLocked(threadID string) {
	if m.onExpire != nil {
		// Runs under the manager lock; hooks must not call back in.
		m.onExpire(threadID)
	}
}

func newThreadID() string {
	return uuid.New().String()
}
