package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-memory Store implementation.
// Sessions live in a process-local map and are lost on restart, which is
// acceptable: the remote API keeps the conversation history, the bot only
// loses the pointer to it.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore constructs an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get retrieves the session for a user.
func (m *MemoryStore) Get(_ context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	sess, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy so callers cannot mutate store state directly.
	cp := *sess
	return &cp, nil
}

// Create creates a fresh session with no conversation identifier.
func (m *MemoryStore) Create(_ context.Context, userID, username string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	if _, ok := m.sessions[userID]; ok {
		return nil, ErrAlreadyExists
	}

	now := m.now().UTC()
	sess := &Session{
		UserID:       userID,
		Username:     username,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[userID] = sess

	cp := *sess
	return &cp, nil
}

// UpdateConversationID records the conversation identifier issued by the API.
func (m *MemoryStore) UpdateConversationID(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	sess, ok := m.sessions[userID]
	if !ok {
		return ErrNotFound
	}

	sess.ConversationID = conversationID
	sess.LastActiveAt = m.now().UTC()
	return nil
}

// Touch refreshes the session's last-activity timestamp.
func (m *MemoryStore) Touch(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if sess, ok := m.sessions[userID]; ok {
		sess.LastActiveAt = m.now().UTC()
	}
	return nil
}

// IncrementMessages bumps the session's message counter.
func (m *MemoryStore) IncrementMessages(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if sess, ok := m.sessions[userID]; ok {
		sess.MessageCount++
	}
	return nil
}

// Delete removes the session. Idempotent.
func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.sessions, userID)
	return nil
}

// ExpireIdle removes sessions inactive for longer than olderThan.
func (m *MemoryStore) ExpireIdle(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	cutoff := m.now().UTC().Add(-olderThan)
	removed := 0
	for userID, sess := range m.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			delete(m.sessions, userID)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.sessions), nil
}

// Close releases the store. Subsequent operations return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.sessions = make(map[string]*Session)
	return nil
}
