// Package session provides per-user session storage for the bot. A session
// links a Telegram user to the remote conversation identifier issued by the
// Phyxie API, so follow-up messages continue the same thread.
package session

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	// ErrNotFound is returned when no session exists for a user.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when creating a session for a user
	// that already has a live one.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Session holds the state of one user's conversation thread.
// ConversationID is empty until the first successful API exchange; the store
// never invents it.
type Session struct {
	// UserID is the opaque Telegram user identifier.
	UserID string `json:"userId"`
	// Username is the display name used as the API-side user handle.
	Username string `json:"username"`
	// ConversationID is the thread identifier issued by the remote API.
	// Empty means no conversation has been started yet.
	ConversationID string `json:"conversationId,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// LastActiveAt is when the session last saw activity.
	LastActiveAt time.Time `json:"lastActiveAt"`
	// MessageCount is the number of messages exchanged in this session.
	MessageCount int `json:"messageCount"`
}

// Active reports whether the session has an established remote conversation.
func (s *Session) Active() bool {
	return s.ConversationID != ""
}

// Store abstracts session persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the session for a user.
	// Returns ErrNotFound if no session exists.
	Get(ctx context.Context, userID string) (*Session, error)

	// Create creates a fresh session with no conversation identifier.
	// Returns ErrAlreadyExists if the user already has a live session.
	Create(ctx context.Context, userID, username string) (*Session, error)

	// UpdateConversationID records the conversation identifier returned by
	// the remote API and refreshes activity.
	// Returns ErrNotFound if no session exists.
	UpdateConversationID(ctx context.Context, userID, conversationID string) error

	// Touch refreshes the session's last-activity timestamp. Touching an
	// absent session is not an error.
	Touch(ctx context.Context, userID string) error

	// IncrementMessages bumps the session's message counter.
	IncrementMessages(ctx context.Context, userID string) error

	// Delete removes the session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, userID string) error

	// ExpireIdle removes sessions inactive for longer than olderThan and
	// returns how many were removed. Backends with native key expiry may
	// report zero.
	ExpireIdle(ctx context.Context, olderThan time.Duration) (int, error)

	// Len returns the number of live sessions.
	Len(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
