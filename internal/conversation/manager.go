// Package conversation orchestrates the session store and the API client.
// It owns the only mutation path into session state: sessions change solely
// in response to confirmed API outcomes, under a per-user lock.
package conversation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/phyxie-dev/phyxie-bot/internal/observability"
	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
	"github.com/phyxie-dev/phyxie-bot/internal/session"
)

// State describes a user's conversation lifecycle stage.
type State string

const (
	// StateNoSession means the user has no session at all.
	StateNoSession State = "no_session"
	// StatePending means a session exists but no message has succeeded yet,
	// so there is no remote conversation identifier.
	StatePending State = "pending"
	// StateActive means the session carries a remote conversation identifier.
	StateActive State = "active"
)

// Result is what flows back to the outbound adapter: exactly one user-facing
// string per operation. Err carries the underlying cause for logging and is
// nil on success.
type Result struct {
	Reply string
	Err   error
}

// APIClient is the slice of the Phyxie client the manager needs.
type APIClient interface {
	SendMessage(ctx context.Context, req phyxie.MessageRequest) (*phyxie.ChatResponse, error)
	SendFile(ctx context.Context, req phyxie.FileRequest) (*phyxie.ChatResponse, error)
	EndConversation(ctx context.Context, conversationID, user string) error
}

// File is an inbound file payload.
type File struct {
	Name     string
	Data     []byte
	MIMEType string
	Caption  string
}

// Manager serializes operations per user and keeps session state consistent
// with API outcomes. Operations for different users run in parallel.
type Manager struct {
	store  session.Store
	client APIClient
	locks  *keyMutex
	logger *slog.Logger
}

// NewManager creates a conversation manager.
func NewManager(store session.Store, client APIClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		client: client,
		locks:  newKeyMutex(),
		logger: logger,
	}
}

// HandleText relays a text message through the user's conversation thread.
func (m *Manager) HandleText(ctx context.Context, userID, username, text string) Result {
	if !m.locks.TryAcquire(userID) {
		return Result{Reply: msgBusy}
	}
	defer m.locks.Release(userID)

	sess, res := m.resolveSession(ctx, userID, username)
	if res != nil {
		return *res
	}

	resp, err := m.client.SendMessage(ctx, phyxie.MessageRequest{
		ConversationID: sess.ConversationID,
		Text:           text,
		User:           username,
	})
	if err != nil {
		return m.failure(userID, err)
	}

	return m.commit(ctx, userID, sess, resp)
}

// HandleFile relays a file through the user's conversation thread.
func (m *Manager) HandleFile(ctx context.Context, userID, username string, file File) Result {
	if !m.locks.TryAcquire(userID) {
		return Result{Reply: msgBusy}
	}
	defer m.locks.Release(userID)

	sess, res := m.resolveSession(ctx, userID, username)
	if res != nil {
		return *res
	}

	resp, err := m.client.SendFile(ctx, phyxie.FileRequest{
		ConversationID: sess.ConversationID,
		User:           username,
		Filename:       file.Name,
		Data:           file.Data,
		MIMEType:       file.MIMEType,
		Caption:        file.Caption,
	})
	if err != nil {
		return m.failure(userID, err)
	}

	return m.commit(ctx, userID, sess, resp)
}

// StartNew discards the user's thread and creates a fresh pending session.
// Ending the old remote conversation is best effort.
func (m *Manager) StartNew(ctx context.Context, userID, username string) Result {
	if !m.locks.TryAcquire(userID) {
		return Result{Reply: msgBusy}
	}
	defer m.locks.Release(userID)

	m.endRemote(ctx, userID, username)

	if err := m.store.Delete(ctx, userID); err != nil {
		return m.internalFailure(userID, err)
	}
	if _, err := m.store.Create(ctx, userID, username); err != nil {
		return m.internalFailure(userID, err)
	}
	m.publishSessionCount(ctx)

	m.logger.Info("started new conversation", "user_id", userID)
	return Result{Reply: msgNewConversation}
}

// Clear discards the user's thread entirely. Clearing a user with no session
// is a no-op.
func (m *Manager) Clear(ctx context.Context, userID, username string) Result {
	if !m.locks.TryAcquire(userID) {
		return Result{Reply: msgBusy}
	}
	defer m.locks.Release(userID)

	m.endRemote(ctx, userID, username)

	if err := m.store.Delete(ctx, userID); err != nil {
		return m.internalFailure(userID, err)
	}
	m.publishSessionCount(ctx)

	m.logger.Info("cleared conversation", "user_id", userID)
	return Result{Reply: msgCleared}
}

// State reports the user's lifecycle stage.
func (m *Manager) State(ctx context.Context, userID string) State {
	sess, err := m.store.Get(ctx, userID)
	if err != nil {
		return StateNoSession
	}
	if sess.Active() {
		return StateActive
	}
	return StatePending
}

// resolveSession loads the user's session, creating a pending one on first
// contact. A non-nil Result means the operation must stop.
func (m *Manager) resolveSession(ctx context.Context, userID, username string) (*session.Session, *Result) {
	sess, err := m.store.Get(ctx, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		res := m.internalFailure(userID, err)
		return nil, &res
	}

	sess, err = m.store.Create(ctx, userID, username)
	if err != nil {
		res := m.internalFailure(userID, err)
		return nil, &res
	}
	m.publishSessionCount(ctx)

	m.logger.Info("created session", "user_id", userID)
	return sess, nil
}

// commit persists the API outcome into the session and builds the reply.
// Session state is only touched here, after a confirmed success.
func (m *Manager) commit(ctx context.Context, userID string, sess *session.Session, resp *phyxie.ChatResponse) Result {
	if sess.ConversationID != resp.ConversationID {
		if err := m.store.UpdateConversationID(ctx, userID, resp.ConversationID); err != nil {
			return m.internalFailure(userID, err)
		}
	} else {
		if err := m.store.Touch(ctx, userID); err != nil {
			return m.internalFailure(userID, err)
		}
	}
	if err := m.store.IncrementMessages(ctx, userID); err != nil {
		return m.internalFailure(userID, err)
	}

	m.logger.Info("message processed",
		"user_id", userID,
		"conversation_id", resp.ConversationID,
		"message_id", resp.MessageID)

	return Result{Reply: resp.Answer}
}

// endRemote deletes the remote conversation if one exists. Failures are
// logged, never surfaced: the local session is discarded regardless.
func (m *Manager) endRemote(ctx context.Context, userID, username string) {
	sess, err := m.store.Get(ctx, userID)
	if err != nil || !sess.Active() {
		return
	}

	if err := m.client.EndConversation(ctx, sess.ConversationID, username); err != nil {
		m.logger.Warn("failed to end remote conversation",
			"user_id", userID,
			"conversation_id", sess.ConversationID,
			"error", err)
	}
}

// failure converts a classified API failure into a user-facing reply.
func (m *Manager) failure(userID string, err error) Result {
	reply := userMessage(err)

	kind := phyxie.ErrorKind(err)
	if kind == phyxie.KindProtocol {
		// Malformed success bodies are defects on our side of the contract.
		m.logger.Error("protocol defect", "user_id", userID, "error", err)
	} else {
		m.logger.Warn("request failed", "user_id", userID, "kind", kind, "error", err)
	}

	return Result{Reply: reply, Err: err}
}

// internalFailure covers store contract violations and other sequencing
// bugs. The user gets a generic message; the log gets the details.
func (m *Manager) internalFailure(userID string, err error) Result {
	m.logger.Error("internal error", "user_id", userID, "error", err)
	return Result{Reply: msgUnexpected, Err: err}
}

func (m *Manager) publishSessionCount(ctx context.Context) {
	if n, err := m.store.Len(ctx); err == nil {
		observability.SetActiveSessions(n)
	}
}
