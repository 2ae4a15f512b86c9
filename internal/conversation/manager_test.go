package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
	"github.com/phyxie-dev/phyxie-bot/internal/session"
)

// fakeClient scripts API outcomes and records calls.
type fakeClient struct {
	mu sync.Mutex

	answer         string
	conversationID string
	err            error

	sendCalls  int
	fileCalls  int
	endedConvs []string

	// block, when set, holds SendMessage until released.
	block chan struct{}
}

func (f *fakeClient) SendMessage(ctx context.Context, req phyxie.MessageRequest) (*phyxie.ChatResponse, error) {
	f.mu.Lock()
	f.sendCalls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(req.ConversationID)
}

func (f *fakeClient) SendFile(ctx context.Context, req phyxie.FileRequest) (*phyxie.ChatResponse, error) {
	f.mu.Lock()
	f.fileCalls++
	f.mu.Unlock()
	return f.respond(req.ConversationID)
}

func (f *fakeClient) EndConversation(ctx context.Context, conversationID, user string) error {
	f.mu.Lock()
	f.endedConvs = append(f.endedConvs, conversationID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeClient) respond(requestConvID string) (*phyxie.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	convID := f.conversationID
	if convID == "" {
		convID = requestConvID
	}
	return &phyxie.ChatResponse{
		ID:             "msg-1",
		MessageID:      "msg-1",
		ConversationID: convID,
		Answer:         f.answer,
	}, nil
}

func newTestManager(client *fakeClient) (*Manager, session.Store) {
	store := session.NewMemoryStore()
	return NewManager(store, client, nil), store
}

func TestHandleText_CreatesSessionAndActivates(t *testing.T) {
	client := &fakeClient{answer: "hello!", conversationID: "conv-1"}
	m, store := newTestManager(client)
	ctx := context.Background()

	assert.Equal(t, StateNoSession, m.State(ctx, "u1"))

	res := m.HandleText(ctx, "u1", "alice", "hi")
	require.NoError(t, res.Err)
	assert.Equal(t, "hello!", res.Reply)
	assert.Equal(t, StateActive, m.State(ctx, "u1"))

	sess, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", sess.ConversationID)
	assert.Equal(t, 1, sess.MessageCount)
}

func TestHandleText_ContinuesExistingConversation(t *testing.T) {
	client := &fakeClient{answer: "again", conversationID: "conv-1"}
	m, store := newTestManager(client)
	ctx := context.Background()

	m.HandleText(ctx, "u1", "alice", "first")
	m.HandleText(ctx, "u1", "alice", "second")

	sess, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", sess.ConversationID)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, 2, client.sendCalls)
}

func TestHandleText_FailureLeavesSessionPending(t *testing.T) {
	client := &fakeClient{err: &phyxie.APIError{
		Kind:    phyxie.KindRetryExhausted,
		Message: "service unavailable after repeated attempts",
	}}
	m, store := newTestManager(client)
	ctx := context.Background()

	res := m.HandleText(ctx, "u1", "alice", "hi")
	require.Error(t, res.Err)
	assert.Equal(t, msgUnavailable, res.Reply)

	// The session exists but never activated: no confirmed API success.
	assert.Equal(t, StatePending, m.State(ctx, "u1"))
	sess, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sess.ConversationID)
	assert.Zero(t, sess.MessageCount)
}

func TestHandleText_FailureRepliesPerKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "auth",
			err:  &phyxie.APIError{Kind: phyxie.KindAuth, Message: "API credential was rejected"},
			want: msgAuth,
		},
		{
			name: "validation",
			err:  &phyxie.APIError{Kind: phyxie.KindValidation, Message: "message text is empty"},
			want: "❌ message text is empty",
		},
		{
			name: "request",
			err:  &phyxie.APIError{Kind: phyxie.KindRequest, Message: "Conversation does not exist"},
			want: "❌ The AI service declined the request: Conversation does not exist",
		},
		{
			name: "protocol",
			err:  &phyxie.APIError{Kind: phyxie.KindProtocol, Message: "malformed success response"},
			want: msgProtocol,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			want: msgCanceled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{err: tc.err}
			m, _ := newTestManager(client)

			res := m.HandleText(context.Background(), "u1", "alice", "hi")
			assert.Equal(t, tc.want, res.Reply)
			assert.Error(t, res.Err)
		})
	}
}

func TestHandleFile_Success(t *testing.T) {
	client := &fakeClient{answer: "a nice photo", conversationID: "conv-9"}
	m, _ := newTestManager(client)
	ctx := context.Background()

	res := m.HandleFile(ctx, "u1", "alice", File{
		Name:     "photo.jpg",
		Data:     []byte{0xff, 0xd8},
		MIMEType: "image/jpeg",
		Caption:  "what is this",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "a nice photo", res.Reply)
	assert.Equal(t, 1, client.fileCalls)
	assert.Equal(t, StateActive, m.State(ctx, "u1"))
}

func TestStartNew_DiscardsThreadAndEndsRemote(t *testing.T) {
	client := &fakeClient{answer: "hi", conversationID: "conv-old"}
	m, store := newTestManager(client)
	ctx := context.Background()

	m.HandleText(ctx, "u1", "alice", "hi")
	require.Equal(t, StateActive, m.State(ctx, "u1"))

	res := m.StartNew(ctx, "u1", "alice")
	require.NoError(t, res.Err)
	assert.Equal(t, msgNewConversation, res.Reply)
	assert.Equal(t, []string{"conv-old"}, client.endedConvs)
	assert.Equal(t, StatePending, m.State(ctx, "u1"))

	// The next message must open a fresh remote thread.
	client.mu.Lock()
	client.conversationID = "conv-new"
	client.mu.Unlock()
	m.HandleText(ctx, "u1", "alice", "hello again")

	sess, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "conv-new", sess.ConversationID)
	assert.Equal(t, 1, sess.MessageCount)
}

func TestStartNew_WithoutSessionStillCreatesOne(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(client)
	ctx := context.Background()

	res := m.StartNew(ctx, "u1", "alice")
	require.NoError(t, res.Err)
	assert.Equal(t, msgNewConversation, res.Reply)
	assert.Empty(t, client.endedConvs)
	assert.Equal(t, StatePending, m.State(ctx, "u1"))
}

func TestStartNew_RemoteFailureDoesNotBlockReset(t *testing.T) {
	client := &fakeClient{answer: "hi", conversationID: "conv-1"}
	m, _ := newTestManager(client)
	ctx := context.Background()

	m.HandleText(ctx, "u1", "alice", "hi")

	client.mu.Lock()
	client.err = &phyxie.APIError{Kind: phyxie.KindTransient, Message: "boom"}
	client.mu.Unlock()

	res := m.StartNew(ctx, "u1", "alice")
	require.NoError(t, res.Err)
	assert.Equal(t, msgNewConversation, res.Reply)
	assert.Equal(t, StatePending, m.State(ctx, "u1"))
}

func TestClear_RemovesSession(t *testing.T) {
	client := &fakeClient{answer: "hi", conversationID: "conv-1"}
	m, _ := newTestManager(client)
	ctx := context.Background()

	m.HandleText(ctx, "u1", "alice", "hi")

	res := m.Clear(ctx, "u1", "alice")
	require.NoError(t, res.Err)
	assert.Equal(t, msgCleared, res.Reply)
	assert.Equal(t, []string{"conv-1"}, client.endedConvs)
	assert.Equal(t, StateNoSession, m.State(ctx, "u1"))
}

func TestClear_WithoutSessionIsNoOp(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(client)

	res := m.Clear(context.Background(), "u1", "alice")
	require.NoError(t, res.Err)
	assert.Equal(t, msgCleared, res.Reply)
	assert.Empty(t, client.endedConvs)
}

func TestClear_PendingSessionSkipsRemoteDelete(t *testing.T) {
	client := &fakeClient{err: &phyxie.APIError{Kind: phyxie.KindTransient, Message: "boom"}}
	m, _ := newTestManager(client)
	ctx := context.Background()

	// A failed first message leaves a pending session with no remote thread.
	m.HandleText(ctx, "u1", "alice", "hi")
	require.Equal(t, StatePending, m.State(ctx, "u1"))

	res := m.Clear(ctx, "u1", "alice")
	require.NoError(t, res.Err)
	assert.Empty(t, client.endedConvs)
}

func TestHandleText_ConcurrentSameUserRejected(t *testing.T) {
	client := &fakeClient{
		answer:         "done",
		conversationID: "conv-1",
		block:          make(chan struct{}),
	}
	m, _ := newTestManager(client)
	ctx := context.Background()

	first := make(chan Result, 1)
	go func() {
		first <- m.HandleText(ctx, "u1", "alice", "slow one")
	}()

	// Wait until the first operation holds the user's lock inside SendMessage.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.sendCalls == 1
	}, time.Second, time.Millisecond)

	second := m.HandleText(ctx, "u1", "alice", "impatient one")
	assert.Equal(t, msgBusy, second.Reply)
	assert.NoError(t, second.Err)

	close(client.block)
	res := <-first
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Reply)
	assert.Equal(t, 1, client.sendCalls)
}

func TestHandleText_DifferentUsersRunIndependently(t *testing.T) {
	client := &fakeClient{
		answer:         "done",
		conversationID: "conv-1",
		block:          make(chan struct{}),
	}
	m, _ := newTestManager(client)
	ctx := context.Background()

	first := make(chan Result, 1)
	go func() {
		first <- m.HandleText(ctx, "u1", "alice", "slow one")
	}()
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.sendCalls == 1
	}, time.Second, time.Millisecond)

	// A different user is not blocked by u1's in-flight request.
	client.mu.Lock()
	blockCh := client.block
	client.block = nil
	client.mu.Unlock()

	res := m.HandleText(ctx, "u2", "bob", "hello")
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Reply)

	close(blockCh)
	<-first
}

func TestStartNew_BusyWhileMessageInFlight(t *testing.T) {
	client := &fakeClient{
		answer:         "done",
		conversationID: "conv-1",
		block:          make(chan struct{}),
	}
	m, _ := newTestManager(client)
	ctx := context.Background()

	first := make(chan Result, 1)
	go func() {
		first <- m.HandleText(ctx, "u1", "alice", "slow one")
	}()
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.sendCalls == 1
	}, time.Second, time.Millisecond)

	res := m.StartNew(ctx, "u1", "alice")
	assert.Equal(t, msgBusy, res.Reply)

	close(client.block)
	<-first
}
