package phyxie

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *FileValidator {
	return NewFileValidator(
		15*1024*1024,
		[]string{"jpg", "png", "pdf", "txt", "csv"},
		[]string{"jpg", "png"},
		[]string{"pdf", "txt", "csv"},
	)
}

// fastRetry keeps test runs quick while preserving the attempt budget.
func fastRetry(attempts int) RetryPolicy {
	return NewRetryPolicy(attempts, time.Millisecond, 5*time.Millisecond)
}

func newTestClient(t *testing.T, baseURL string, attempts int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Retry:     fastRetry(attempts),
		Validator: testValidator(),
	})
	require.NoError(t, err)
	return c
}

func chatOK(w http.ResponseWriter, conversationID, answer string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChatResponse{
		Event:          "message",
		ID:             "msg-1",
		MessageID:      "msg-1",
		ConversationID: conversationID,
		Mode:           "chat",
		Answer:         answer,
	})
}

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k", Validator: testValidator()})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://api", Validator: testValidator()})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://api", APIKey: "k"})
	assert.Error(t, err)
}

func TestSendMessage_Success(t *testing.T) {
	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, chatMessagesPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Query)
		assert.Equal(t, "user-1", body.User)
		assert.Equal(t, responseModeBlocking, body.ResponseMode)
		assert.True(t, body.AutoGenerateName)
		assert.Empty(t, body.ConversationID)

		chatOK(w, "conv-1", "hi there")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	resp, err := c.SendMessage(context.Background(), MessageRequest{
		User: "user-1",
		Text: "hello",
	})

	require.NoError(t, err)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "hi there", resp.Answer)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.NotEmpty(t, gotRequestID)
}

func TestSendMessage_EmptyTextRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "   "})

	assert.Equal(t, KindValidation, ErrorKind(err))
	assert.Zero(t, calls.Load())
}

func TestSendMessage_RecoversAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chatOK(w, "conv-1", "recovered")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	resp, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Answer)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessage_ExhaustsRetriesOnPersistentOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	assert.Equal(t, KindRetryExhausted, ErrorKind(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessage_AuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, apiErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_BadRequestSurfacesServerMessage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorBody{
			Code:    "conversation_not_found",
			Message: "Conversation does not exist",
			Status:  404,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendMessage(context.Background(), MessageRequest{
		User:           "u",
		Text:           "hi",
		ConversationID: "stale",
	})

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindRequest, apiErr.Kind)
	assert.Equal(t, "Conversation does not exist", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_RateLimitCarriesRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatOK(w, "conv-1", "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	resp, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Answer)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendMessage_MalformedBodyIsProtocolFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	assert.Equal(t, KindProtocol, ErrorKind(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_MissingConversationIDIsProtocolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChatResponse{Answer: "orphan"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.SendMessage(context.Background(), MessageRequest{User: "u", Text: "hi"})

	assert.Equal(t, KindProtocol, ErrorKind(err))
}

func TestSendMessage_CanceledContextStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// observes the client disconnect; otherwise r.Context() is never
		// canceled and srv.Close() hangs.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.SendMessage(ctx, MessageRequest{User: "u", Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendFile_UploadsThenChats(t *testing.T) {
	var uploads, chats atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(fileUploadPath, func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		assert.Equal(t, "user-1", r.FormValue("user"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		assert.Equal(t, "report.pdf", header.Filename)

		_ = json.NewEncoder(w).Encode(uploadResponse{
			ID:       "file-1",
			Name:     "report.pdf",
			Size:     4,
			MIMEType: "application/pdf",
		})
	})
	mux.HandleFunc(chatMessagesPath, func(w http.ResponseWriter, r *http.Request) {
		chats.Add(1)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Files, 1)
		assert.Equal(t, FileKindDocument, body.Files[0].Type)
		assert.Equal(t, transferMethodLocal, body.Files[0].TransferMethod)
		assert.Equal(t, "file-1", body.Files[0].UploadFileID)
		assert.Equal(t, "What is this?", body.Query)

		chatOK(w, "conv-2", "it is a report")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	resp, err := c.SendFile(context.Background(), FileRequest{
		User:     "user-1",
		Filename: "report.pdf",
		Data:     []byte("%PDF"),
		MIMEType: "application/pdf",
		Caption:  "What is this?",
	})

	require.NoError(t, err)
	assert.Equal(t, "conv-2", resp.ConversationID)
	assert.Equal(t, int32(1), uploads.Load())
	assert.Equal(t, int32(1), chats.Load())
}

func TestSendFile_DefaultCaption(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(fileUploadPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse{ID: "file-1"})
	})
	mux.HandleFunc(chatMessagesPath, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Analyze this file", body.Query)
		chatOK(w, "conv-1", "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.SendFile(context.Background(), FileRequest{
		User:     "u",
		Filename: "photo.jpg",
		Data:     []byte{0xff, 0xd8},
	})
	require.NoError(t, err)
}

func TestSendFile_OversizedRejectedWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendFile(context.Background(), FileRequest{
		User:     "u",
		Filename: "huge.pdf",
		Data:     make([]byte, 16*1024*1024),
	})

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "exceeds the maximum")
	assert.Zero(t, calls.Load())
}

func TestSendFile_DisallowedExtensionRejectedWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.SendFile(context.Background(), FileRequest{
		User:     "u",
		Filename: "malware.exe",
		Data:     []byte("MZ"),
	})

	assert.Equal(t, KindValidation, ErrorKind(err))
	assert.Zero(t, calls.Load())
}

func TestSendFile_UploadFailureSkipsChat(t *testing.T) {
	var chats atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(fileUploadPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc(chatMessagesPath, func(w http.ResponseWriter, r *http.Request) {
		chats.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.SendFile(context.Background(), FileRequest{
		User:     "u",
		Filename: "photo.png",
		Data:     []byte{1},
	})

	assert.Equal(t, KindAuth, ErrorKind(err))
	assert.Zero(t, chats.Load())
}

func TestEndConversation_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, conversationsPath+"/conv-1", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body["user"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	err := c.EndConversation(context.Background(), "conv-1", "user-1")
	assert.NoError(t, err)
}

func TestEndConversation_AlreadyGoneIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	err := c.EndConversation(context.Background(), "conv-gone", "user-1")
	assert.NoError(t, err)
}

func TestEndConversation_EmptyIDRejected(t *testing.T) {
	c := newTestClient(t, "http://unreachable.invalid", 1)
	err := c.EndConversation(context.Background(), "", "user-1")
	assert.Equal(t, KindValidation, ErrorKind(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 50*time.Second)
}
