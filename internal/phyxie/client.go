package phyxie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phyxie-dev/phyxie-bot/internal/observability"
)

// API endpoints.
const (
	chatMessagesPath  = "/chat-messages"
	fileUploadPath    = "/files/upload"
	conversationsPath = "/conversations"
)

const (
	defaultChatTimeout   = 90 * time.Second
	defaultUploadTimeout = 2 * time.Minute

	responseModeBlocking = "blocking"
	transferMethodLocal  = "local_file"
)

// Config configures the API client.
type Config struct {
	// BaseURL is the API root, e.g. "https://dify.com/v1".
	BaseURL string
	// APIKey is the bearer credential.
	APIKey string
	// ChatTimeout bounds each chat attempt.
	ChatTimeout time.Duration
	// UploadTimeout bounds each file upload attempt.
	UploadTimeout time.Duration
	// Retry drives re-attempts of transient failures.
	Retry RetryPolicy
	// Validator enforces file limits before any network call.
	Validator *FileValidator
	// HTTPClient overrides the transport (optional).
	HTTPClient *http.Client
	// Logger overrides slog.Default() (optional).
	Logger *slog.Logger
}

// Client talks to the Phyxie API. It is stateless and safe for concurrent
// use.
type Client struct {
	baseURL       string
	apiKey        string
	chatTimeout   time.Duration
	uploadTimeout time.Duration
	retry         RetryPolicy
	validator     *FileValidator
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a new API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Validator == nil {
		return nil, errors.New("file validator is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		chatTimeout:   cfg.ChatTimeout,
		uploadTimeout: cfg.UploadTimeout,
		retry:         cfg.Retry,
		validator:     cfg.Validator,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
	}, nil
}

// Validator exposes the client's file validator for pre-flight checks in the
// transport layer.
func (c *Client) Validator() *FileValidator {
	return c.validator
}

// SendMessage sends a text message and returns the assistant's answer.
func (c *Client) SendMessage(ctx context.Context, req MessageRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &APIError{Kind: KindValidation, Message: "message text is empty"}
	}

	requestID := uuid.NewString()
	c.logger.Info("sending message",
		"user", req.User,
		"conversation_id", req.ConversationID,
		"request_id", requestID)

	body := chatRequest{
		Query:            req.Text,
		User:             req.User,
		Inputs:           map[string]any{},
		ResponseMode:     responseModeBlocking,
		AutoGenerateName: true,
		ConversationID:   req.ConversationID,
	}

	return c.chat(ctx, body, requestID)
}

// SendFile uploads a file and asks the assistant about it. Validation
// failures return before any network call.
func (c *Client) SendFile(ctx context.Context, req FileRequest) (*ChatResponse, error) {
	if err := c.validator.Validate(req.Filename, int64(len(req.Data))); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	c.logger.Info("uploading file",
		"user", req.User,
		"filename", req.Filename,
		"size", len(req.Data),
		"request_id", requestID)

	upload, err := c.uploadFile(ctx, req, requestID)
	if err != nil {
		return nil, err
	}

	caption := req.Caption
	if caption == "" {
		caption = "Analyze this file"
	}

	body := chatRequest{
		Query:            caption,
		User:             req.User,
		Inputs:           map[string]any{},
		ResponseMode:     responseModeBlocking,
		AutoGenerateName: true,
		ConversationID:   req.ConversationID,
		Files: []fileRef{{
			Type:           c.validator.Kind(req.Filename),
			TransferMethod: transferMethodLocal,
			UploadFileID:   upload.ID,
		}},
	}

	return c.chat(ctx, body, requestID)
}

// EndConversation deletes a conversation on the remote side. A conversation
// that is already gone is not an error.
func (c *Client) EndConversation(ctx context.Context, conversationID, user string) error {
	if conversationID == "" {
		return &APIError{Kind: KindValidation, Message: "conversation ID is empty"}
	}

	requestID := uuid.NewString()
	c.logger.Info("ending conversation",
		"conversation_id", conversationID,
		"user", user,
		"request_id", requestID)

	endpoint := conversationsPath
	start := time.Now()
	err := c.withRetry(ctx, endpoint, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
		defer cancel()

		payload, err := json.Marshal(map[string]string{"user": user})
		if err != nil {
			return fmt.Errorf("marshal delete body: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			c.baseURL+conversationsPath+"/"+url.PathEscape(conversationID),
			bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build delete request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", requestID)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return c.transportError(ctx, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			return nil
		case http.StatusNotFound:
			// Already deleted remotely.
			return nil
		default:
			return c.classify(resp)
		}
	})
	observability.RecordAPIRequest(endpoint, outcome(err), time.Since(start))
	return err
}

// chat runs a POST /chat-messages exchange under the retry policy.
func (c *Client) chat(ctx context.Context, body chatRequest, requestID string) (*ChatResponse, error) {
	var result *ChatResponse

	start := time.Now()
	err := c.withRetry(ctx, chatMessagesPath, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
		defer cancel()

		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal chat request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+chatMessagesPath, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build chat request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", requestID)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return c.transportError(ctx, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.classify(resp)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &APIError{Kind: KindTransient, Message: "read response body", Err: err}
		}

		var chatResp ChatResponse
		if err := json.Unmarshal(data, &chatResp); err != nil {
			return &APIError{Kind: KindProtocol, Message: "malformed success response", Err: err}
		}
		if chatResp.ConversationID == "" {
			return &APIError{Kind: KindProtocol, Message: "response missing conversation_id"}
		}

		result = &chatResp
		return nil
	})
	observability.RecordAPIRequest(chatMessagesPath, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// uploadFile runs a multipart POST /files/upload under the retry policy.
func (c *Client) uploadFile(ctx context.Context, req FileRequest, requestID string) (*uploadResponse, error) {
	var result *uploadResponse

	start := time.Now()
	err := c.withRetry(ctx, fileUploadPath, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
		mimeType := req.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		header.Set("Content-Type", mimeType)

		part, err := mw.CreatePart(header)
		if err != nil {
			return fmt.Errorf("create multipart section: %w", err)
		}
		if _, err := part.Write(req.Data); err != nil {
			return fmt.Errorf("write file payload: %w", err)
		}
		if err := mw.WriteField("user", req.User); err != nil {
			return fmt.Errorf("write user field: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("finish multipart body: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+fileUploadPath, &buf)
		if err != nil {
			return fmt.Errorf("build upload request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		httpReq.Header.Set("X-Request-ID", requestID)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return c.transportError(ctx, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.classify(resp)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &APIError{Kind: KindTransient, Message: "read upload response", Err: err}
		}

		var uploadResp uploadResponse
		if err := json.Unmarshal(data, &uploadResp); err != nil {
			return &APIError{Kind: KindProtocol, Message: "malformed upload response", Err: err}
		}
		if uploadResp.ID == "" {
			return &APIError{Kind: KindProtocol, Message: "upload response missing file id"}
		}

		result = &uploadResp
		return nil
	})
	observability.RecordAPIRequest(fileUploadPath, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withRetry wraps the policy to count re-attempts per endpoint.
func (c *Client) withRetry(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	attempt := 0
	return c.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			observability.RecordRetry(endpoint)
			c.logger.Warn("retrying request", "endpoint", endpoint, "attempt", attempt)
		}
		return op(ctx)
	})
}

// classify turns a non-2xx response into a typed failure.
func (c *Client) classify(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{
			Kind:       KindAuth,
			Message:    "API credential was rejected",
			StatusCode: resp.StatusCode,
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{
			Kind:       KindTransient,
			Message:    "rate limited by remote service",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 500:
		return &APIError{
			Kind:       KindTransient,
			Message:    fmt.Sprintf("remote service error (%d)", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}

	default:
		msg := fmt.Sprintf("request rejected (%d)", resp.StatusCode)
		var body errorBody
		if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
			msg = body.Message
		}
		return &APIError{
			Kind:       KindRequest,
			Message:    msg,
			StatusCode: resp.StatusCode,
		}
	}
}

// transportError classifies a transport-level failure. Parent-context
// cancellation is surfaced as-is so the retry loop stops immediately.
func (c *Client) transportError(ctx context.Context, err error) error {
	if parentErr := contextCause(ctx); parentErr != nil {
		return parentErr
	}
	return &APIError{Kind: KindTransient, Message: "network error", Err: err}
}

// contextCause reports the parent context's error, ignoring the per-attempt
// deadline which is expected to fire on slow calls.
func contextCause(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := ErrorKind(err); kind != "" {
		return string(kind)
	}
	return "error"
}
