// Package bot adapts Telegram updates to conversation-manager operations and
// delivers the results back. It is intentionally thin: parsing and delivery
// live here, all state and failure handling live behind the manager.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/phyxie-dev/phyxie-bot/internal/conversation"
	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
)

// Manager is the slice of the conversation manager the bot needs.
type Manager interface {
	HandleText(ctx context.Context, userID, username, text string) conversation.Result
	HandleFile(ctx context.Context, userID, username string, file conversation.File) conversation.Result
	StartNew(ctx context.Context, userID, username string) conversation.Result
	Clear(ctx context.Context, userID, username string) conversation.Result
}

// Config configures the Telegram adapter.
type Config struct {
	Token              string
	Manager            Manager
	Validator          *phyxie.FileValidator
	MaxFileSizeMB      int
	AllowedExtensions  []string
	RateLimitPerSecond float64
	RateLimitBurst     int
	Logger             *slog.Logger
}

// Bot runs the Telegram long-polling loop.
type Bot struct {
	api       *tgbotapi.BotAPI
	manager   Manager
	validator *phyxie.FileValidator
	limiter   *userLimiter
	logger    *slog.Logger

	maxFileSizeMB     int
	allowedExtensions []string

	// downloader fetches file content from Telegram; swappable for tests.
	downloader func(ctx context.Context, url string) ([]byte, error)
}

// New creates the Telegram adapter and verifies the token against the API.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("conversation manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization failed: %w", err)
	}

	return &Bot{
		api:               api,
		manager:           cfg.Manager,
		validator:         cfg.Validator,
		limiter:           newUserLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		logger:            cfg.Logger,
		maxFileSizeMB:     cfg.MaxFileSizeMB,
		allowedExtensions: cfg.AllowedExtensions,
		downloader:        downloadURL,
	}, nil
}

// Run starts long polling and blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting telegram bot", "username", b.api.Self.UserName)

	if err := b.setCommands(); err != nil {
		b.logger.Warn("failed to set command menu", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram bot stopped")
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			// Each update runs independently; per-user serialization is
			// enforced by the manager, not here.
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) setCommands() error {
	cfg := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Show welcome message"},
		tgbotapi.BotCommand{Command: "new", Description: "Start a new conversation"},
		tgbotapi.BotCommand{Command: "clear", Description: "Clear current conversation"},
		tgbotapi.BotCommand{Command: "help", Description: "Show help message"},
	)
	_, err := b.api.Request(cfg)
	return err
}

// reply sends exactly one message back, truncated to Telegram's limit.
func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, truncate(text, maxReplyLength))
	out.ReplyToMessageID = msg.MessageID

	if _, err := b.api.Send(out); err != nil {
		b.logger.Error("failed to send reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (b *Bot) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		b.logger.Debug("failed to send typing action", "error", err)
	}
}

// downloadFile fetches a Telegram-hosted file into memory.
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	data, err := b.downloader(ctx, file.Link(b.api.Token))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	return data, nil
}

// fileClient is shared across downloads so connections to Telegram's file
// servers are reused.
var fileClient = &http.Client{Timeout: 2 * time.Minute}

func downloadURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := fileClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
