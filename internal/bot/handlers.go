package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/phyxie-dev/phyxie-bot/internal/conversation"
	"github.com/phyxie-dev/phyxie-bot/internal/observability"
	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
)

const msgRateLimited = "🐢 You're sending messages too quickly, please slow down a little."

// handleMessage dispatches one inbound message to the right handler and
// records metrics for it.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID, username := identity(msg)
	kind := messageKind(msg)
	start := time.Now()

	if !b.limiter.Allow(userID) {
		b.reply(msg, msgRateLimited)
		observability.RecordUpdate(kind, "rate_limited", time.Since(start))
		return
	}

	var res conversation.Result
	switch kind {
	case "command":
		res = b.handleCommand(ctx, msg, userID, username)
	case "photo":
		b.sendTyping(msg.Chat.ID)
		res = b.handlePhoto(ctx, msg, userID, username)
	case "document":
		b.sendTyping(msg.Chat.ID)
		res = b.handleDocument(ctx, msg, userID, username)
	case "text":
		b.sendTyping(msg.Chat.ID)
		res = b.manager.HandleText(ctx, userID, username, msg.Text)
	default:
		res = conversation.Result{Reply: "🤔 I can only handle text messages, images, and documents."}
	}

	if res.Reply != "" {
		b.reply(msg, res.Reply)
	}

	outcome := "success"
	if res.Err != nil {
		outcome = "failure"
	}
	observability.RecordUpdate(kind, outcome, time.Since(start))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, userID, username string) conversation.Result {
	b.logger.Info("command received",
		"command", msg.Command(),
		"user_id", userID,
		"username", username)

	switch msg.Command() {
	case "start":
		return conversation.Result{Reply: welcomeMessage(username, b.maxFileSizeMB)}
	case "new":
		return b.manager.StartNew(ctx, userID, username)
	case "clear":
		return b.manager.Clear(ctx, userID, username)
	case "help":
		return conversation.Result{Reply: helpMessage(b.maxFileSizeMB, b.allowedExtensions)}
	default:
		return conversation.Result{Reply: "❓ Unknown command. Use /help to see what I can do."}
	}
}

// handlePhoto forwards the largest rendition of a photo.
func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message, userID, username string) conversation.Result {
	photo := msg.Photo[len(msg.Photo)-1]

	data, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		b.logger.Error("photo download failed", "user_id", userID, "error", err)
		return conversation.Result{Reply: "❌ Could not download the image from Telegram. Please try again.", Err: err}
	}

	caption := msg.Caption
	if caption == "" {
		caption = "Analyze this image"
	}

	return b.manager.HandleFile(ctx, userID, username, conversation.File{
		Name:     "photo_" + photo.FileUniqueID + ".jpg",
		Data:     data,
		MIMEType: "image/jpeg",
		Caption:  caption,
	})
}

// handleDocument validates cheaply before downloading anything, then
// forwards the document. The API client re-validates either way.
func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message, userID, username string) conversation.Result {
	doc := msg.Document

	if b.validator != nil {
		if err := b.validator.Validate(doc.FileName, int64(doc.FileSize)); err != nil {
			if apiErr, ok := phyxie.AsAPIError(err); ok {
				return conversation.Result{Reply: "❌ " + apiErr.Message, Err: err}
			}
			return conversation.Result{Reply: "❌ This file cannot be processed.", Err: err}
		}
	}

	data, err := b.downloadFile(ctx, doc.FileID)
	if err != nil {
		b.logger.Error("document download failed", "user_id", userID, "error", err)
		return conversation.Result{Reply: "❌ Could not download the document from Telegram. Please try again.", Err: err}
	}

	b.logger.Info("document received",
		"user_id", userID,
		"filename", doc.FileName,
		"size", formatFileSize(int64(doc.FileSize)))

	caption := msg.Caption
	if caption == "" {
		caption = fmt.Sprintf("Analyze this %s", doc.FileName)
	}

	return b.manager.HandleFile(ctx, userID, username, conversation.File{
		Name:     doc.FileName,
		Data:     data,
		MIMEType: doc.MimeType,
		Caption:  caption,
	})
}

// identity derives the stable user ID and the API-side handle from a
// message.
func identity(msg *tgbotapi.Message) (userID, username string) {
	if msg.From == nil {
		return strconv.FormatInt(msg.Chat.ID, 10), "unknown"
	}
	userID = strconv.FormatInt(msg.From.ID, 10)
	username = msg.From.UserName
	if username == "" {
		username = "user_" + userID
	}
	return userID, username
}

func messageKind(msg *tgbotapi.Message) string {
	switch {
	case msg.IsCommand():
		return "command"
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Document != nil:
		return "document"
	case msg.Text != "":
		return "text"
	default:
		return "other"
	}
}
