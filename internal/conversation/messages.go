package conversation

import (
	"context"
	"errors"

	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
)

// User-facing replies. Every operation produces exactly one of these or the
// assistant's answer; nothing fails silently.
const (
	msgBusy            = "⏳ Still processing your previous request, please wait a moment."
	msgNewConversation = "✨ New conversation started!\n\nSend me your first message to begin chatting. You can send text, images, or documents."
	msgCleared         = "🗑️ Conversation cleared!\n\nSend me a message to begin a new conversation."
	msgUnexpected      = "❌ An unexpected error occurred. Please try again later."
	msgAuth            = "❌ The bot could not authenticate with the AI service. Please contact the administrator."
	msgProtocol        = "❌ The AI service sent an unreadable response. Please try again."
	msgUnavailable     = "❌ The AI service is temporarily unavailable. Please try again in a moment."
	msgCanceled        = "❌ The request was canceled before it could finish."
)

// userMessage maps a failure to the single plain-language reply the user
// sees.
func userMessage(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return msgCanceled
	}

	apiErr, ok := phyxie.AsAPIError(err)
	if !ok {
		return msgUnexpected
	}

	switch apiErr.Kind {
	case phyxie.KindValidation:
		return "❌ " + apiErr.Message
	case phyxie.KindAuth:
		return msgAuth
	case phyxie.KindRequest:
		return "❌ The AI service declined the request: " + apiErr.Message
	case phyxie.KindProtocol:
		return msgProtocol
	case phyxie.KindRetryExhausted:
		return msgUnavailable
	default:
		return msgUnexpected
	}
}
