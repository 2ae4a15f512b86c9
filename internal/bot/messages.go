package bot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Telegram caps messages at 4096 characters.
const maxReplyLength = 4096

func welcomeMessage(username string, maxFileSizeMB int) string {
	return fmt.Sprintf(
		"👋 Welcome to Phyxie Bot, %s!\n\n"+
			"I'm here to help you chat with the Phyxie AI assistant.\n\n"+
			"Available commands:\n"+
			"• /new - Start a new conversation\n"+
			"• /clear - Clear current conversation and start fresh\n"+
			"• /help - Show this help message\n\n"+
			"You can send me text messages, images, or documents (up to %dMB), "+
			"and I'll process them with AI!\n\n"+
			"Use /new to start your first conversation.",
		username, maxFileSizeMB)
}

func helpMessage(maxFileSizeMB int, allowedExtensions []string) string {
	return fmt.Sprintf(
		"🤖 Phyxie Bot Help\n\n"+
			"Available commands:\n"+
			"• /start - Show welcome message\n"+
			"• /new - Start a new conversation\n"+
			"• /clear - Delete current conversation and start fresh\n"+
			"• /help - Show this help message\n\n"+
			"Features:\n"+
			"• Send text messages for AI responses\n"+
			"• Upload images or documents\n"+
			"• Supported types: %s\n"+
			"• Maximum file size: %dMB\n\n"+
			"Tips:\n"+
			"• Each conversation maintains context\n"+
			"• Use /new to start a fresh topic\n"+
			"• Use /clear to completely reset",
		strings.Join(allowedExtensions, ", "), maxFileSizeMB)
}

// truncate shortens text to fit in a single Telegram message. The cut backs
// up to a rune boundary; Telegram rejects messages with invalid UTF-8.
func truncate(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}

	cut := maxLength - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// formatFileSize renders a byte count for humans.
func formatFileSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}
