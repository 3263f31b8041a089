// Package telegram forwards Invalid completion notifications to an
// operator chat via the Telegram Bot API; a sample of what a host
// application plugs into Engine.Execute's Notifier parameter, not a core
// dispatch concern.
package telegram

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/txndispatch/dispatch"
)

// Notifier implements dispatch.Notifier, posting a message to ChatID for
// every Invalid completion it observes. Valid completions are silently
// dropped; this is an alerting channel, not an audit trail (see the audit
// package for that).
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// New creates a Notifier authenticated with botToken, posting alerts to
// chatID.
func New(botToken string, chatID int64, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bot: bot, chatID: chatID, logger: logger}, nil
}

// Notify implements dispatch.Notifier.
func (n *Notifier) Notify(c dispatch.CompletionNotification) {
	if c.Outcome != dispatch.Invalid {
		return
	}
	text := fmt.Sprintf("Transaction rejected\ncontext: %s\nerror: %s", c.ContextID, c.ErrorMessage)
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("telegram notifier: failed to send alert", "error", err, "context_id", c.ContextID)
	}
}
