package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"github.com/coni04123/unicx-integration/internal/config"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/utils"
)

// telegramLimiter is the global rate limiter for Telegram messages
var telegramLimiter *rate.Limiter

// initTelegramLimiter initializes the Telegram rate limiter
func initTelegramLimiter(ratePerSecond int) {
	telegramLimiter = rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond)
}

// SendAlertTelegram pushes an alert state change to the operator chat via the
// go-telegram/bot library.
func SendAlertTelegram(ctx context.Context, cfg config.Config, logger *logging.Logger, alert models.Alert) error {
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("missing bot_token in Telegram configuration")
	}
	if cfg.Telegram.OperatorChatID == 0 {
		return fmt.Errorf("missing operator chat_id in Telegram configuration")
	}

	// Initialize rate limiter if not set
	if telegramLimiter == nil {
		initTelegramLimiter(cfg.Telegram.RatePerSecond)
	}
	if err := telegramLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit exceeded: %w", err)
	}

	text := fmt.Sprintf(
		"*%s* [%s]\n%s\n\n"+
			"*Session:* %s\n"+
			"*Tenant:* %s\n"+
			"*Occurrences:* %d\n"+
			"*Last seen:* %s",
		alert.Type,
		alert.Status,
		alert.Description,
		alert.SessionID,
		alert.TenantID,
		alert.OccurrenceCount,
		alert.LastOccurredAt.Format(time.RFC3339),
	)

	return utils.Retry(logger, 3, time.Second, func() error {
		b, err := bot.New(cfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram bot: %w", err)
		}

		params := &bot.SendMessageParams{
			ChatID:    cfg.Telegram.OperatorChatID,
			Text:      text,
			ParseMode: "Markdown",
		}
		if _, err := b.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("failed to send Telegram message to chat_id %d: %w", cfg.Telegram.OperatorChatID, err)
		}
		return nil
	})
}
