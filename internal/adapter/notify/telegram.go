package notify

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier messages a chat id; destination is the numeric chat id.
type TelegramNotifier struct {
	api *tgbotapi.BotAPI
}

func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{api: api}, nil
}

func NewTelegramNotifierWithAPI(api *tgbotapi.BotAPI) *TelegramNotifier {
	return &TelegramNotifier{api: api}
}

func (n *TelegramNotifier) Send(ctx context.Context, destination, message string) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", destination, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, message)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
