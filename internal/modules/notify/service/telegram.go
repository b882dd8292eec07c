package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"price_feed/internal/modules/config"
)

const sendTimeout = 10 * time.Second

// Telegram: пассивный нотифайер служебных сообщений в один чат.
// Без токена сообщения только пишутся в лог.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	log    *zap.Logger

	wg sync.WaitGroup
}

func NewTelegram(cfg *config.Config, log *zap.Logger) (*Telegram, error) {
	t := &Telegram{
		chatID: cfg.Telegram.ChatID,
		log:    log.Named("notify"),
	}
	if cfg.Telegram.Token == "" {
		t.log.Info("telegram token is not set, service messages go to the log only")
		return t, nil
	}

	endpoint := cfg.Telegram.APIEndpoint
	if endpoint == "" {
		endpoint = tgbot.APIEndpoint
	}
	b, err := tgbot.NewBotAPIWithClient(cfg.Telegram.Token, endpoint, &http.Client{Timeout: sendTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	t.bot = b
	t.log.Info("telegram notifier ready", zap.String("bot", b.Self.UserName), zap.Int64("chat_id", t.chatID))
	return t, nil
}

// SendService форматирует сообщение и отправляет его асинхронно.
func (t *Telegram) SendService(_ context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if t.bot == nil || t.chatID == 0 {
		t.log.Info("service message", zap.String("text", msg))
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
			t.log.Warn("telegram send failed", zap.Error(err))
		}
	}()
}

// Stop waits for messages still being sent.
func (t *Telegram) Stop() {
	t.wg.Wait()
}
