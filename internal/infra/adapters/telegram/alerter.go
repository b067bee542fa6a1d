package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"chat-insights-batch/internal/domain/ports/adapter"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Telegram rejects longer messages.
const maxMessageLen = 4096

var _ adapter.Alerter = (*BotAlerter)(nil)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotAlerter posts operator alerts to one Telegram chat. Identical texts sent
// within the quiet window are dropped.
type BotAlerter struct {
	bot    sender
	chatID int64
	prefix string
	quiet  time.Duration
	log    *zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewBotAlerter(token string, chatID int64, prefix string, logger *zerolog.Logger) (*BotAlerter, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newBotAlerter(bot, chatID, prefix, logger), nil
}

func newBotAlerter(bot sender, chatID int64, prefix string, logger *zerolog.Logger) *BotAlerter {
	return &BotAlerter{
		bot:    bot,
		chatID: chatID,
		prefix: prefix,
		quiet:  10 * time.Minute,
		log:    logger,
		now:    time.Now,
		sent:   make(map[string]time.Time),
	}
}

func (a *BotAlerter) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := a.now()
	a.mu.Lock()
	if last, ok := a.sent[text]; ok && now.Sub(last) < a.quiet {
		a.mu.Unlock()
		a.log.Debug().Str("alert", text).Msg("duplicate alert suppressed")
		return nil
	}
	a.sent[text] = now
	for k, t := range a.sent {
		if now.Sub(t) >= a.quiet {
			delete(a.sent, k)
		}
	}
	a.mu.Unlock()

	body := text
	if a.prefix != "" {
		body = a.prefix + " " + text
	}
	msg := tgbotapi.NewMessage(a.chatID, truncate(body, maxMessageLen))
	msg.DisableWebPagePreview = true
	if _, err := a.bot.Send(msg); err != nil {
		a.mu.Lock()
		delete(a.sent, text)
		a.mu.Unlock()
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

var _ adapter.Alerter = (*LogAlerter)(nil)

// LogAlerter writes alerts to the log when no chat is configured.
type LogAlerter struct {
	log *zerolog.Logger
}

func NewLogAlerter(logger *zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: logger}
}

func (a *LogAlerter) Alert(_ context.Context, text string) error {
	a.log.Warn().Str("alert", text).Msg("operator alert")
	return nil
}
