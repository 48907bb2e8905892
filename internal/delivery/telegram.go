package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig publishes posts to a Telegram channel or group.
type TelegramConfig struct {
	Token  string
	ChatID int64
	// URL overrides the Bot API base URL (self-hosted API servers, tests).
	URL     string
	Timeout time.Duration
}

type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Offline skips getMe at startup; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *Telegram) Attempt(ctx context.Context, req Request) Outcome {
	if err := ctx.Err(); err != nil {
		return Transient(err.Error())
	}
	// Send does not take ctx; the client timeout bounds the call, so a slow
	// request can outlive the attempt timeout by up to that much.
	_, err := t.bot.Send(t.chat, req.Body, &tele.SendOptions{DisableWebPagePreview: false})
	if err != nil {
		return classifyTelegram(err)
	}
	return Delivered()
}

func classifyTelegram(err error) Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RateLimited(time.Duration(flood.RetryAfter)*time.Second, err.Error())
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return RateLimited(0, err.Error())
		case te.Code >= 400 && te.Code < 500:
			return Rejected(err.Error())
		}
	}
	return Transient(err.Error())
}
