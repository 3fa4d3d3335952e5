package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/telebot.v4"

	"refiner-bot/internal/handler"
)

// telegramClient drives a telebot instance without a poller; updates arrive
// through ProcessUpdate.
type telegramClient struct {
	bot     *handler.Bot
	tgBot   *telebot.Bot
	updates []string
}

// NewTelegramClientFactory returns a factory that attaches a fresh telebot
// client to the bot handler on every start attempt.
func NewTelegramClientFactory(bot *handler.Bot, settings telebot.Settings) ClientFactory {
	return func() (Client, error) {
		settings.Offline = true
		settings.Synchronous = true
		settings.Poller = nil

		tgBot, err := bot.NewTelegramBot(settings)
		if err != nil {
			return nil, err
		}
		return &telegramClient{
			bot:     bot,
			tgBot:   tgBot,
			updates: []string{"message", "callback_query"},
		}, nil
	}
}

func (t *telegramClient) Init(ctx context.Context) error {
	var me telebot.User
	if err := t.raw(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	t.tgBot.Me = &me
	return nil
}

func (t *telegramClient) Start(ctx context.Context) error {
	t.bot.Start()
	return callContext(ctx, func() error {
		return t.tgBot.SetCommands(t.bot.Commands())
	})
}

func (t *telegramClient) RegisterWebhook(ctx context.Context, url, secretToken string) error {
	params := map[string]interface{}{
		"url":             url,
		"allowed_updates": t.updates,
	}
	if secretToken != "" {
		params["secret_token"] = secretToken
	}
	return t.raw(ctx, "setWebhook", params, nil)
}

func (t *telegramClient) WebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := t.raw(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *telegramClient) ProcessUpdate(update telebot.Update) {
	t.tgBot.ProcessUpdate(update)
}

func (t *telegramClient) Username() string {
	if t.tgBot.Me == nil {
		return ""
	}
	return t.tgBot.Me.Username
}

// raw calls a Bot API method and decodes its result into out when non-nil.
func (t *telegramClient) raw(ctx context.Context, method string, params interface{}, out interface{}) error {
	var data []byte
	err := callContext(ctx, func() error {
		var err error
		data, err = t.tgBot.Raw(method, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("%s: invalid response: %w", method, err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: invalid result: %w", method, err)
	}
	return nil
}

// callContext runs fn and stops waiting for it when ctx is done. The HTTP
// client's own timeout eventually ends an abandoned call.
func callContext(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
