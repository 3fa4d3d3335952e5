package handler

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"

	"refiner-bot/internal/activity"
	"refiner-bot/internal/config"
	"refiner-bot/internal/session"
	"refiner-bot/internal/storage"
)

const (
	defaultRewriteTimeout = 60 * time.Second
	storageTimeout        = 5 * time.Second
)

// Rewriter turns raw text into its polished version.
type Rewriter interface {
	Rewrite(ctx context.Context, original string) (string, error)
}

// Dependencies are the collaborators the bot dispatches to.
type Dependencies struct {
	Rewriter Rewriter
	// Sessions defaults to a manager using the configured expiry.
	Sessions *session.Manager
	// History is optional; nil disables history and /stats.
	History storage.Store
	// Activity is optional.
	Activity *activity.Reporter
}

// Bot represents the Telegram bot with all dependencies
type Bot struct {
	config   *config.Config
	tgBot    *telebot.Bot
	rewriter Rewriter
	sessions *session.Manager
	history  storage.Store
	activity *activity.Reporter
	ctx      context.Context
	cancel   context.CancelFunc

	now func() time.Time
}

// NewBot creates a new bot instance
func NewBot(cfg *config.Config, deps Dependencies) (*Bot, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if deps.Rewriter == nil {
		return nil, errors.New("rewriter is required")
	}

	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(time.Duration(cfg.Bot.RefinedTextExpiry) * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		config:   cfg,
		rewriter: deps.Rewriter,
		sessions: sessions,
		history:  deps.History,
		activity: deps.Activity,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}, nil
}

// NewTelegramBot creates the Telegram client with the bot's error handler
// installed and attaches it.
func (b *Bot) NewTelegramBot(settings telebot.Settings) (*telebot.Bot, error) {
	settings.OnError = b.HandleError
	tgBot, err := telebot.NewBot(settings)
	if err != nil {
		return nil, err
	}
	b.SetTelegramBot(tgBot)
	return tgBot, nil
}

// SetTelegramBot sets the Telegram bot instance
func (b *Bot) SetTelegramBot(tgBot *telebot.Bot) {
	b.tgBot = tgBot
}

// Sessions exposes the conversation state.
func (b *Bot) Sessions() *session.Manager {
	return b.sessions
}

// Start registers middleware and handlers on the Telegram bot
func (b *Bot) Start() {
	if b.tgBot == nil {
		log.Error("Telegram bot not set")
		return
	}

	b.tgBot.Use(b.reportActivity)

	// Register command handlers
	b.tgBot.Handle("/start", b.handleStart)
	b.tgBot.Handle("/help", b.handleHelp)
	b.tgBot.Handle("/stats", b.handleStats)
	b.tgBot.Handle("/history", b.handleHistory)
	b.tgBot.Handle("/cancel", b.handleCancel)

	// Forwarded and plain text messages (non-commands)
	b.tgBot.Handle(telebot.OnText, b.handleText)

	// Inline buttons
	b.tgBot.Handle(telebot.OnCallback, b.handleCallback)
}

// Commands returns the command menu announced to Telegram.
func (b *Bot) Commands() []telebot.Command {
	return []telebot.Command{
		{Text: "start", Description: "התחלה והסבר קצר"},
		{Text: "help", Description: "עזרה והגדרות ערוץ"},
		{Text: "stats", Description: "סטטיסטיקות שימוש"},
		{Text: "history", Description: "השכתובים האחרונים"},
		{Text: "cancel", Description: "ביטול מצב עריכה"},
	}
}

// Close stops in-flight work started by handlers
func (b *Bot) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// reportActivity records every update from a user. Reporting never blocks
// or fails the handler.
func (b *Bot) reportActivity(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		if sender := c.Sender(); sender != nil {
			b.activity.Report(sender.ID)
		}
		return next(c)
	}
}

// HandleError is the catch-all for handler errors. The user gets a generic
// failure notice unless the update came from a channel.
func (b *Bot) HandleError(err error, c telebot.Context) {
	if c == nil {
		log.Errorf("Telegram error: %v", err)
		return
	}

	fields := log.Fields{"update_id": c.Update().ID}
	if sender := c.Sender(); sender != nil {
		fields["user_id"] = sender.ID
	}
	chat := c.Chat()
	if chat != nil {
		fields["chat_id"] = chat.ID
		fields["chat_type"] = chat.Type
	}
	log.WithFields(fields).Errorf("Update caused error: %v", err)

	if chat == nil || chat.Type == telebot.ChatChannel || chat.Type == telebot.ChatChannelPrivate {
		return
	}
	if sendErr := c.Send(msgUnexpectedError); sendErr != nil {
		log.Warnf("Failed to send error notice: %v", sendErr)
	}
}
