package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"

	"refiner-bot/internal/format"
	"refiner-bot/internal/session"
	"refiner-bot/internal/storage"
)

// Callback identifiers carried by the inline buttons
const (
	cbPublish    = "publish"
	cbEdit       = "edit_before_publish"
	cbCancelEdit = "cancel_manual_edit"
)

const (
	historyLimit          = 5
	historyPreviewLength  = 80
	refinedReplyOverhead  = 64
	publishTimeFormat     = "15:04:05"
	historyDateFormat     = "02/01 15:04"
	parseEntitiesErrorTag = "can't parse entities"
)

// channelRecipient addresses a channel by @username or numeric ID.
type channelRecipient string

func (c channelRecipient) Recipient() string {
	return string(c)
}

// handleStart handles the /start command
func (b *Bot) handleStart(c telebot.Context) error {
	return c.Send(msgStart, telebot.ModeHTML)
}

// handleHelp handles the /help command
func (b *Bot) handleHelp(c telebot.Context) error {
	channel := b.config.Telegram.Channel
	if channel == "" {
		channel = msgChannelNotConfigured
	}
	return c.Send(fmt.Sprintf(msgHelp, html.EscapeString(channel)), telebot.ModeHTML)
}

// handleStats handles the /stats command
func (b *Bot) handleStats(c telebot.Context) error {
	if b.history == nil {
		return c.Send(msgHistoryDisabled)
	}

	ctx, cancel := context.WithTimeout(b.ctx, storageTimeout)
	defer cancel()

	userStats, err := b.history.UserStats(ctx, c.Sender().ID)
	if err != nil {
		log.Errorf("Failed to load user stats: %v", err)
		return c.Send(msgHistoryFailed)
	}
	global, err := b.history.GlobalStats(ctx)
	if err != nil {
		log.Errorf("Failed to load global stats: %v", err)
		return c.Send(msgHistoryFailed)
	}

	return c.Send(fmt.Sprintf(msgStats,
		userStats.TotalRefinements, userStats.PublishedRefinements,
		userStats.AvgOriginalLength, userStats.AvgRefinedLength,
		global.TotalUsers, global.TotalRefinements, global.TotalPublished,
	), telebot.ModeHTML)
}

// handleHistory handles the /history command
func (b *Bot) handleHistory(c telebot.Context) error {
	if b.history == nil {
		return c.Send(msgHistoryDisabled)
	}

	ctx, cancel := context.WithTimeout(b.ctx, storageTimeout)
	defer cancel()

	records, err := b.history.RecentRefinements(ctx, c.Sender().ID, historyLimit, false)
	if err != nil {
		log.Errorf("Failed to load history: %v", err)
		return c.Send(msgHistoryFailed)
	}
	if len(records) == 0 {
		return c.Send(msgHistoryEmpty)
	}

	return c.Send(formatHistory(records), telebot.ModeHTML)
}

func formatHistory(records []*storage.Refinement) string {
	var sb strings.Builder
	sb.WriteString(msgHistoryHeader)
	for i, rec := range records {
		status := "📝"
		if rec.Published {
			status = "📢"
		}
		preview := strings.ReplaceAll(rec.RefinedText, "\n", " ")
		preview = format.Truncate(preview, historyPreviewLength, "…")
		sb.WriteString(fmt.Sprintf("%d. %s %s\n%s\n\n",
			i+1, status, rec.CreatedAt.Local().Format(historyDateFormat), html.EscapeString(preview)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// handleCancel handles the /cancel command
func (b *Bot) handleCancel(c telebot.Context) error {
	return b.cancelEdit(c)
}

// handleText handles forwarded and plain text messages
func (b *Bot) handleText(c telebot.Context) error {
	msg := c.Message()
	sender := c.Sender()
	if msg == nil || sender == nil {
		return nil
	}

	if msg.IsForwarded() {
		return b.handleForwarded(c)
	}

	if b.sessions.AwaitingEdit(sender.ID) {
		return b.handleManualEdit(c)
	}

	text, err := session.CheckRewriteInput(c.Text())
	if err != nil {
		return b.replyValidation(c, err)
	}
	return b.rewriteAndOffer(c, text)
}

// handleForwarded always starts a fresh rewrite. A pending manual edit is
// dropped without restoring.
func (b *Bot) handleForwarded(c telebot.Context) error {
	b.sessions.Forwarded(c.Sender().ID)

	text := strings.TrimSpace(c.Text())
	if text == "" {
		return b.replyValidation(c, session.ErrEmptyText)
	}
	return b.rewriteAndOffer(c, text)
}

// handleManualEdit stores the user's own text as the publishable version.
func (b *Bot) handleManualEdit(c telebot.Context) error {
	text, err := b.sessions.SubmitEdit(c.Sender().ID, c.Text())
	if err != nil {
		return b.replyValidation(c, err)
	}
	log.Infof("Manual edit stored for user %d (%d chars)", c.Sender().ID, utf8.RuneCountInString(text))

	rendered := format.Render(text)
	htmlText := format.Truncate(msgEditSaved+rendered.HTML, format.MaxMessageLength, "…")
	err = c.Send(htmlText, telebot.ModeHTML, publishMarkup())
	if err != nil && isParseError(err) {
		plain := format.Truncate(stripTags(msgEditSaved)+rendered.Plain, format.MaxMessageLength, "…")
		err = c.Send(plain, publishMarkup())
	}
	return err
}

// rewriteAndOffer runs the rewrite and offers the result for publishing.
// On failure the session is left untouched.
func (b *Bot) rewriteAndOffer(c telebot.Context, text string) error {
	userID := c.Sender().ID

	placeholder, err := c.Bot().Send(c.Chat(), msgProcessing)
	if err != nil {
		return err
	}

	timeout := time.Duration(b.config.Rewrite.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultRewriteTimeout
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()

	refined, err := b.rewriter.Rewrite(ctx, text)
	if err != nil {
		log.Errorf("Rewrite failed for user %d: %v", userID, err)
		b.updateMessage(c, placeholder, fmt.Sprintf(msgRewriteFailed, err))
		return nil
	}

	historyID := b.saveHistory(c, text, refined)
	b.sessions.RecordRewrite(userID, refined, historyID)

	rendered := format.Render(refined)
	limit := format.MaxMessageLength - refinedReplyOverhead
	htmlText := msgRefinedHeader + format.ToHTML(format.Truncate(refined, limit, "…"))
	if _, err := c.Bot().Edit(placeholder, htmlText, telebot.ModeHTML, publishMarkup()); err != nil {
		log.Warnf("Failed to show rewrite as HTML, falling back to plain text: %v", err)
		plain := format.Truncate(msgRefinedPlain+rendered.Plain, format.MaxMessageLength, "…")
		b.updateMessage(c, placeholder, plain, publishMarkup())
	}

	log.Infof("Message refined successfully for user %d", userID)
	return nil
}

// saveHistory stores the rewrite when history is enabled and returns its ID.
func (b *Bot) saveHistory(c telebot.Context, original, refined string) string {
	if b.history == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(b.ctx, storageTimeout)
	defer cancel()

	sender := c.Sender()
	id, err := b.history.SaveRefinement(ctx, &storage.Refinement{
		UserID:       sender.ID,
		Username:     sender.Username,
		OriginalText: original,
		RefinedText:  refined,
	})
	if err != nil {
		log.Warnf("Failed to save refinement history: %v", err)
		return ""
	}
	return id
}

// handleCallback dispatches inline button presses
func (b *Bot) handleCallback(c telebot.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	if err := c.Respond(); err != nil {
		log.Debugf("Failed to answer callback: %v", err)
	}

	switch callbackAction(cb) {
	case cbPublish:
		return b.publish(c)
	case cbEdit:
		return b.enterEdit(c)
	case cbCancelEdit:
		return b.cancelEdit(c)
	default:
		log.Warnf("Unknown callback data %q", cb.Data)
		return nil
	}
}

// callbackAction extracts the button identifier from callback data.
func callbackAction(cb *telebot.Callback) string {
	if cb.Unique != "" {
		return cb.Unique
	}
	data := strings.TrimPrefix(cb.Data, "\f")
	if i := strings.IndexByte(data, '|'); i >= 0 {
		data = data[:i]
	}
	return data
}

// publish sends the stored text to the configured channel.
func (b *Bot) publish(c telebot.Context) error {
	userID := c.Sender().ID
	channel := b.config.Telegram.Channel

	pub, err := b.sessions.Publish(userID, channel)
	if err != nil {
		return b.replyValidation(c, err)
	}

	// The limit applies to the visible text, so the HTML is never cut.
	rendered := format.Render(pub.Text)
	if n := utf8.RuneCountInString(rendered.Plain); n > format.MaxMessageLength {
		log.Debugf("Refusing to publish %d visible characters for user %d", n, userID)
		return c.Send(fmt.Sprintf(msgTooLong, n, format.MaxMessageLength))
	}

	_, err = b.tgBot.Send(channelRecipient(channel), rendered.HTML, telebot.ModeHTML)
	if err != nil && isParseError(err) {
		log.Warnf("Channel rejected HTML, publishing as plain text: %v", err)
		_, err = b.tgBot.Send(channelRecipient(channel), rendered.Plain)
	}
	if err != nil {
		log.Errorf("Error publishing to channel %s: %v", channel, err)
		return c.Send(fmt.Sprintf(msgPublishFailed, err))
	}

	if pub.HistoryID != "" && b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, storageTimeout)
		if err := b.history.MarkPublished(ctx, pub.HistoryID, b.now()); err != nil {
			log.Warnf("Failed to mark refinement %s as published: %v", pub.HistoryID, err)
		}
		cancel()
	}

	log.Infof("Published to channel %s for user %d", channel, userID)
	confirmation := fmt.Sprintf(msgPublished, channel, utf8.RuneCountInString(pub.Text), b.now().Format(publishTimeFormat))
	if err := c.Edit(confirmation); err != nil {
		return c.Send(confirmation)
	}
	return nil
}

// enterEdit switches the user into manual edit mode.
func (b *Bot) enterEdit(c telebot.Context) error {
	text, err := b.sessions.EnterEdit(c.Sender().ID)
	if err != nil {
		return b.replyValidation(c, err)
	}

	if err := c.Send(msgEditMode, telebot.ModeHTML); err != nil {
		return err
	}
	return c.Send(format.Truncate(text, format.MaxMessageLength, "…"), cancelEditMarkup())
}

// cancelEdit leaves manual edit mode, restoring the previous text.
func (b *Bot) cancelEdit(c telebot.Context) error {
	if _, wasEditing := b.sessions.CancelEdit(c.Sender().ID); !wasEditing {
		return c.Send(msgNotEditing)
	}
	return c.Send(msgEditCancelled, publishMarkup())
}

// replyValidation answers a refused request. Unknown errors go to the
// catch-all handler.
func (b *Bot) replyValidation(c telebot.Context, err error) error {
	var text string
	switch {
	case errors.Is(err, session.ErrTooShort):
		text = fmt.Sprintf(msgTooShort, session.MinInputLength)
	case errors.Is(err, session.ErrEmptyText):
		text = msgEmptyText
	case errors.Is(err, session.ErrNothingToEdit):
		text = msgNothingToEdit
	case errors.Is(err, session.ErrNothingToPublish):
		text = msgNothingToPublish
	case errors.Is(err, session.ErrNoChannel):
		text = msgNoChannel
	case errors.Is(err, session.ErrExpired):
		text = msgExpired
	case errors.Is(err, session.ErrNotEditing):
		text = msgNotEditing
	default:
		return err
	}
	log.Debugf("Request refused: %v", err)
	return c.Send(text)
}

// updateMessage edits msg, sending a new message when the edit fails
func (b *Bot) updateMessage(c telebot.Context, msg *telebot.Message, content string, opts ...interface{}) {
	if _, err := c.Bot().Edit(msg, content, opts...); err != nil {
		log.Warnf("Failed to update Telegram message: %v", err)
		if _, err := c.Bot().Send(c.Chat(), content, opts...); err != nil {
			log.Errorf("Failed to send new message: %v", err)
		}
	}
}

func publishMarkup() *telebot.ReplyMarkup {
	markup := &telebot.ReplyMarkup{}
	markup.Inline(
		markup.Row(markup.Data(btnPublish, cbPublish)),
		markup.Row(markup.Data(btnEdit, cbEdit)),
	)
	return markup
}

func cancelEditMarkup() *telebot.ReplyMarkup {
	markup := &telebot.ReplyMarkup{}
	markup.Inline(markup.Row(markup.Data(btnCancelEdit, cbCancelEdit)))
	return markup
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), parseEntitiesErrorTag)
}

// stripTags removes the few tags used in the static message texts.
func stripTags(s string) string {
	for _, tag := range []string{"<b>", "</b>", "<code>", "</code>"} {
		s = strings.ReplaceAll(s, tag, "")
	}
	return s
}
