package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/service"
	"xrpl-buy-alerts/internal/subscription"
)

const (
	textNotOwner      = "📌 You are not the owner."
	textNotRegistered = "You are not a registered user. Click /register to register."
	textGroupOnly     = "Registry is only available to groups and Owner."
	textRetryLater    = "⚠️ Something went wrong, please try again later."
)

const helpText = `<b>XRPL buy alerts</b>

/register &lt;issuer&gt; &lt;currency&gt; - register this group for a token (one-day free trial)
/start - start receiving buy alerts
/stop - pause buy alerts
/restart - reconnect the ledger feed
/threshold &lt;xrp&gt; - minimum spend that triggers an alert
/emoji &lt;emoji&gt; - icon repeated in each alert
/setting - edit threshold, emoji and media in a private chat
/hash &lt;payment hash&gt; - extend the subscription with an XRP payment
/status - show the subscription
/help - show this message`

func (b *Bot) cmdRegister(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	if msg.Chat.IsPrivate() {
		b.reply(chatID, textGroupOnly)
		return
	}
	if !b.authorized(chatID, msg.From.ID) {
		b.reply(chatID, textNotOwner)
		return
	}
	if len(args) < 2 {
		b.reply(chatID, "Usage: /register &lt;issuer&gt; &lt;currency&gt;")
		return
	}

	asset, err := ledger.NewAsset(args[0], args[1])
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	sub, err := b.sessions.Register(ctx, chatKey(chatID), asset, msg.From.ID)
	if err != nil {
		b.replyError(chatID, "register", err)
		return
	}
	b.reply(chatID, fmt.Sprintf(
		"✅ Registered <b>%s</b> (<code>%s</code>).\nFree trial until %s.\n👋 Hello! I will notify you of token purchases over %s XRP.",
		html.EscapeString(asset.DisplayCode()), asset.Issuer, formatTime(sub.ExpireAt), sub.Threshold.String(),
	))
}

func (b *Bot) cmdStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sub, err := b.sessions.Start(ctx, chatKey(chatID))
	if err != nil {
		b.replyError(chatID, "start", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("👋 Hello! I will notify you of token purchases over %s XRP.", sub.Threshold.String()))
}

func (b *Bot) cmdStop(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.ownerOf(msg) {
		return
	}
	if err := b.sessions.Stop(ctx, chatKey(chatID)); err != nil {
		b.replyError(chatID, "stop", err)
		return
	}
	b.reply(chatID, "Your session has been successfully stopped.")
}

func (b *Bot) cmdRestart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.ownerOf(msg) {
		return
	}
	b.reply(chatID, "Restarting WebSocket connection...")
	sub, err := b.sessions.Restart(ctx, chatKey(chatID))
	if err != nil {
		b.replyError(chatID, "restart", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("👋 Hello! I will notify you of token purchases over %s XRP.", sub.Threshold.String()))
}

func (b *Bot) cmdHash(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	if !b.ownerOf(msg) {
		return
	}
	if len(args) == 0 {
		b.reply(chatID, fmt.Sprintf(
			"Every %s XRP sent to <code>%s</code> buys %d days of alerts. After paying, reply with /hash &lt;payment hash&gt;.",
			b.opts.PeriodCost.String(), b.opts.CollectionAccount, int(b.opts.PeriodDuration/(24*time.Hour)),
		))
		return
	}

	res, err := b.sessions.Extend(ctx, chatKey(chatID), args[0])
	if err != nil {
		b.replyError(chatID, "extend", err)
		return
	}
	sub := res.Subscription
	if res.Extended {
		b.reply(chatID, fmt.Sprintf(
			"✅ Received %s XRP: +%d period(s).\nSubscription active until %s.\nRemaining credit: %s XRP.",
			res.Paid.String(), res.Periods, formatTime(sub.ExpireAt), sub.AccumulatedCredit.String(),
		))
		return
	}
	b.reply(chatID, fmt.Sprintf(
		"✅ Received %s XRP. Credit %s / %s XRP.\nSubscription active until %s.",
		res.Paid.String(), sub.AccumulatedCredit.String(), b.opts.PeriodCost.String(), formatTime(sub.ExpireAt),
	))
}

func (b *Bot) cmdSet(ctx context.Context, msg *tgbotapi.Message, field string, args []string) {
	chatID := msg.Chat.ID
	if !b.ownerOf(msg) {
		return
	}
	if len(args) == 0 {
		b.reply(chatID, promptFor(Field(field)))
		return
	}
	upd, err := subscription.ParseSetting(field, strings.Join(args, " "))
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	if _, err := b.sessions.UpdateSettings(ctx, chatKey(chatID), upd); err != nil {
		b.replyError(chatID, "update settings", err)
		return
	}
	b.reply(chatID, savedText(upd))
}

func (b *Bot) cmdStatus(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sub, ok := b.sessions.Subscription(chatKey(chatID))
	if !ok {
		b.reply(chatID, textNotRegistered)
		return
	}
	state := "stopped"
	if b.sessions.Running(sub.ID) {
		state = "running"
	}
	media := "none"
	if sub.MediaRef != "" {
		media = "photo"
		if sub.MediaAnimated {
			media = "gif"
		}
	}
	b.reply(chatID, fmt.Sprintf(
		"<b>%s</b> (<code>%s</code>)\nSession: %s\nThreshold: %s XRP\nEmoji: %s\nMedia: %s\nExpires: %s\nCredit: %s XRP",
		html.EscapeString(sub.Asset.DisplayCode()), sub.Asset.Issuer, state, sub.Threshold.String(),
		html.EscapeString(sub.EmojiIcon), media, formatTime(sub.ExpireAt), sub.AccumulatedCredit.String(),
	))
}

func (b *Bot) cmdHelp(msg *tgbotapi.Message) {
	out := tgbotapi.NewMessage(msg.Chat.ID, helpText)
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyMarkup = okKeyboard()
	b.send(out)
}

// ownerOf checks that the sender may manage the group's subscription and
// replies with the refusal when not.
func (b *Bot) ownerOf(msg *tgbotapi.Message) bool {
	if msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, textGroupOnly)
		return false
	}
	if !b.authorized(msg.Chat.ID, msg.From.ID) {
		b.reply(msg.Chat.ID, textNotOwner)
		return false
	}
	return true
}

func (b *Bot) replyError(chatID int64, op string, err error) {
	text := errorText(err)
	if text == textRetryLater {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Str("op", op).Msg("command failed")
	}
	b.reply(chatID, text)
}

// errorText maps domain errors to the reply shown in the chat.
func errorText(err error) string {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return textNotRegistered
	case errors.Is(err, subscription.ErrAlreadyRegistered):
		return "Already registry!"
	case errors.Is(err, service.ErrExpired):
		return "Your subscription has expired. Please re-subscribe to continue receiving notifications. /hash 'hash'"
	case errors.Is(err, service.ErrAlreadyRunning):
		return "Warning... Already Started."
	case errors.Is(err, subscription.ErrProofUsed):
		return "⚠️ This payment hash has already been used."
	case errors.Is(err, subscription.ErrWrongDestination):
		return "⚠️ This payment was not sent to the subscription account."
	case errors.Is(err, subscription.ErrProofExpired):
		return "⚠️ This payment is too old to be accepted."
	case errors.Is(err, subscription.ErrInvalidProof):
		return "⚠️ Invalid payment hash. Send a successful XRP payment and reply with /hash &lt;payment hash&gt;."
	case errors.Is(err, subscription.ErrInvalidSetting):
		return "⚠️ " + html.EscapeString(strings.TrimPrefix(err.Error(), "subscription: "))
	case errors.Is(err, ledger.ErrInvalidIssuer):
		return "Issuer address is incorrect, please check again!"
	case errors.Is(err, ledger.ErrInvalidCurrency):
		return "Currency code is incorrect, please check again!"
	}
	return textRetryLater
}

func savedText(upd subscription.SettingsUpdate) string {
	switch {
	case upd.Threshold != nil:
		return fmt.Sprintf("😊 Threshold set to %s XRP.", upd.Threshold.String())
	case upd.EmojiIcon != nil:
		return fmt.Sprintf("😊 Emoji set to %s", html.EscapeString(strings.TrimSpace(*upd.EmojiIcon)))
	case upd.MediaRef != nil:
		if upd.MediaAnimated != nil && *upd.MediaAnimated {
			return "GIF uploaded and saved!"
		}
		return "Photo uploaded and saved!"
	}
	return "Saved."
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}
