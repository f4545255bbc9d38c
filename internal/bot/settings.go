package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xrpl-buy-alerts/internal/subscription"
)

var allowedMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// cmdSetting hands the group owner a private settings menu.
func (b *Bot) cmdSetting(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.ownerOf(msg) {
		return
	}
	sub, ok := b.sessions.Subscription(chatKey(chatID))
	if !ok {
		b.reply(chatID, textNotRegistered)
		return
	}

	grant := b.pending.Grant(msg.From.ID, sub.ID)
	menu := tgbotapi.NewMessage(msg.From.ID, fmt.Sprintf("⚙️ Settings for <b>%s</b>. Choose what to change:", sub.Asset.DisplayCode()))
	menu.ParseMode = tgbotapi.ModeHTML
	menu.ReplyMarkup = settingsKeyboard(grant.Token)
	if _, err := b.api.Send(menu); err != nil {
		// the user has not opened a private chat with the bot yet
		b.logger.Warn().Err(err).Int64("user_id", msg.From.ID).Msg("settings menu not delivered")
		out := tgbotapi.NewMessage(chatID, "📩 Open a private chat with me first, then run /setting again.")
		if b.opts.BotUsername != "" {
			out.ReplyMarkup = openChatKeyboard(b.opts.BotUsername)
		}
		b.send(out)
		return
	}
	b.reply(chatID, "📩 I sent you the settings menu in a private message.")
}

// onInput applies a typed value to the armed field.
func (b *Bot) onInput(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	p, ok := b.pending.Awaiting(msg.From.ID)
	if !ok {
		return
	}
	if p.Field == FieldMedia {
		b.reply(chatID, "Please upload a valid photo, GIF, or file.")
		return
	}

	upd, err := subscription.ParseSetting(string(p.Field), msg.Text)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	if _, err := b.sessions.UpdateSettings(ctx, p.SubscriptionID, upd); err != nil {
		b.replyError(chatID, "update settings", err)
		return
	}
	b.pending.Complete(msg.From.ID)
	b.reply(chatID, savedText(upd))
}

// onMedia stores an uploaded photo or GIF as the alert media.
func (b *Bot) onMedia(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	p, ok := b.pending.Awaiting(msg.From.ID)
	if !ok || p.Field != FieldMedia {
		return
	}

	fileID, size, animated, ok := mediaOf(msg)
	if !ok {
		b.reply(chatID, "Please upload a valid photo, GIF, or file.")
		return
	}
	if size > b.opts.MaxMediaSize {
		b.reply(chatID, fmt.Sprintf("File too large! Maximum allowed size is %d MB.", b.opts.MaxMediaSize/(1024*1024)))
		return
	}

	upd := subscription.SettingsUpdate{MediaRef: &fileID, MediaAnimated: &animated}
	if _, err := b.sessions.UpdateSettings(ctx, p.SubscriptionID, upd); err != nil {
		b.replyError(chatID, "update media", err)
		return
	}
	b.pending.Complete(msg.From.ID)
	b.reply(chatID, savedText(upd))
}

// mediaOf picks the file of an animation, photo or image document.
func mediaOf(msg *tgbotapi.Message) (fileID string, size int64, animated, ok bool) {
	switch {
	case msg.Animation != nil:
		return msg.Animation.FileID, int64(msg.Animation.FileSize), true, true
	case len(msg.Photo) > 0:
		// largest resolution comes last
		photo := msg.Photo[len(msg.Photo)-1]
		return photo.FileID, int64(photo.FileSize), false, true
	case msg.Document != nil && allowedMediaTypes[msg.Document.MimeType]:
		return msg.Document.FileID, int64(msg.Document.FileSize), msg.Document.MimeType == "image/gif", true
	}
	return "", 0, false, false
}

func promptFor(field Field) string {
	switch field {
	case FieldThreshold:
		return "📣 Please enter the threshold using [number]"
	case FieldEmoji:
		return "📣 Please enter the emoji"
	case FieldMedia:
		return "📣 Please upload the PHOTO or GIF"
	}
	return "📣 Please choose a setting"
}
