package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func settingsKeyboard(token string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎯 Threshold", callbackData(FieldThreshold, token)),
			tgbotapi.NewInlineKeyboardButtonData("😀 Emoji", callbackData(FieldEmoji, token)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🖼 Photo / GIF", callbackData(FieldMedia, token)),
		),
	)
}

func okKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("OK", "ok"),
		),
	)
}

func openChatKeyboard(username string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Open chat", "https://t.me/"+username),
		),
	)
}

func callbackData(field Field, token string) string {
	return "set:" + string(field) + ":" + token
}
