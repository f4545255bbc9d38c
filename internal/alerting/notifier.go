package alerting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// ErrInvalidDestination is returned for destination ids that are not Telegram chat ids.
var ErrInvalidDestination = errors.New("alerting: invalid destination")

// Notifier 定义告警输送接口。
type Notifier interface {
	Send(ctx context.Context, destinationID string, payload Payload) error
}

// Sender is the part of tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	bot    Sender
	logger zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(bot Sender, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send 根据媒体类型选择 sendAnimation / sendPhoto / sendMessage。
func (n *TelegramNotifier) Send(ctx context.Context, destinationID string, payload Payload) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(destinationID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, destinationID)
	}

	msg := buildChattable(chatID, payload)

	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send telegram message: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	n.logger.Info().Int64("chat_id", chatID).Bool("media", payload.MediaRef != "").Msg("告警已发送 (Telegram)")
	return nil
}

func buildChattable(chatID int64, payload Payload) tgbotapi.Chattable {
	markup, hasButtons := keyboard(payload.Buttons)

	switch {
	case payload.MediaRef == "":
		msg := tgbotapi.NewMessage(chatID, payload.Caption)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if hasButtons {
			msg.ReplyMarkup = markup
		}
		return msg
	case payload.MediaAnimated:
		msg := tgbotapi.NewAnimation(chatID, mediaFile(payload.MediaRef))
		msg.Caption = payload.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		if hasButtons {
			msg.ReplyMarkup = markup
		}
		return msg
	default:
		msg := tgbotapi.NewPhoto(chatID, mediaFile(payload.MediaRef))
		msg.Caption = payload.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		if hasButtons {
			msg.ReplyMarkup = markup
		}
		return msg
	}
}

func keyboard(buttons []Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// mediaFile treats URLs as remote files and anything else as a Telegram file id.
func mediaFile(ref string) tgbotapi.RequestFileData {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tgbotapi.FileURL(ref)
	}
	return tgbotapi.FileID(ref)
}

// LogNotifier writes alerts to the log; used when Telegram is disabled.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, destinationID string, payload Payload) error {
	n.logger.Info().
		Str("destination", destinationID).
		Str("media", payload.MediaRef).
		Int("buttons", len(payload.Buttons)).
		Str("caption", payload.Caption).
		Msg("alert")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
