package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/subscription"
)

const defaultMaxMediaSize = 50 * 1024 * 1024

// API is the subset of tgbotapi.BotAPI the bot drives.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sessions is what the command front end asks of the supervisor.
type Sessions interface {
	Register(ctx context.Context, id string, asset ledger.Asset, ownerID int64) (subscription.Subscription, error)
	Start(ctx context.Context, id string) (subscription.Subscription, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) (subscription.Subscription, error)
	Extend(ctx context.Context, id, hash string) (subscription.ExtendResult, error)
	UpdateSettings(ctx context.Context, id string, upd subscription.SettingsUpdate) (subscription.Subscription, error)
	Subscription(id string) (subscription.Subscription, bool)
	Running(id string) bool
}

// Options configure the bot.
type Options struct {
	// OwnerID may run owner commands in any group.
	OwnerID           int64
	BotUsername       string
	PollTimeout       int
	MaxMediaSize      int64
	CollectionAccount string
	PeriodCost        decimal.Decimal
	PeriodDuration    time.Duration
}

// Bot is the Telegram command front end.
type Bot struct {
	api      API
	sessions Sessions
	pending  *PendingInputs
	opts     Options
	logger   zerolog.Logger
}

// New constructs the bot.
func New(api API, sessions Sessions, pending *PendingInputs, opts Options, logger zerolog.Logger) *Bot {
	if opts.MaxMediaSize <= 0 {
		opts.MaxMediaSize = defaultMaxMediaSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if pending == nil {
		pending = NewPendingInputs(0, nil)
	}
	return &Bot{
		api:      api,
		sessions: sessions,
		pending:  pending,
		opts:     opts,
		logger:   logger.With().Str("component", "bot").Logger(),
	}
}

// Run long-polls updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info().Msg("bot polling started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate routes one update.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		b.onMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		b.onCallback(ctx, upd.CallbackQuery)
	}
}

func (b *Bot) onMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if msg.IsCommand() {
		b.onCommand(ctx, msg)
		return
	}
	if !msg.Chat.IsPrivate() {
		return
	}
	if msg.Animation != nil || len(msg.Photo) > 0 || msg.Document != nil {
		b.onMedia(ctx, msg)
		return
	}
	if strings.TrimSpace(msg.Text) != "" {
		b.onInput(ctx, msg)
	}
}

func (b *Bot) onCommand(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	switch msg.Command() {
	case "register":
		b.cmdRegister(ctx, msg, args)
	case "start":
		b.cmdStart(ctx, msg)
	case "stop":
		b.cmdStop(ctx, msg)
	case "restart":
		b.cmdRestart(ctx, msg)
	case "hash":
		b.cmdHash(ctx, msg, args)
	case "threshold":
		b.cmdSet(ctx, msg, subscription.SettingThreshold, args)
	case "emoji":
		b.cmdSet(ctx, msg, subscription.SettingEmoji, args)
	case "setting":
		b.cmdSetting(ctx, msg)
	case "status":
		b.cmdStatus(msg)
	case "help":
		b.cmdHelp(msg)
	}
}

func (b *Bot) onCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn().Err(err).Msg("answer callback failed")
	}
	if cb.Message == nil || cb.From == nil {
		return
	}

	chatID := cb.Message.Chat.ID
	parts := strings.SplitN(cb.Data, ":", 3)
	switch parts[0] {
	case "ok":
		if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, cb.Message.MessageID)); err != nil {
			b.logger.Debug().Err(err).Msg("delete message failed")
		}
	case "set":
		if len(parts) != 3 {
			return
		}
		field := Field(parts[1])
		if _, ok := b.pending.Select(parts[2], cb.From.ID, field); !ok {
			b.reply(chatID, "⌛ This settings menu has expired. Run /setting in your group again.")
			return
		}
		b.reply(chatID, promptFor(field))
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.Chattable) {
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Msg("send failed")
	}
}

// authorized reports whether userID may run owner commands in chatID: the
// configured owner or the group's creator.
func (b *Bot) authorized(chatID, userID int64) bool {
	if b.opts.OwnerID != 0 && userID == b.opts.OwnerID {
		return true
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("get chat member failed")
		return false
	}
	return member.IsCreator()
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
