package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/service"
	"xrpl-buy-alerts/internal/subscription"
)

const (
	groupID   int64 = -1001
	creatorID int64 = 7
	memberID  int64 = 8
	issuer          = "rHXuEaRYnnJHbDeuBH5w8yPh5uwNVh5zAg"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	failTo   int64
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok && a.failTo != 0 && m.ChatID == a.failTo {
		return tgbotapi.Message{}, errors.New("Forbidden: bot can't initiate conversation with a user")
	}
	a.sent = append(a.sent, c)
	return tgbotapi.Message{}, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (a *fakeAPI) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	status := "member"
	if cfg.UserID == creatorID {
		status = "creator"
	}
	return tgbotapi.ChatMember{Status: status}, nil
}

func (a *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (a *fakeAPI) StopReceivingUpdates() {}

// texts returns the text of every message sent to chatID.
func (a *fakeAPI) texts(chatID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (a *fakeAPI) last(chatID int64) string {
	texts := a.texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (a *fakeAPI) lastMessage(chatID int64) tgbotapi.MessageConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.sent) - 1; i >= 0; i-- {
		if m, ok := a.sent[i].(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			return m
		}
	}
	return tgbotapi.MessageConfig{}
}

type fakeSessions struct {
	subs    map[string]subscription.Subscription
	running map[string]bool
	extend  func(hash string) (subscription.ExtendResult, error)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{subs: map[string]subscription.Subscription{}, running: map[string]bool{}}
}

func (f *fakeSessions) Register(_ context.Context, id string, asset ledger.Asset, ownerID int64) (subscription.Subscription, error) {
	if _, ok := f.subs[id]; ok {
		return subscription.Subscription{}, subscription.ErrAlreadyRegistered
	}
	sub := subscription.Subscription{
		ID:        id,
		Asset:     asset,
		Threshold: decimal.NewFromInt(50),
		OwnerID:   ownerID,
		Enabled:   true,
		ExpireAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	f.subs[id] = sub
	f.running[id] = true
	return sub, nil
}

func (f *fakeSessions) Start(_ context.Context, id string) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return sub, subscription.ErrNotFound
	}
	if f.running[id] {
		return sub, service.ErrAlreadyRunning
	}
	f.running[id] = true
	return sub, nil
}

func (f *fakeSessions) Stop(_ context.Context, id string) error {
	if _, ok := f.subs[id]; !ok {
		return subscription.ErrNotFound
	}
	f.running[id] = false
	return nil
}

func (f *fakeSessions) Restart(ctx context.Context, id string) (subscription.Subscription, error) {
	f.running[id] = false
	return f.Start(ctx, id)
}

func (f *fakeSessions) Extend(_ context.Context, _ string, hash string) (subscription.ExtendResult, error) {
	return f.extend(hash)
}

func (f *fakeSessions) UpdateSettings(_ context.Context, id string, upd subscription.SettingsUpdate) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return sub, subscription.ErrNotFound
	}
	if upd.Threshold != nil {
		sub.Threshold = *upd.Threshold
	}
	if upd.EmojiIcon != nil {
		sub.EmojiIcon = *upd.EmojiIcon
	}
	if upd.MediaRef != nil {
		sub.MediaRef = *upd.MediaRef
	}
	if upd.MediaAnimated != nil {
		sub.MediaAnimated = *upd.MediaAnimated
	}
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSessions) Subscription(id string) (subscription.Subscription, bool) {
	sub, ok := f.subs[id]
	return sub, ok
}

func (f *fakeSessions) Running(id string) bool { return f.running[id] }

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *fakeSessions) {
	t.Helper()
	api := &fakeAPI{}
	sessions := newFakeSessions()
	b := New(api, sessions, NewPendingInputs(time.Minute, nil), Options{
		BotUsername:       "buy_alerts_bot",
		CollectionAccount: "rCollection",
		PeriodCost:        decimal.NewFromInt(50),
	}, zerolog.Nop())
	return b, api, sessions
}

func command(chatID, userID int64, text string) tgbotapi.Update {
	chatType := "supergroup"
	if chatID > 0 {
		chatType = "private"
	}
	name := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: chatID, Type: chatType},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func privateText(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
		Text: text,
	}}
}

func TestRegisterRequiresCreatorAndValidAsset(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()

	b.HandleUpdate(ctx, command(groupID, memberID, "/register "+issuer+" USD"))
	require.Equal(t, textNotOwner, api.last(groupID))

	b.HandleUpdate(ctx, command(creatorID, creatorID, "/register "+issuer+" USD"))
	require.Equal(t, textGroupOnly, api.last(creatorID))

	b.HandleUpdate(ctx, command(groupID, creatorID, "/register notanissuer USD"))
	require.Contains(t, api.last(groupID), "Issuer address is incorrect")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/register "+issuer+" USD"))
	require.Contains(t, api.last(groupID), "Registered <b>USD</b>")
	require.Contains(t, api.last(groupID), "over 50 XRP")
	sub, ok := sessions.Subscription("-1001")
	require.True(t, ok)
	require.Equal(t, creatorID, sub.OwnerID)

	b.HandleUpdate(ctx, command(groupID, creatorID, "/register "+issuer+" USD"))
	require.Equal(t, "Already registry!", api.last(groupID))
}

func TestStartStopRestart(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()

	b.HandleUpdate(ctx, command(groupID, memberID, "/start"))
	require.Equal(t, textNotRegistered, api.last(groupID))

	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	b.HandleUpdate(ctx, command(groupID, memberID, "/start"))
	require.Equal(t, "Warning... Already Started.", api.last(groupID))

	b.HandleUpdate(ctx, command(groupID, memberID, "/stop"))
	require.Equal(t, textNotOwner, api.last(groupID))
	require.True(t, sessions.Running("-1001"))

	b.HandleUpdate(ctx, command(groupID, creatorID, "/stop"))
	require.Equal(t, "Your session has been successfully stopped.", api.last(groupID))
	require.False(t, sessions.Running("-1001"))

	b.HandleUpdate(ctx, command(groupID, creatorID, "/restart"))
	texts := api.texts(groupID)
	require.Equal(t, "Restarting WebSocket connection...", texts[len(texts)-2])
	require.True(t, sessions.Running("-1001"))
}

func TestHashRepliesPerOutcome(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()
	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	expire := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sessions.extend = func(hash string) (subscription.ExtendResult, error) {
		switch hash {
		case "used":
			return subscription.ExtendResult{}, subscription.ErrProofUsed
		case "bad":
			return subscription.ExtendResult{}, subscription.ErrInvalidProof
		case "partial":
			return subscription.ExtendResult{
				Paid:         decimal.NewFromInt(30),
				Subscription: subscription.Subscription{AccumulatedCredit: decimal.NewFromInt(30), ExpireAt: expire},
			}, nil
		}
		return subscription.ExtendResult{
			Paid:         decimal.NewFromInt(60),
			Periods:      1,
			Extended:     true,
			Subscription: subscription.Subscription{AccumulatedCredit: decimal.NewFromInt(10), ExpireAt: expire},
		}, nil
	}

	b.HandleUpdate(ctx, command(groupID, creatorID, "/hash"))
	require.Contains(t, api.last(groupID), "<code>rCollection</code>")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/hash used"))
	require.Contains(t, api.last(groupID), "already been used")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/hash bad"))
	require.Contains(t, api.last(groupID), "Invalid payment hash")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/hash partial"))
	require.Contains(t, api.last(groupID), "Credit 30 / 50 XRP")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/hash good"))
	require.Contains(t, api.last(groupID), "+1 period(s)")
	require.Contains(t, api.last(groupID), "2026-03-01 00:00 UTC")
}

func TestInlineThresholdAndEmoji(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()
	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	b.HandleUpdate(ctx, command(groupID, creatorID, "/threshold abc"))
	require.Contains(t, api.last(groupID), "not a number")

	b.HandleUpdate(ctx, command(groupID, creatorID, "/threshold 125.5"))
	require.Equal(t, "😊 Threshold set to 125.5 XRP.", api.last(groupID))

	b.HandleUpdate(ctx, command(groupID, creatorID, "/emoji 🐳"))
	sub, _ := sessions.Subscription("-1001")
	require.True(t, sub.Threshold.Equal(decimal.RequireFromString("125.5")))
	require.Equal(t, "🐳", sub.EmojiIcon)
}

func TestSettingFlowOverPrivateChat(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()
	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	b.HandleUpdate(ctx, command(groupID, creatorID, "/setting"))
	require.Contains(t, api.last(groupID), "private message")

	menu := api.lastMessage(creatorID)
	keyboard, ok := menu.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	data := *keyboard.InlineKeyboard[0][0].CallbackData
	require.True(t, strings.HasPrefix(data, "set:threshold:"))

	// 陌生用户点按钮无效
	b.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb0", From: &tgbotapi.User{ID: memberID}, Data: data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: memberID, Type: "private"}},
	}})
	require.Contains(t, api.last(memberID), "expired")

	b.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb1", From: &tgbotapi.User{ID: creatorID}, Data: data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: creatorID, Type: "private"}},
	}})
	require.Equal(t, promptFor(FieldThreshold), api.last(creatorID))

	b.HandleUpdate(ctx, privateText(creatorID, "-5"))
	require.Contains(t, api.last(creatorID), "greater than zero")

	b.HandleUpdate(ctx, privateText(creatorID, "80"))
	require.Equal(t, "😊 Threshold set to 80 XRP.", api.last(creatorID))
	sub, _ := sessions.Subscription("-1001")
	require.True(t, sub.Threshold.Equal(decimal.NewFromInt(80)))

	// no field armed any more: plain text is ignored
	before := len(api.texts(creatorID))
	b.HandleUpdate(ctx, privateText(creatorID, "90"))
	require.Len(t, api.texts(creatorID), before)
}

func TestMediaUpload(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()
	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	grant := b.pending.Grant(creatorID, "-1001")
	_, ok := b.pending.Select(grant.Token, creatorID, FieldMedia)
	require.True(t, ok)

	upload := func(msg *tgbotapi.Message) {
		msg.From = &tgbotapi.User{ID: creatorID}
		msg.Chat = &tgbotapi.Chat{ID: creatorID, Type: "private"}
		b.HandleUpdate(ctx, tgbotapi.Update{Message: msg})
	}

	upload(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "doc", MimeType: "application/pdf", FileSize: 10}})
	require.Equal(t, "Please upload a valid photo, GIF, or file.", api.last(creatorID))

	upload(&tgbotapi.Message{Animation: &tgbotapi.Animation{FileID: "big", FileSize: 60 * 1024 * 1024}})
	require.Equal(t, "File too large! Maximum allowed size is 50 MB.", api.last(creatorID))

	upload(&tgbotapi.Message{Animation: &tgbotapi.Animation{FileID: "gif-1", FileSize: 1024}})
	require.Equal(t, "GIF uploaded and saved!", api.last(creatorID))
	sub, _ := sessions.Subscription("-1001")
	require.Equal(t, "gif-1", sub.MediaRef)
	require.True(t, sub.MediaAnimated)

	_, ok = b.pending.Select(grant.Token, creatorID, FieldMedia)
	require.True(t, ok)
	upload(&tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{FileID: "small", FileSize: 10}, {FileID: "large", FileSize: 100}}})
	require.Equal(t, "Photo uploaded and saved!", api.last(creatorID))
	sub, _ = sessions.Subscription("-1001")
	require.Equal(t, "large", sub.MediaRef)
	require.False(t, sub.MediaAnimated)
}

func TestSettingMenuUndeliverable(t *testing.T) {
	b, api, sessions := newTestBot(t)
	api.failTo = creatorID
	ctx := context.Background()
	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)

	b.HandleUpdate(ctx, command(groupID, creatorID, "/setting"))
	msg := api.lastMessage(groupID)
	require.Contains(t, msg.Text, "Open a private chat")
	_, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
}

func TestStatusAndHelp(t *testing.T) {
	b, api, sessions := newTestBot(t)
	ctx := context.Background()

	b.HandleUpdate(ctx, command(groupID, memberID, "/status"))
	require.Equal(t, textNotRegistered, api.last(groupID))

	_, err := sessions.Register(ctx, "-1001", ledger.Asset{Issuer: issuer, Currency: "USD"}, creatorID)
	require.NoError(t, err)
	b.HandleUpdate(ctx, command(groupID, memberID, "/status"))
	require.Contains(t, api.last(groupID), "Session: running")
	require.Contains(t, api.last(groupID), "Media: none")

	b.HandleUpdate(ctx, command(groupID, memberID, "/help"))
	require.Contains(t, api.last(groupID), "/register")

	b.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb", From: &tgbotapi.User{ID: memberID}, Data: "ok",
		Message: &tgbotapi.Message{MessageID: 42, Chat: &tgbotapi.Chat{ID: groupID, Type: "supergroup"}},
	}})
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.requests, 2)
	del, ok := api.requests[1].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok)
	require.Equal(t, 42, del.MessageID)
}

func TestErrorTextFallsBack(t *testing.T) {
	require.Equal(t, textRetryLater, errorText(errors.New("boom")))
	require.Equal(t, textNotRegistered, errorText(subscription.ErrNotFound))
}
