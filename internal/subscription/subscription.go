package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
)

var (
	ErrNotFound          = errors.New("subscription: not registered")
	ErrAlreadyRegistered = errors.New("subscription: already registered")
	ErrInvalidProof      = errors.New("subscription: invalid payment proof")
	ErrProofUsed         = errors.New("subscription: payment proof already used")
	ErrWrongDestination  = errors.New("subscription: payment sent to wrong destination")
	ErrProofExpired      = errors.New("subscription: payment proof outside acceptance window")
	ErrInvalidSetting    = errors.New("subscription: invalid setting")
)

// Subscription is one subscriber group's alert configuration and paid-up window.
type Subscription struct {
	ID                string          `json:"id"`
	Asset             ledger.Asset    `json:"asset"`
	Threshold         decimal.Decimal `json:"threshold"`
	EmojiIcon         string          `json:"emoji_icon"`
	MediaRef          string          `json:"media_ref,omitempty"`
	MediaAnimated     bool            `json:"media_animated"`
	AccumulatedCredit decimal.Decimal `json:"accumulated_credit"`
	ExpireAt          time.Time       `json:"expire_at"`
	Enabled           bool            `json:"enabled"`
	OwnerID           int64           `json:"owner_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ActiveAt reports whether the paid-up window covers now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpireAt)
}

// EligibleAt reports whether alerts should be delivered at now.
func (s Subscription) EligibleAt(now time.Time) bool {
	return s.Enabled && s.ActiveAt(now)
}

// Store persists subscriptions and consumed proof hashes.
type Store interface {
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
	LoadProofHashes(ctx context.Context) ([]string, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	// SaveExtension writes the subscription and the consumed proof hash in one transaction.
	SaveExtension(ctx context.Context, sub Subscription, proofHash string) error
}

// SettingsUpdate carries the fields an operator may change. Nil fields are left untouched.
type SettingsUpdate struct {
	Threshold     *decimal.Decimal
	EmojiIcon     *string
	MediaRef      *string
	MediaAnimated *bool
}

// Setting names accepted by ParseSetting.
const (
	SettingThreshold = "threshold"
	SettingEmoji     = "emoji"
	SettingMedia     = "media"
	SettingAnimated  = "animated"
)

// ParseSetting validates a textual field/value pair into a SettingsUpdate.
func ParseSetting(field, value string) (SettingsUpdate, error) {
	value = strings.TrimSpace(value)
	var upd SettingsUpdate
	switch strings.ToLower(strings.TrimSpace(field)) {
	case SettingThreshold:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return upd, fmt.Errorf("%w: threshold %q is not a number", ErrInvalidSetting, value)
		}
		upd.Threshold = &d
	case SettingEmoji:
		upd.EmojiIcon = &value
	case SettingMedia:
		upd.MediaRef = &value
	case SettingAnimated:
		b, err := parseBool(value)
		if err != nil {
			return upd, err
		}
		upd.MediaAnimated = &b
	default:
		return upd, fmt.Errorf("%w: unknown field %q", ErrInvalidSetting, field)
	}
	return upd, upd.Validate()
}

// Validate checks the provided fields.
func (u SettingsUpdate) Validate() error {
	if u.Threshold != nil && !u.Threshold.IsPositive() {
		return fmt.Errorf("%w: threshold must be greater than zero", ErrInvalidSetting)
	}
	if u.EmojiIcon != nil && strings.TrimSpace(*u.EmojiIcon) == "" {
		return fmt.Errorf("%w: emoji must not be empty", ErrInvalidSetting)
	}
	if u.MediaRef != nil && strings.TrimSpace(*u.MediaRef) == "" {
		return fmt.Errorf("%w: media reference must not be empty", ErrInvalidSetting)
	}
	return nil
}

func (u SettingsUpdate) apply(sub *Subscription) {
	if u.Threshold != nil {
		sub.Threshold = *u.Threshold
	}
	if u.EmojiIcon != nil {
		sub.EmojiIcon = strings.TrimSpace(*u.EmojiIcon)
	}
	if u.MediaRef != nil {
		sub.MediaRef = strings.TrimSpace(*u.MediaRef)
	}
	if u.MediaAnimated != nil {
		sub.MediaAnimated = *u.MediaAnimated
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on", "gif":
		return true, nil
	case "0", "false", "no", "off", "photo", "image":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidSetting, v)
}
