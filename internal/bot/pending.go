package bot

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"xrpl-buy-alerts/internal/subscription"
)

// Field names a setting the owner can edit from a private chat.
type Field string

const (
	FieldNone      Field = ""
	FieldThreshold Field = subscription.SettingThreshold
	FieldEmoji     Field = subscription.SettingEmoji
	FieldMedia     Field = subscription.SettingMedia
)

// Pending is a settings grant: the owner of SubscriptionID may edit it from a
// private chat until ExpiresAt. Field is what the next message will set.
type Pending struct {
	Token          string
	UserID         int64
	SubscriptionID string
	Field          Field
	ExpiresAt      time.Time
}

// PendingInputs tracks one settings grant per user.
type PendingInputs struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	byUser  map[int64]Pending
	byToken map[string]int64
}

// NewPendingInputs builds an empty store whose grants live for ttl.
func NewPendingInputs(ttl time.Duration, now func() time.Time) *PendingInputs {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &PendingInputs{
		ttl:     ttl,
		now:     now,
		byUser:  make(map[int64]Pending),
		byToken: make(map[string]int64),
	}
}

// Grant issues a fresh token for userID on subscriptionID, replacing any earlier grant.
func (p *PendingInputs) Grant(userID int64, subscriptionID string) Pending {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropLocked(userID)
	entry := Pending{
		Token:          uuid.NewString(),
		UserID:         userID,
		SubscriptionID: subscriptionID,
		ExpiresAt:      p.now().Add(p.ttl),
	}
	p.byUser[userID] = entry
	p.byToken[entry.Token] = userID
	return entry
}

// Select arms field on the grant identified by token. The caller must be the grantee.
func (p *PendingInputs) Select(token string, userID int64, field Field) (Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.byToken[token]
	if !ok || owner != userID {
		return Pending{}, false
	}
	entry, ok := p.liveLocked(userID)
	if !ok {
		return Pending{}, false
	}
	entry.Field = field
	entry.ExpiresAt = p.now().Add(p.ttl)
	p.byUser[userID] = entry
	return entry, true
}

// Awaiting returns the live grant of userID if it has a field armed.
func (p *PendingInputs) Awaiting(userID int64) (Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.liveLocked(userID)
	if !ok || entry.Field == FieldNone {
		return Pending{}, false
	}
	return entry, true
}

// Complete disarms the field; the grant stays usable for further edits.
func (p *PendingInputs) Complete(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.byUser[userID]; ok {
		entry.Field = FieldNone
		p.byUser[userID] = entry
	}
}

// Purge drops every grant expired at now and returns how many went.
func (p *PendingInputs) Purge(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	purged := 0
	for userID, entry := range p.byUser {
		if !now.Before(entry.ExpiresAt) {
			p.dropLocked(userID)
			purged++
		}
	}
	return purged
}

// Len reports the number of tracked grants.
func (p *PendingInputs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byUser)
}

func (p *PendingInputs) liveLocked(userID int64) (Pending, bool) {
	entry, ok := p.byUser[userID]
	if !ok {
		return Pending{}, false
	}
	if !p.now().Before(entry.ExpiresAt) {
		p.dropLocked(userID)
		return Pending{}, false
	}
	return entry, true
}

func (p *PendingInputs) dropLocked(userID int64) {
	if entry, ok := p.byUser[userID]; ok {
		delete(p.byToken, entry.Token)
		delete(p.byUser, userID)
	}
}
