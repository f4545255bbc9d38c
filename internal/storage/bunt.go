package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/buntdb"

	"xrpl-buy-alerts/internal/subscription"
)

const (
	subscriptionPrefix = "sub:"
	proofPrefix        = "proof:"
	alertPrefix        = "alert:"

	alertTimeIndex = "alert_ts"
)

// alertDoc adds a sortable unix timestamp to the stored record.
type alertDoc struct {
	AlertRecord
	TS int64 `json:"ts"`
}

type proofDoc struct {
	SubscriptionID string    `json:"subscription_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// BuntStore keeps everything in a single buntdb file; ":memory:" works for tests.
type BuntStore struct {
	lastID int64
	db     *buntdb.DB
}

// OpenBunt opens or creates the buntdb file at path.
func OpenBunt(path string) (*BuntStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create buntdb dir: %w", err)
			}
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}

	if err := db.CreateIndex(alertTimeIndex, alertPrefix+"*", buntdb.IndexJSON("ts")); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert index: %w", err)
	}

	store := &BuntStore{db: db}
	if err := store.restoreSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BuntStore) restoreSequence() error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(alertPrefix+"*", func(key, _ string) bool {
			id, err := strconv.ParseInt(strings.TrimPrefix(key, alertPrefix), 10, 64)
			if err == nil && id > b.lastID {
				b.lastID = id
			}
			return true
		})
	})
}

// Close closes the database file.
func (b *BuntStore) Close() {
	if b == nil || b.db == nil {
		return
	}
	_ = b.db.Close()
}

// LoadSubscriptions returns every stored subscription.
func (b *BuntStore) LoadSubscriptions(_ context.Context) ([]subscription.Subscription, error) {
	subs := make([]subscription.Subscription, 0)
	var decodeErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(subscriptionPrefix+"*", func(key, value string) bool {
			var sub subscription.Subscription
			if err := json.Unmarshal([]byte(value), &sub); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			subs = append(subs, sub)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return subs, nil
}

// LoadProofHashes returns every consumed payment hash.
func (b *BuntStore) LoadProofHashes(_ context.Context) ([]string, error) {
	hashes := make([]string, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(proofPrefix+"*", func(key, _ string) bool {
			hashes = append(hashes, strings.TrimPrefix(key, proofPrefix))
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list proof hashes: %w", err)
	}
	return hashes, nil
}

// SaveSubscription stores the subscription document.
func (b *BuntStore) SaveSubscription(_ context.Context, sub subscription.Subscription) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setSubscription(tx, sub)
	})
}

// SaveExtension writes the subscription and the proof hash in one buntdb transaction.
func (b *BuntStore) SaveExtension(_ context.Context, sub subscription.Subscription, proofHash string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		key := proofPrefix + proofHash
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("proof %s already stored", proofHash)
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return fmt.Errorf("lookup proof: %w", err)
		}

		if err := setSubscription(tx, sub); err != nil {
			return err
		}
		doc, err := json.Marshal(proofDoc{SubscriptionID: sub.ID, CreatedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal proof: %w", err)
		}
		if _, _, err := tx.Set(key, string(doc), nil); err != nil {
			return fmt.Errorf("store proof: %w", err)
		}
		return nil
	})
}

func setSubscription(tx *buntdb.Tx, sub subscription.Subscription) error {
	content, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if _, _, err := tx.Set(subscriptionPrefix+sub.ID, string(content), nil); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

// InsertAlert appends an alert record, assigning its id and timestamp.
func (b *BuntStore) InsertAlert(_ context.Context, alert AlertRecord) (AlertRecord, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	err := b.db.Update(func(tx *buntdb.Tx) error {
		alert.ID = atomic.AddInt64(&b.lastID, 1)
		content, err := json.Marshal(alertDoc{AlertRecord: alert, TS: alert.CreatedAt.UnixMilli()})
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		if _, _, err := tx.Set(alertKey(alert.ID), string(content), nil); err != nil {
			return fmt.Errorf("store alert: %w", err)
		}
		return nil
	})
	if err != nil {
		return AlertRecord{}, err
	}
	return alert, nil
}

// ListRecentAlerts returns up to limit alerts, newest first.
func (b *BuntStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, max(limit, 0))
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(alertTimeIndex, func(_, value string) bool {
			if limit > 0 && len(alerts) >= limit {
				return false
			}
			var doc alertDoc
			if err := json.Unmarshal([]byte(value), &doc); err != nil {
				return true
			}
			alerts = append(alerts, doc.AlertRecord)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return alerts, nil
}

// ListAlertsBetween returns alerts created within [from, to), oldest first.
func (b *BuntStore) ListAlertsBetween(_ context.Context, from, to time.Time) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendRange(alertTimeIndex, tsPivot(from), tsPivot(to), func(_, value string) bool {
			var doc alertDoc
			if err := json.Unmarshal([]byte(value), &doc); err != nil {
				return true
			}
			alerts = append(alerts, doc.AlertRecord)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts between: %w", err)
	}
	return alerts, nil
}

// DeleteAlertsBefore removes alerts created before olderThan.
func (b *BuntStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := b.db.Update(func(tx *buntdb.Tx) error {
		keys := make([]string, 0)
		if err := tx.AscendLessThan(alertTimeIndex, tsPivot(olderThan), func(key, _ string) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return deleted, nil
}

func alertKey(id int64) string {
	return fmt.Sprintf("%s%020d", alertPrefix, id)
}

func tsPivot(t time.Time) string {
	return fmt.Sprintf(`{"ts":%d}`, t.UnixMilli())
}

var _ Backend = (*BuntStore)(nil)
