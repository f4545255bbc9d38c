package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/subscription"
)

const (
	upsertSubscriptionSQL = `INSERT INTO subscriptions (
        id,
        asset_issuer,
        asset_currency,
        threshold,
        emoji_icon,
        media_ref,
        media_animated,
        accumulated_credit,
        expire_at,
        enabled,
        owner_id,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4::numeric,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO UPDATE
    SET
        threshold          = EXCLUDED.threshold,
        emoji_icon         = EXCLUDED.emoji_icon,
        media_ref          = EXCLUDED.media_ref,
        media_animated     = EXCLUDED.media_animated,
        accumulated_credit = EXCLUDED.accumulated_credit,
        expire_at          = EXCLUDED.expire_at,
        enabled            = EXCLUDED.enabled,
        updated_at         = EXCLUDED.updated_at;`

	listSubscriptionsSQL = `SELECT
        id,
        asset_issuer,
        asset_currency,
        threshold::text,
        emoji_icon,
        media_ref,
        media_animated,
        accumulated_credit::text,
        expire_at,
        enabled,
        owner_id,
        created_at,
        updated_at
    FROM subscriptions
    ORDER BY id;`

	insertProofHashSQL = `INSERT INTO processed_payment_hashes (hash, subscription_id) VALUES ($1, $2);`

	listProofHashesSQL = `SELECT hash FROM processed_payment_hashes;`

	insertAlertSQL = `INSERT INTO buy_alerts (
        subscription_id,
        tx_hash,
        account,
        kind,
        asset_issuer,
        asset_currency,
        asset_amount,
        base_spent,
        unit_price,
        market_cap,
        delivered,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11,$12
    )
    ON CONFLICT (subscription_id, tx_hash) DO UPDATE
    SET delivered = EXCLUDED.delivered,
        error     = EXCLUDED.error
    RETURNING id, created_at;`

	alertColumns = `
        id,
        subscription_id,
        tx_hash,
        account,
        kind,
        asset_issuer,
        asset_currency,
        asset_amount::text,
        base_spent::text,
        unit_price::text,
        market_cap::text,
        delivered,
        error,
        created_at`

	listRecentAlertsSQL = `SELECT` + alertColumns + `
    FROM buy_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT` + alertColumns + `
    FROM buy_alerts
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteAlertsBeforeSQL = `DELETE FROM buy_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore persists subscriptions, proofs and alert history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadSubscriptions returns every stored subscription.
func (s *PostgresStore) LoadSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSubscriptionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]subscription.Subscription, 0)
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// LoadProofHashes returns every consumed payment hash.
func (s *PostgresStore) LoadProofHashes(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listProofHashesSQL)
	if err != nil {
		return nil, fmt.Errorf("list proof hashes: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect proof hashes: %w", err)
	}
	return hashes, nil
}

// SaveSubscription upserts a subscription.
func (s *PostgresStore) SaveSubscription(ctx context.Context, sub subscription.Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertSubscriptionSQL, subscriptionArgs(sub)...); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SaveExtension upserts the subscription and records the proof hash in one transaction.
func (s *PostgresStore) SaveExtension(ctx context.Context, sub subscription.Subscription, proofHash string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSubscriptionSQL, subscriptionArgs(sub)...); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		if _, err := tx.Exec(ctx, insertProofHashSQL, proofHash, sub.ID); err != nil {
			return fmt.Errorf("insert proof hash: %w", err)
		}
		return nil
	})
}

// InsertAlert persists an alert delivery.
func (s *PostgresStore) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var marketCap, errMsg interface{}
	if alert.MarketCap != nil {
		marketCap = alert.MarketCap.String()
	}
	if alert.Error != nil {
		errMsg = *alert.Error
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SubscriptionID,
		alert.TxHash,
		alert.Account,
		alert.Kind,
		alert.AssetIssuer,
		alert.AssetCurrency,
		alert.AssetAmount.String(),
		alert.BaseSpent.String(),
		alert.UnitPrice.String(),
		marketCap,
		alert.Delivered,
		errMsg,
	)
	if err := row.Scan(&alert.ID, &alert.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListAlertsBetween lists alerts created within [from, to).
func (s *PostgresStore) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list alerts between: %w", err)
	}
	return collectAlerts(rows)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *PostgresStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func subscriptionArgs(sub subscription.Subscription) []any {
	return []any{
		sub.ID,
		sub.Asset.Issuer,
		sub.Asset.Currency,
		sub.Threshold.String(),
		sub.EmojiIcon,
		sub.MediaRef,
		sub.MediaAnimated,
		sub.AccumulatedCredit.String(),
		sub.ExpireAt,
		sub.Enabled,
		sub.OwnerID,
		sub.CreatedAt,
		sub.UpdatedAt,
	}
}

func scanSubscription(rows pgx.Rows) (subscription.Subscription, error) {
	var (
		sub          subscription.Subscription
		thresholdStr string
		creditStr    string
	)
	if err := rows.Scan(
		&sub.ID,
		&sub.Asset.Issuer,
		&sub.Asset.Currency,
		&thresholdStr,
		&sub.EmojiIcon,
		&sub.MediaRef,
		&sub.MediaAnimated,
		&creditStr,
		&sub.ExpireAt,
		&sub.Enabled,
		&sub.OwnerID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return subscription.Subscription{}, err
	}

	var err error
	if sub.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return subscription.Subscription{}, fmt.Errorf("parse threshold: %w", err)
	}
	if sub.AccumulatedCredit, err = decimal.NewFromString(creditStr); err != nil {
		return subscription.Subscription{}, fmt.Errorf("parse accumulated credit: %w", err)
	}
	return sub, nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var (
			rec                           AlertRecord
			amountStr, spentStr, priceStr string
			marketCapStr, errMsg          sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SubscriptionID,
			&rec.TxHash,
			&rec.Account,
			&rec.Kind,
			&rec.AssetIssuer,
			&rec.AssetCurrency,
			&amountStr,
			&spentStr,
			&priceStr,
			&marketCapStr,
			&rec.Delivered,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.AssetAmount, convErr = decimal.NewFromString(amountStr); convErr != nil {
			return nil, fmt.Errorf("parse asset amount: %w", convErr)
		}
		if rec.BaseSpent, convErr = decimal.NewFromString(spentStr); convErr != nil {
			return nil, fmt.Errorf("parse base spent: %w", convErr)
		}
		if rec.UnitPrice, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse unit price: %w", convErr)
		}
		if marketCapStr.Valid {
			mc, err := decimal.NewFromString(marketCapStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse market cap: %w", err)
			}
			rec.MarketCap = &mc
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

var (
	_ Backend        = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
