package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
)

const subscriptionColumns = `id, user_id, url, event_types, secret, max_attempts, initial_delay_ms, backoff_factor, created_at, updated_at, deleted_at`

// SQLSubscriptions stores subscriptions in the webhook_subscriptions table.
type SQLSubscriptions struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLSubscriptions creates a store on a migrated database.
func NewSQLSubscriptions(db *sql.DB, dialect sqldb.Dialect) *SQLSubscriptions {
	return &SQLSubscriptions{db: db, dialect: dialect}
}

// Create implements SubscriptionStore.
func (s *SQLSubscriptions) Create(ctx context.Context, sub Subscription) error {
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		sub.ID, sub.UserID, sub.URL, string(types), sub.Secret,
		sub.Retry.MaxAttempts, sub.Retry.InitialDelay.Milliseconds(), sub.Retry.Factor,
		sub.CreatedAt.UnixNano(), sub.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Get implements SubscriptionStore.
func (s *SQLSubscriptions) Get(ctx context.Context, userID, id string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`), id, userID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return sub, err
}

// List implements SubscriptionStore.
func (s *SQLSubscriptions) List(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Update implements SubscriptionStore.
func (s *SQLSubscriptions) Update(ctx context.Context, sub Subscription) error {
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE webhook_subscriptions
		 SET url = ?, event_types = ?, max_attempts = ?, initial_delay_ms = ?, backoff_factor = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`),
		sub.URL, string(types), sub.Retry.MaxAttempts, sub.Retry.InitialDelay.Milliseconds(),
		sub.Retry.Factor, sub.UpdatedAt.UnixNano(), sub.ID, sub.UserID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return affected(res)
}

// Delete implements SubscriptionStore.
func (s *SQLSubscriptions) Delete(ctx context.Context, userID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE webhook_subscriptions SET deleted_at = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`),
		at.UnixNano(), at.UnixNano(), id, userID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (Subscription, error) {
	var (
		sub       Subscription
		types     string
		delayMS   int64
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)
	err := sc.Scan(&sub.ID, &sub.UserID, &sub.URL, &types, &sub.Secret,
		&sub.Retry.MaxAttempts, &delayMS, &sub.Retry.Factor,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal([]byte(types), &sub.EventTypes); err != nil {
		return Subscription{}, fmt.Errorf("decode event types: %w", err)
	}
	sub.Retry.InitialDelay = time.Duration(delayMS) * time.Millisecond
	sub.CreatedAt = time.Unix(0, createdAt).UTC()
	sub.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		sub.DeletedAt = &t
	}
	return sub, nil
}

// SQLDeadLetters stores dead letters in the webhook_dead_letters table.
type SQLDeadLetters struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLDeadLetters creates a store on a migrated database.
func NewSQLDeadLetters(db *sql.DB, dialect sqldb.Dialect) *SQLDeadLetters {
	return &SQLDeadLetters{db: db, dialect: dialect}
}

// Put implements DeadLetterStore.
func (s *SQLDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO webhook_dead_letters
		 (id, subscription_id, event_id, event_type, user_id, attempts, last_status, last_error, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, event_id) DO NOTHING`),
		dl.ID, dl.SubscriptionID, dl.EventID, dl.EventType, dl.UserID,
		dl.Attempts, dl.LastStatus, dl.LastError, dl.Payload, dl.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List implements DeadLetterStore.
func (s *SQLDeadLetters) List(ctx context.Context, userID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, subscription_id, event_id, event_type, user_id, attempts, last_status, last_error, payload, created_at
		 FROM webhook_dead_letters WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&dl.ID, &dl.SubscriptionID, &dl.EventID, &dl.EventType, &dl.UserID,
			&dl.Attempts, &dl.LastStatus, &dl.LastError, &dl.Payload, &createdAt); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}
