package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
)

// Failure records an event a handler gave up on.
type Failure struct {
	ID           string      `json:"id"`
	Subscription string      `json:"subscription"`
	Event        event.Event `json:"event"`
	Attempts     int         `json:"attempts"`
	Error        string      `json:"error"`
	FailedAt     time.Time   `json:"failedAt"`
}

// FailureQuery filters FailureLog.List. Empty fields match everything.
type FailureQuery struct {
	Subscription string
	UserID       string
	// Limit defaults to 100.
	Limit int
}

func (q FailureQuery) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

// FailureLog stores handler failures for inspection and manual replay.
type FailureLog interface {
	Record(ctx context.Context, f Failure) error
	// List returns matching failures, newest first.
	List(ctx context.Context, q FailureQuery) ([]Failure, error)
}

// MemoryFailureLog is an in-memory FailureLog.
type MemoryFailureLog struct {
	mu       sync.RWMutex
	failures []Failure
}

// NewMemoryFailureLog creates an empty in-memory failure log.
func NewMemoryFailureLog() *MemoryFailureLog {
	return &MemoryFailureLog{}
}

// Record implements FailureLog.
func (l *MemoryFailureLog) Record(_ context.Context, f Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.Event = f.Event.Clone()
	l.failures = append(l.failures, f)
	return nil
}

// List implements FailureLog.
func (l *MemoryFailureLog) List(_ context.Context, q FailureQuery) ([]Failure, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Failure
	for i := len(l.failures) - 1; i >= 0 && len(out) < q.limit(); i-- {
		f := l.failures[i]
		if q.Subscription != "" && f.Subscription != q.Subscription {
			continue
		}
		if q.UserID != "" && f.Event.UserID != q.UserID {
			continue
		}
		f.Event = f.Event.Clone()
		out = append(out, f)
	}
	return out, nil
}

// SQLFailureLog stores failures in the handler_failures table.
type SQLFailureLog struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLFailureLog wraps a migrated database.
func NewSQLFailureLog(db *sql.DB, dialect sqldb.Dialect) *SQLFailureLog {
	return &SQLFailureLog{db: db, dialect: dialect}
}

// Record implements FailureLog.
func (l *SQLFailureLog) Record(ctx context.Context, f Failure) error {
	payload, err := json.Marshal(f.Event)
	if err != nil {
		return fmt.Errorf("encode failed event: %w", err)
	}
	_, err = l.db.ExecContext(ctx, l.dialect.Rebind(`INSERT INTO handler_failures
		(id, subscription, event_id, event_type, user_id, attempts, error, event, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.Subscription, f.Event.ID, f.Event.Type, f.Event.UserID,
		f.Attempts, f.Error, payload, f.FailedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// List implements FailureLog.
func (l *SQLFailureLog) List(ctx context.Context, q FailureQuery) ([]Failure, error) {
	var (
		where []string
		args  []any
	)
	if q.Subscription != "" {
		where = append(where, "subscription = ?")
		args = append(args, q.Subscription)
	}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	query := "SELECT id, subscription, attempts, error, event, failed_at FROM handler_failures"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f        Failure
			payload  []byte
			failedAt int64
		)
		if err := rows.Scan(&f.ID, &f.Subscription, &f.Attempts, &f.Error, &payload, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		if err := json.Unmarshal(payload, &f.Event); err != nil {
			return nil, fmt.Errorf("decode failed event %s: %w", f.ID, err)
		}
		f.FailedAt = time.Unix(0, failedAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
