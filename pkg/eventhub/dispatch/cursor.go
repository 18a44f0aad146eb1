package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// CursorStore persists how far a relay has read the log.
type CursorStore interface {
	// Load returns the saved cursor, or zero when none was saved.
	Load(ctx context.Context, name string) (store.Cursor, error)
	Save(ctx context.Context, name string, c store.Cursor) error
}

// MemoryCursors is an in-memory CursorStore.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]store.Cursor
}

// NewMemoryCursors creates an empty MemoryCursors.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]store.Cursor)}
}

// Load implements CursorStore.
func (m *MemoryCursors) Load(_ context.Context, name string) (store.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

// Save implements CursorStore.
func (m *MemoryCursors) Save(_ context.Context, name string, c store.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = c
	return nil
}

// SQLCursors stores cursors in the relay_cursors table.
type SQLCursors struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLCursors wraps a migrated database.
func NewSQLCursors(db *sql.DB, dialect sqldb.Dialect) *SQLCursors {
	return &SQLCursors{db: db, dialect: dialect}
}

// Load implements CursorStore.
func (s *SQLCursors) Load(ctx context.Context, name string) (store.Cursor, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind("SELECT position FROM relay_cursors WHERE name = ?"), name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return store.Cursor(pos), nil
}

// Save implements CursorStore.
func (s *SQLCursors) Save(ctx context.Context, name string, c store.Cursor) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO relay_cursors (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`),
		name, int64(c), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
