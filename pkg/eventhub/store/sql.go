package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
)

// appendLockKey is the PostgreSQL advisory lock taken for every append so
// positions commit in order.
const appendLockKey int64 = 0x6576656e74687562

const eventColumns = `position, id, schema_version, type, subject_id, subject_type, subject_seq,
	user_id, source, ts_unix_nano, correlation_id, causation_id, codec, data, metadata`

// SQLStore is a Store backed by SQLite or PostgreSQL.
//
// The schema is owned by package sqldb; run sqldb.Migrate before use.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	codec   event.Codec
	ownsDB  bool
	locks   subjectLocks

	codecMu sync.Mutex
	codecs  map[string]event.Codec

	mu     sync.RWMutex
	closed bool
}

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithCodec sets the codec for data and metadata columns. Rows written
// with another codec remain readable.
func WithCodec(c event.Codec) SQLOption {
	return func(s *SQLStore) { s.codec = c }
}

// WithOwnedDB makes Close close the underlying database.
func WithOwnedDB() SQLOption {
	return func(s *SQLStore) { s.ownsDB = true }
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		codec:   event.JSON(),
		codecs:  make(map[string]event.Codec),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codecs[s.codec.Name()] = s.codec
	return s
}

// OpenSQLite opens (creating if needed) and migrates a SQLite event store.
// The returned store owns the database.
func OpenSQLite(path string, opts ...SQLOption) (*SQLStore, error) {
	db, dialect, err := sqldb.Open(sqldb.DriverSQLite, path)
	if err != nil {
		return nil, err
	}
	if err := sqldb.Migrate(db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect, append(opts, WithOwnedDB())...), nil
}

// DB returns the underlying database.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() sqldb.Dialect { return s.dialect }

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, evt event.Event) (Record, error) {
	if err := checkEnvelope(evt); err != nil {
		return Record{}, err
	}
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	data, err := s.codec.Marshal(evt.Data)
	if err != nil {
		return Record{}, fmt.Errorf("encode data: %w", err)
	}
	var metadata []byte
	if evt.Metadata != nil {
		if metadata, err = s.codec.Marshal(evt.Metadata); err != nil {
			return Record{}, fmt.Errorf("encode metadata: %w", err)
		}
	}

	unlock := s.locks.lock(evt)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == sqldb.Postgres {
		if _, err := tx.ExecContext(ctx, s.q("SELECT pg_advisory_xact_lock(?)"), appendLockKey); err != nil {
			return Record{}, fmt.Errorf("append lock: %w", err)
		}
	}

	var one int
	err = tx.QueryRowContext(ctx, s.q("SELECT 1 FROM events WHERE id = ?"), evt.ID).Scan(&one)
	switch {
	case err == nil:
		return Record{}, &DuplicateIDError{ID: evt.ID}
	case !errors.Is(err, sql.ErrNoRows):
		return Record{}, fmt.Errorf("check duplicate: %w", err)
	}

	var cause *event.Event
	if evt.CausationID != "" {
		cause, err = s.loadCause(ctx, tx, evt.CausationID)
		if err != nil {
			return Record{}, err
		}
	}
	if err := checkCause(evt, cause); err != nil {
		return Record{}, err
	}

	rec := Record{Event: evt}
	if evt.SubjectID != "" {
		err := tx.QueryRowContext(ctx,
			s.q("SELECT COALESCE(MAX(subject_seq), 0) FROM events WHERE subject_id = ?"),
			evt.SubjectID).Scan(&rec.SubjectSeq)
		if err != nil {
			return Record{}, fmt.Errorf("subject sequence: %w", err)
		}
		rec.SubjectSeq++
	}

	var position int64
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO events (id, schema_version, type, subject_id, subject_type,
		subject_seq, user_id, source, ts_unix_nano, correlation_id, causation_id, codec, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING position`),
		evt.ID, evt.SchemaVersion, evt.Type,
		nullString(evt.SubjectID), nullString(evt.SubjectType), nullSeq(rec.SubjectSeq),
		evt.UserID, string(evt.Source), evt.Timestamp.UTC().UnixNano(),
		nullString(evt.CorrelationID), nullString(evt.CausationID),
		s.codec.Name(), data, metadata,
	).Scan(&position)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return Record{}, &DuplicateIDError{ID: evt.ID}
		}
		return Record{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}
	rec.Position = Cursor(position)
	rec.Event = evt.Clone()
	return rec, nil
}

func (s *SQLStore) loadCause(ctx context.Context, tx *sql.Tx, id string) (*event.Event, error) {
	var (
		cause     event.Event
		subjectID sql.NullString
		tsNano    int64
	)
	err := tx.QueryRowContext(ctx,
		s.q("SELECT type, subject_id, user_id, ts_unix_nano FROM events WHERE id = ?"), id,
	).Scan(&cause.Type, &subjectID, &cause.UserID, &tsNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cause: %w", err)
	}
	cause.ID = id
	cause.SubjectID = subjectID.String
	cause.Timestamp = time.Unix(0, tsNano).UTC()
	return &cause, nil
}

// ReadSince implements Store. Each page is fetched and decoded before the
// first record is yielded, so consumers may append while iterating.
func (s *SQLStore) ReadSince(ctx context.Context, q Query, after Cursor) iter.Seq2[Record, error] {
	if err := checkQuery(q); err != nil {
		return errSeq(err)
	}
	return func(yield func(Record, error) bool) {
		page, err := s.page(ctx, q, after)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, rec := range page {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *SQLStore) page(ctx context.Context, q Query, after Cursor) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		where = []string{"user_id = ?", "position > ?"}
		args  = []any{q.UserID, int64(after)}
	)
	if q.SubjectID != "" {
		if err := s.checkSubjectOwner(ctx, q.UserID, q.SubjectID); err != nil {
			return nil, err
		}
		where = append(where, "subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_unix_nano >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	// Exact types filter in SQL. Patterns narrow by their literal prefix
	// and finish in Go.
	exact := q.Type != "" && !strings.Contains(q.Type, "*")
	if exact {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	} else if prefix := literalPrefix(q.Type); prefix != "" {
		where = append(where, "type LIKE ?")
		args = append(args, prefix+"%")
	}

	limit := q.limit()
	query := s.q("SELECT " + eventColumns + " FROM events WHERE " +
		strings.Join(where, " AND ") + " ORDER BY position LIMIT ?")

	var out []Record
	cursorArg := 1
	for {
		pageArgs := append(append([]any(nil), args...), limit)
		records, err := s.query(ctx, query, pageArgs...)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if q.Type == "" || exact || event.Match(q.Type, rec.Event.Type) {
				out = append(out, rec)
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(records) < limit {
			return out, nil
		}
		args[cursorArg] = int64(records[len(records)-1].Position)
	}
}

// checkSubjectOwner fails with *TenantError when the subject's first event
// belongs to another user. Unknown subjects pass.
func (s *SQLStore) checkSubjectOwner(ctx context.Context, userID, subjectID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT user_id FROM events WHERE subject_id = ? ORDER BY subject_seq LIMIT 1"),
		subjectID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subject owner: %w", err)
	}
	if owner != userID {
		return &TenantError{UserID: userID, Resource: "subject " + subjectID}
	}
	return nil
}

// literalPrefix returns the part of a pattern before its first wildcard.
func literalPrefix(pattern string) string {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern
	}
	return pattern[:i]
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, userID, id string) (event.Event, error) {
	if userID == "" {
		return event.Event{}, ErrTenantRequired
	}
	if err := s.checkOpen(); err != nil {
		return event.Event{}, err
	}
	records, err := s.query(ctx, s.q("SELECT "+eventColumns+" FROM events WHERE id = ?"), id)
	if err != nil {
		return event.Event{}, err
	}
	if len(records) == 0 {
		return event.Event{}, ErrNotFound
	}
	evt := records[0].Event
	if evt.UserID != userID {
		return event.Event{}, &TenantError{UserID: userID, Resource: "event " + id}
	}
	return evt, nil
}

// Scan implements Log.
func (s *SQLStore) Scan(ctx context.Context, after Cursor, limit int) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	return s.query(ctx,
		s.q("SELECT "+eventColumns+" FROM events WHERE position > ? ORDER BY position LIMIT ?"),
		int64(after), limit)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec        Record
		evt        event.Event
		subjectSeq sql.NullInt64
		tsNano     int64
		source     string
		codecName  string
		data       []byte
		metadata   []byte
	)
	var subjectID, subjectType, corrID, causeID sql.NullString
	err := rows.Scan(&rec.Position, &evt.ID, &evt.SchemaVersion, &evt.Type,
		&subjectID, &subjectType, &subjectSeq, &evt.UserID, &source, &tsNano,
		&corrID, &causeID, &codecName, &data, &metadata)
	if err != nil {
		return Record{}, fmt.Errorf("scan event: %w", err)
	}

	codec, err := s.codecFor(codecName)
	if err != nil {
		return Record{}, err
	}
	if err := codec.Unmarshal(data, &evt.Data); err != nil {
		return Record{}, fmt.Errorf("decode data of %s: %w", evt.ID, err)
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	if len(metadata) > 0 {
		evt.Metadata = &event.Metadata{}
		if err := codec.Unmarshal(metadata, evt.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata of %s: %w", evt.ID, err)
		}
	}

	evt.SubjectID = subjectID.String
	evt.SubjectType = subjectType.String
	evt.CorrelationID = corrID.String
	evt.CausationID = causeID.String
	evt.Source = event.Source(source)
	evt.Timestamp = time.Unix(0, tsNano).UTC()

	rec.SubjectSeq = subjectSeq.Int64
	rec.Event = evt
	return rec, nil
}

func (s *SQLStore) codecFor(name string) (event.Codec, error) {
	s.codecMu.Lock()
	defer s.codecMu.Unlock()
	if c, ok := s.codecs[name]; ok {
		return c, nil
	}
	c, err := event.CodecByName(name)
	if err != nil {
		return nil, err
	}
	s.codecs[name] = c
	return c, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullSeq(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}
