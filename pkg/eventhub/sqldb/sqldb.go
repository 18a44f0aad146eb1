// Package sqldb opens the SQL databases eventhub persists to and keeps
// their schema current.
//
// Two dialects are supported: SQLite through the pure Go modernc driver
// and PostgreSQL through lib/pq. Queries are written once with `?`
// placeholders and rebound per dialect.
package sqldb

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Dialect selects SQL syntax differences between engines.
type Dialect int

const (
	// SQLite is the modernc.org/sqlite dialect.
	SQLite Dialect = iota
	// Postgres is the lib/pq dialect.
	Postgres
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// String returns the driver name.
func (d Dialect) String() string {
	if d == Postgres {
		return DriverPostgres
	}
	return DriverSQLite
}

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		return SQLite, nil
	case DriverPostgres, "postgresql", "pg":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites `?` placeholders to `$n` for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Open opens a database for the given driver and DSN. For SQLite the DSN
// is a file path or ":memory:"; the pool is pinned to one connection so
// that appends are serialized and in-memory databases survive.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, 0, err
	}

	db, err := sql.Open(dialect.String(), dsn)
	if err != nil {
		return nil, 0, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"}
		if dsn != ":memory:" {
			pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, 0, fmt.Errorf("%s: %w", p, err)
			}
		}
		return db, dialect, nil
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("ping database: %w", err)
	}
	return db, dialect, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure in
// either dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
