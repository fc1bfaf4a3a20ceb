// Package sqlite provides the SQLite dialect of the SQL store.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/livingrecord/es/adapters/sqlstore"
)

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

// NewStore creates a SQLite-backed store with the given configuration.
func NewStore(config sqlstore.StoreConfig) *sqlstore.Store {
	return sqlstore.NewStore(Dialect{}, config)
}

// Open opens a SQLite database file configured for the store: WAL journaling,
// a busy timeout, and a single connection so writers queue in process.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return query }

// OnConflictDoNothing implements sqlstore.Dialect.
func (Dialect) OnConflictDoNothing(key []string) string {
	return sqlstore.OnConflictDoNothing(key)
}

// OnConflictUpdate implements sqlstore.Dialect.
func (Dialect) OnConflictUpdate(key, columns []string) string {
	return sqlstore.OnConflictUpdate(key, columns)
}

// LockClause implements sqlstore.Dialect.
// SQLite has no row locks; the first write of a transaction locks the database.
func (Dialect) LockClause() string { return "" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return true }

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} {
	return t.UTC().Format(sqlstore.TimeLayout)
}

// TxOptions implements sqlstore.Dialect.
func (Dialect) TxOptions() *sql.TxOptions { return nil }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRetryable implements sqlstore.Dialect.
func (Dialect) IsRetryable(err error) bool { return IsRetryable(err) }

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint")
}

// IsRetryable checks if an error is a SQLite busy or locked failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}
