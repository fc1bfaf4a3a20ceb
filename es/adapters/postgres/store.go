// Package postgres provides the PostgreSQL dialect of the SQL store.
package postgres

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/getpup/livingrecord/es/adapters/sqlstore"
)

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

// NewStore creates a PostgreSQL-backed store with the given configuration.
func NewStore(config sqlstore.StoreConfig) *sqlstore.Store {
	return sqlstore.NewStore(Dialect{}, config)
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.Positional(query) }

// OnConflictDoNothing implements sqlstore.Dialect.
func (Dialect) OnConflictDoNothing(key []string) string {
	return sqlstore.OnConflictDoNothing(key)
}

// OnConflictUpdate implements sqlstore.Dialect.
func (Dialect) OnConflictUpdate(key, columns []string) string {
	return sqlstore.OnConflictUpdate(key, columns)
}

// LockClause implements sqlstore.Dialect.
func (Dialect) LockClause() string { return "FOR UPDATE" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return true }

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} { return t }

// TxOptions implements sqlstore.Dialect.
func (Dialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRetryable implements sqlstore.Dialect.
func (Dialect) IsRetryable(err error) bool { return IsRetryable(err) }

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// IsRetryable checks if an error is a transient PostgreSQL failure:
// serialization failure, deadlock, or lock not available.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
