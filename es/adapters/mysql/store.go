// Package mysql provides the MySQL/MariaDB dialect of the SQL store.
package mysql

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/livingrecord/es/adapters/sqlstore"
)

// Dialect implements sqlstore.Dialect for MySQL and MariaDB.
type Dialect struct{}

// NewStore creates a MySQL-backed store with the given configuration.
func NewStore(config sqlstore.StoreConfig) *sqlstore.Store {
	return sqlstore.NewStore(Dialect{}, config)
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "mysql" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return query }

// OnConflictDoNothing implements sqlstore.Dialect.
// A self-assignment keeps errors other than duplicate keys visible, unlike INSERT IGNORE.
func (Dialect) OnConflictDoNothing(key []string) string {
	return "ON DUPLICATE KEY UPDATE " + key[0] + " = " + key[0]
}

// OnConflictUpdate implements sqlstore.Dialect.
func (Dialect) OnConflictUpdate(_, columns []string) string {
	set := make([]string, len(columns))
	for i, c := range columns {
		set[i] = c + " = VALUES(" + c + ")"
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(set, ", ")
}

// LockClause implements sqlstore.Dialect.
func (Dialect) LockClause() string { return "FOR UPDATE" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return false }

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} { return t.UTC() }

// TxOptions implements sqlstore.Dialect.
func (Dialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRetryable implements sqlstore.Dialect.
func (Dialect) IsRetryable(err error) bool { return IsRetryable(err) }

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint")
}

// IsRetryable checks if an error is a MySQL deadlock or lock wait timeout.
func IsRetryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
}
