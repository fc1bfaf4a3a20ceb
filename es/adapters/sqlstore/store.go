// Package sqlstore implements the storage contracts of es/store over database/sql.
//
// One Store serves PostgreSQL, SQLite and MySQL; the differences between them
// (placeholders, upserts, row locks, error codes, timestamp encoding) live behind
// a Dialect. Use the constructors in es/adapters/postgres, es/adapters/sqlite and
// es/adapters/mysql rather than building a Store directly.
package sqlstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// Dialect describes the SQL differences between supported databases.
type Dialect interface {
	// Name returns the dialect name used in logs and migrations.
	Name() string

	// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
	Rebind(query string) string

	// OnConflictDoNothing returns the INSERT suffix that skips rows conflicting on the key columns.
	OnConflictDoNothing(key []string) string

	// OnConflictUpdate returns the INSERT suffix that overwrites columns of a conflicting row.
	OnConflictUpdate(key, columns []string) string

	// LockClause returns the SELECT suffix that locks the selected rows until the transaction ends.
	LockClause() string

	// Returning reports whether INSERT ... RETURNING is supported.
	Returning() bool

	// Time encodes a timestamp for a query argument.
	Time(t time.Time) interface{}

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool

	// IsRetryable reports whether err is a transient serialization, deadlock or busy failure.
	IsRetryable(err error) bool

	// TxOptions returns options for transactions that span more than one entity (serializable where supported).
	TxOptions() *sql.TxOptions
}

// StoreConfig contains configuration for the SQL store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// HeadsTable is the name of the per-entity sequence counter table
	HeadsTable string

	// ViewsTable is the name of the materialized view table
	ViewsTable string

	// IdentifiersTable is the name of the identifier index table
	IdentifiersTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CandidatesTable is the name of the match candidates table
	CandidatesTable string

	// ErasuresTable is the name of the erasure audit table
	ErasuresTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:      "events",
		HeadsTable:       "entity_heads",
		ViewsTable:       "entity_views",
		IdentifiersTable: "entity_identifiers",
		SnapshotsTable:   "snapshots",
		CandidatesTable:  "match_candidates",
		ErasuresTable:    "erasures",
		CheckpointsTable: "projection_checkpoints",
		Logger:           nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithCheckpointsTable sets a custom projection checkpoints table name.
func WithCheckpointsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CheckpointsTable = tableName
	}
}

// WithTablePrefix prefixes every table name, for sharing one database between stores.
func WithTablePrefix(prefix string) StoreOption {
	return func(c *StoreConfig) {
		for _, name := range []*string{
			&c.EventsTable, &c.HeadsTable, &c.ViewsTable, &c.IdentifiersTable,
			&c.SnapshotsTable, &c.CandidatesTable, &c.ErasuresTable, &c.CheckpointsTable,
		} {
			*name = prefix + *name
		}
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := sqlstore.NewStoreConfig(
//	    sqlstore.WithLogger(myLogger),
//	    sqlstore.WithTablePrefix("crm_"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a database/sql backed implementation of every es/store contract.
type Store struct {
	dialect Dialect
	config  StoreConfig
}

// Ensure Store implements the full backend contract
var _ store.Backend = (*Store)(nil)

// NewStore creates a store for the given dialect.
func NewStore(dialect Dialect, config StoreConfig) *Store {
	return &Store{
		dialect: dialect,
		config:  config,
	}
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Config returns the store's configuration.
func (s *Store) Config() StoreConfig {
	return s.config
}

// TxOptions implements store.Backend.
func (s *Store) TxOptions() *sql.TxOptions {
	return s.dialect.TxOptions()
}

// IsRetryable implements store.Backend.
func (s *Store) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, es.ErrOrderingConflict) || s.dialect.IsRetryable(err)
}

// q rebinds a query for the dialect.
func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// t encodes a timestamp argument.
func (s *Store) t(ts time.Time) interface{} {
	return s.dialect.Time(ts.UTC())
}

// nt encodes a nullable timestamp argument; the zero time is NULL.
func (s *Store) nt(ts time.Time) interface{} {
	if ts.IsZero() {
		return nil
	}
	return s.t(ts)
}

// now returns the current time at storage precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
