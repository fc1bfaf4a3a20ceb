// Package migrations provides SQL migration generation for the entity store.
package migrations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getpup/livingrecord/es"
)

// Supported dialects.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
	MySQL    = "mysql"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

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

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_livingrecord.sql", timestamp),
		EventsTable:      "events",
		HeadsTable:       "entity_heads",
		ViewsTable:       "entity_views",
		IdentifiersTable: "entity_identifiers",
		SnapshotsTable:   "snapshots",
		CandidatesTable:  "match_candidates",
		ErasuresTable:    "erasures",
		CheckpointsTable: "projection_checkpoints",
	}
}

// withDefaults fills empty table names from DefaultConfig.
func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&out.EventsTable, d.EventsTable},
		{&out.HeadsTable, d.HeadsTable},
		{&out.ViewsTable, d.ViewsTable},
		{&out.IdentifiersTable, d.IdentifiersTable},
		{&out.SnapshotsTable, d.SnapshotsTable},
		{&out.CandidatesTable, d.CandidatesTable},
		{&out.ErasuresTable, d.ErasuresTable},
		{&out.CheckpointsTable, d.CheckpointsTable},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	return out
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

// Generate writes the migration for dialect to OutputFolder/OutputFilename.
func Generate(dialect string, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// SQL renders the migration for dialect.
func SQL(dialect string, config *Config) (string, error) {
	var tmpl string
	switch dialect {
	case Postgres:
		tmpl = postgresTemplate
	case SQLite:
		tmpl = sqliteTemplate
	case MySQL:
		tmpl = mysqlTemplate
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}

	c := config.withDefaults()
	r := strings.NewReplacer(
		"{generated}", time.Now().Format(time.RFC3339),
		"{events}", c.EventsTable,
		"{heads}", c.HeadsTable,
		"{views}", c.ViewsTable,
		"{identifiers}", c.IdentifiersTable,
		"{snapshots}", c.SnapshotsTable,
		"{candidates}", c.CandidatesTable,
		"{erasures}", c.ErasuresTable,
		"{checkpoints}", c.CheckpointsTable,
	)
	return r.Replace(tmpl), nil
}

// Statements splits the rendered migration into individual statements.
// MySQL drivers reject multi-statement Exec calls by default.
func Statements(dialect string, config *Config) ([]string, error) {
	sql, err := SQL(dialect, config)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// Apply executes the migration for dialect against db, one statement at a time.
// Every statement is idempotent, so Apply can run on every start.
func Apply(ctx context.Context, db es.DBTX, dialect string, config *Config) error {
	stmts, err := Statements(dialect, config)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i+1, err)
		}
	}
	return nil
}

const postgresTemplate = `-- Entity Store Migration
-- Generated: {generated}

-- Events table stores all entity events in append-only fashion
CREATE TABLE IF NOT EXISTS {events} (
    global_position BIGSERIAL PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    sequence BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    dedup_key TEXT,
    payload BYTEA NOT NULL,
    metadata BYTEA,
    actor_id UUID,
    correlation_id UUID,
    causation_id UUID,
    occurred_at TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure sequence uniqueness per entity
    UNIQUE (entity_type, entity_id, sequence),
    UNIQUE (entity_type, entity_id, dedup_key)
);

-- Index for point-in-time reads
CREATE INDEX IF NOT EXISTS idx_{events}_occurred
    ON {events} (entity_type, entity_id, occurred_at);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_{events}_correlation
    ON {events} (correlation_id) WHERE correlation_id IS NOT NULL;

-- Heads table holds the sequence counter of each entity
-- The row is locked for the duration of every write to the entity
CREATE TABLE IF NOT EXISTS {heads} (
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    sequence BIGINT NOT NULL DEFAULT 0,
    last_occurred_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (entity_type, entity_id)
);

-- Views table holds the materialized current state of each entity
CREATE TABLE IF NOT EXISTS {views} (
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    status TEXT NOT NULL,
    state BYTEA NOT NULL,
    sequence BIGINT NOT NULL,
    merged_into UUID,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_{views}_status
    ON {views} (entity_type, status, entity_id);

-- Identifier index for lookups by external identifier
CREATE TABLE IF NOT EXISTS {identifiers} (
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    kind TEXT NOT NULL,
    value TEXT NOT NULL,

    PRIMARY KEY (entity_type, entity_id, kind, value)
);

CREATE INDEX IF NOT EXISTS idx_{identifiers}_lookup
    ON {identifiers} (entity_type, kind, value);

-- Snapshots are inserted, never updated
CREATE TABLE IF NOT EXISTS {snapshots} (
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    as_of_sequence BIGINT NOT NULL,
    as_of_occurred_at TIMESTAMPTZ NOT NULL,
    state BYTEA NOT NULL,
    taken_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (entity_type, entity_id, as_of_sequence)
);

CREATE INDEX IF NOT EXISTS idx_{snapshots}_occurred
    ON {snapshots} (entity_type, entity_id, as_of_occurred_at);

-- Match candidates proposed by the matching pipeline
CREATE TABLE IF NOT EXISTS {candidates} (
    candidate_id UUID PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_a UUID,
    entity_b UUID,
    status TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    signals BYTEA,
    survivor_id UUID,
    duplicate_id UUID,
    split_entity_id UUID,
    reviewed_by UUID,
    reviewed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_{candidates}_status
    ON {candidates} (status, created_at);

-- Erasure audit log, metadata only
CREATE TABLE IF NOT EXISTS {erasures} (
    erasure_id UUID PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id UUID NOT NULL,
    reason TEXT NOT NULL,
    actor_id UUID,
    events_deleted BIGINT NOT NULL,
    snapshots_deleted BIGINT NOT NULL,
    erased_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Projection checkpoints table tracks progress of each projection
CREATE TABLE IF NOT EXISTS {checkpoints} (
    projection_name TEXT PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// SQLite timestamps are fixed-width UTC text so that they compare correctly as strings.
const sqliteTemplate = `-- Entity Store Migration for SQLite
-- Generated: {generated}

-- Events table stores all entity events in append-only fashion
CREATE TABLE IF NOT EXISTS {events} (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INTEGER NOT NULL DEFAULT 1,
    dedup_key TEXT,
    payload BLOB NOT NULL,
    metadata BLOB,
    actor_id TEXT,
    correlation_id TEXT,
    causation_id TEXT,
    occurred_at TEXT NOT NULL,
    recorded_at TEXT NOT NULL,

    -- Ensure sequence uniqueness per entity
    UNIQUE (entity_type, entity_id, sequence),
    UNIQUE (entity_type, entity_id, dedup_key)
);

-- Index for point-in-time reads
CREATE INDEX IF NOT EXISTS idx_{events}_occurred
    ON {events} (entity_type, entity_id, occurred_at);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_{events}_correlation
    ON {events} (correlation_id) WHERE correlation_id IS NOT NULL;

-- Heads table holds the sequence counter of each entity
CREATE TABLE IF NOT EXISTS {heads} (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    sequence INTEGER NOT NULL DEFAULT 0,
    last_occurred_at TEXT,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (entity_type, entity_id)
);

-- Views table holds the materialized current state of each entity
CREATE TABLE IF NOT EXISTS {views} (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    status TEXT NOT NULL,
    state BLOB NOT NULL,
    sequence INTEGER NOT NULL,
    merged_into TEXT,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_{views}_status
    ON {views} (entity_type, status, entity_id);

-- Identifier index for lookups by external identifier
CREATE TABLE IF NOT EXISTS {identifiers} (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    value TEXT NOT NULL,

    PRIMARY KEY (entity_type, entity_id, kind, value)
);

CREATE INDEX IF NOT EXISTS idx_{identifiers}_lookup
    ON {identifiers} (entity_type, kind, value);

-- Snapshots are inserted, never updated
CREATE TABLE IF NOT EXISTS {snapshots} (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    as_of_sequence INTEGER NOT NULL,
    as_of_occurred_at TEXT NOT NULL,
    state BLOB NOT NULL,
    taken_at TEXT NOT NULL,

    PRIMARY KEY (entity_type, entity_id, as_of_sequence)
);

CREATE INDEX IF NOT EXISTS idx_{snapshots}_occurred
    ON {snapshots} (entity_type, entity_id, as_of_occurred_at);

-- Match candidates proposed by the matching pipeline
CREATE TABLE IF NOT EXISTS {candidates} (
    candidate_id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_a TEXT,
    entity_b TEXT,
    status TEXT NOT NULL,
    confidence REAL NOT NULL,
    signals BLOB,
    survivor_id TEXT,
    duplicate_id TEXT,
    split_entity_id TEXT,
    reviewed_by TEXT,
    reviewed_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_{candidates}_status
    ON {candidates} (status, created_at);

-- Erasure audit log, metadata only
CREATE TABLE IF NOT EXISTS {erasures} (
    erasure_id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    actor_id TEXT,
    events_deleted INTEGER NOT NULL,
    snapshots_deleted INTEGER NOT NULL,
    erased_at TEXT NOT NULL
);

-- Projection checkpoints table tracks progress of each projection
CREATE TABLE IF NOT EXISTS {checkpoints} (
    projection_name TEXT PRIMARY KEY,
    last_global_position INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`

// MySQL index creation is not idempotent, so indexes are declared inline.
const mysqlTemplate = `-- Entity Store Migration for MySQL/MariaDB
-- Generated: {generated}

-- Events table stores all entity events in append-only fashion
CREATE TABLE IF NOT EXISTS {events} (
    global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    sequence BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL UNIQUE,
    event_type VARCHAR(128) NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    dedup_key VARCHAR(255),
    payload LONGBLOB NOT NULL,
    metadata LONGBLOB,
    actor_id CHAR(36),
    correlation_id CHAR(36),
    causation_id CHAR(36),
    occurred_at DATETIME(6) NOT NULL,
    recorded_at DATETIME(6) NOT NULL,

    -- Ensure sequence uniqueness per entity
    UNIQUE KEY unique_entity_sequence (entity_type, entity_id, sequence),
    UNIQUE KEY unique_entity_dedup (entity_type, entity_id, dedup_key),
    KEY idx_occurred (entity_type, entity_id, occurred_at),
    KEY idx_correlation (correlation_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Heads table holds the sequence counter of each entity
CREATE TABLE IF NOT EXISTS {heads} (
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    sequence BIGINT NOT NULL DEFAULT 0,
    last_occurred_at DATETIME(6),
    updated_at DATETIME(6) NOT NULL,

    PRIMARY KEY (entity_type, entity_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Views table holds the materialized current state of each entity
CREATE TABLE IF NOT EXISTS {views} (
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    status VARCHAR(16) NOT NULL,
    state LONGBLOB NOT NULL,
    sequence BIGINT NOT NULL,
    merged_into CHAR(36),
    updated_at DATETIME(6) NOT NULL,

    PRIMARY KEY (entity_type, entity_id),
    KEY idx_status (entity_type, status, entity_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Identifier index for lookups by external identifier
CREATE TABLE IF NOT EXISTS {identifiers} (
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    kind VARCHAR(64) NOT NULL,
    value VARCHAR(255) NOT NULL,

    PRIMARY KEY (entity_type, entity_id, kind, value),
    KEY idx_lookup (entity_type, kind, value)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Snapshots are inserted, never updated
CREATE TABLE IF NOT EXISTS {snapshots} (
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    as_of_sequence BIGINT NOT NULL,
    as_of_occurred_at DATETIME(6) NOT NULL,
    state LONGBLOB NOT NULL,
    taken_at DATETIME(6) NOT NULL,

    PRIMARY KEY (entity_type, entity_id, as_of_sequence),
    KEY idx_occurred (entity_type, entity_id, as_of_occurred_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Match candidates proposed by the matching pipeline
CREATE TABLE IF NOT EXISTS {candidates} (
    candidate_id CHAR(36) PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    entity_a CHAR(36),
    entity_b CHAR(36),
    status VARCHAR(16) NOT NULL,
    confidence DOUBLE NOT NULL,
    signals LONGBLOB,
    survivor_id CHAR(36),
    duplicate_id CHAR(36),
    split_entity_id CHAR(36),
    reviewed_by CHAR(36),
    reviewed_at DATETIME(6),
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,

    KEY idx_status (status, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Erasure audit log, metadata only
CREATE TABLE IF NOT EXISTS {erasures} (
    erasure_id CHAR(36) PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    entity_id CHAR(36) NOT NULL,
    reason TEXT NOT NULL,
    actor_id CHAR(36),
    events_deleted BIGINT NOT NULL,
    snapshots_deleted BIGINT NOT NULL,
    erased_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Projection checkpoints table tracks progress of each projection
CREATE TABLE IF NOT EXISTS {checkpoints} (
    projection_name VARCHAR(255) PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`
