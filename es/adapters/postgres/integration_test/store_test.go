// Package integration_test contains integration tests for the Postgres adapter.
// These tests require a running Postgres instance.
//
// Run with: go test -tags=integration ./es/adapters/postgres/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/getpup/livingrecord/es/adapters/postgres"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/adapters/sqlstore/storetest"
	"github.com/getpup/livingrecord/es/migrations"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Default to localhost, but allow override via env var for CI
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "postgres")
	password := getenv("POSTGRES_PASSWORD", "postgres")
	dbname := getenv("POSTGRES_DB", "livingrecord_test")

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	return db
}

func setupTestTables(t *testing.T, db *sql.DB) {
	t.Helper()

	config := migrations.DefaultConfig()

	// Drop existing objects to ensure clean state
	for _, table := range []string{
		config.EventsTable, config.HeadsTable, config.ViewsTable, config.IdentifiersTable,
		config.SnapshotsTable, config.CandidatesTable, config.ErasuresTable, config.CheckpointsTable,
	} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table + " CASCADE"); err != nil {
			t.Fatalf("Failed to drop table %s: %v", table, err)
		}
	}

	if err := migrations.Apply(context.Background(), db, migrations.Postgres, &config); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (*sql.DB, *sqlstore.Store) {
		db := getTestDB(t)
		t.Cleanup(func() { db.Close() })
		setupTestTables(t, db)
		return db, postgres.NewStore(sqlstore.DefaultStoreConfig())
	})
}
