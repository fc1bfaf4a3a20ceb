// Command livingrecord operates a living-record store: schema migration,
// rebuild and verification of materialized rows, snapshots, point-in-time
// queries, the merge review queue, compliance erasure and the graph-mirror relay.
//
// Usage:
//
//	livingrecord migrate --config livingrecord.yaml
//	livingrecord migrate --emit migrations --dialect postgres
//	livingrecord state-as-of contact:6f1c... 2024-06-30T23:59:59Z
//	livingrecord verify --repair
//	livingrecord relay
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getpup/livingrecord/config"
	"github.com/getpup/livingrecord/crm"
	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/adapters/mysql"
	"github.com/getpup/livingrecord/es/adapters/postgres"
	"github.com/getpup/livingrecord/es/adapters/sqlite"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/migrations"
	"github.com/getpup/livingrecord/es/snapshot"
	livingrecord "github.com/getpup/livingrecord/pkg"
)

// app holds what the subcommands share. open fills it lazily so commands that
// need no database (--version, migrate --emit) work without one.
type app struct {
	cfgFile string

	loader    *config.Loader
	logger    es.Logger
	db        *sql.DB
	backend   *sqlstore.Store
	service   *crm.Service
	snapshots *snapshot.Manager[crm.Record]
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := a.rootCommand().ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "livingrecord",
		Short:         "Operate an event-sourced living-record store",
		Version:       livingrecord.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "livingrecord.yaml", "config file")

	root.AddCommand(
		a.migrateCommand(),
		a.rebuildCommand(),
		a.verifyCommand(),
		a.snapshotCommand(),
		a.stateAsOfCommand(),
		a.historyCommand(),
		a.candidatesCommand(),
		a.eraseCommand(),
		a.relayCommand(),
	)
	return root
}

// loadConfig reads the config file, or the defaults when the file does not exist.
func (a *app) loadConfig() (*config.Config, error) {
	if a.loader != nil {
		return a.loader.Config(), nil
	}
	if _, err := os.Stat(a.cfgFile); os.IsNotExist(err) {
		cfg := config.Default()
		a.logger = es.NewSlogLogger(cfg.Log.NewLogger())
		return &cfg, nil
	}

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, err
	}
	a.logger = es.NewSlogLogger(cfg.Log.NewLogger())
	if a.loader, err = config.NewLoader(a.cfgFile, a.logger); err != nil {
		return nil, err
	}
	return a.loader.Config(), nil
}

// open connects to the configured database and builds the service.
func (a *app) open(ctx context.Context) error {
	if a.service != nil {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	var opts []sqlstore.StoreOption
	opts = append(opts, sqlstore.WithLogger(a.logger))
	if cfg.Database.TablePrefix != "" {
		opts = append(opts, sqlstore.WithTablePrefix(cfg.Database.TablePrefix))
	}
	storeConfig := sqlstore.NewStoreConfig(opts...)

	switch cfg.Database.Driver {
	case migrations.SQLite:
		a.db, err = sqlite.Open(cfg.Database.DSN)
		a.backend = sqlite.NewStore(storeConfig)
	case migrations.Postgres:
		a.db, err = sql.Open("postgres", cfg.Database.DSN)
		a.backend = postgres.NewStore(storeConfig)
	case migrations.MySQL:
		a.db, err = sql.Open("mysql", cfg.Database.DSN)
		a.backend = mysql.NewStore(storeConfig)
	default:
		err = fmt.Errorf("unsupported driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return err
	}
	if cfg.Database.Driver != migrations.SQLite && cfg.Database.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Driver, err)
	}

	if cfg.Database.Migrate {
		mc := migrationConfig(storeConfig)
		if err := migrations.Apply(ctx, a.db, cfg.Database.Driver, &mc); err != nil {
			return err
		}
	}

	a.service = crm.NewService(a.db, a.backend, &crm.Config{
		Logger:             a.logger,
		EntityTypes:        cfg.Service.EntityTypes,
		AutoMergeThreshold: cfg.Service.AutoMergeThreshold,
		RetryAttempts:      cfg.Service.RetryAttempts,
		RetryInitialDelay:  cfg.Service.RetryInitialDelay,
		RetryMaxDelay:      cfg.Service.RetryMaxDelay,
		VerifyConcurrency:  cfg.Service.VerifyConcurrency,
	})
	a.snapshots = snapshot.NewManager[crm.Record](a.backend, a.backend, a.service.Reconstructor(), a.service.Codec(), snapshot.Config{
		Logger:    a.logger,
		Threshold: cfg.Snapshots.Threshold,
		Retain:    cfg.Snapshots.Retain,
	})
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// migrationConfig names the tables the way the store expects them.
func migrationConfig(c sqlstore.StoreConfig) migrations.Config {
	mc := migrations.DefaultConfig()
	mc.EventsTable = c.EventsTable
	mc.HeadsTable = c.HeadsTable
	mc.ViewsTable = c.ViewsTable
	mc.IdentifiersTable = c.IdentifiersTable
	mc.SnapshotsTable = c.SnapshotsTable
	mc.CandidatesTable = c.CandidatesTable
	mc.ErasuresTable = c.ErasuresTable
	mc.CheckpointsTable = c.CheckpointsTable
	return mc
}
