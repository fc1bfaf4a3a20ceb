// Package livingrecord is the entry point of the living-record entity store.
//
// The store keeps every contact and company as an append-only event log and a
// materialized row that is updated in the same transaction. The packages are:
//
//	es                  - Core types, errors and the logger interface
//	es/store            - Storage interfaces
//	es/adapters/...     - SQL implementation with postgres, mysql and sqlite dialects
//	es/replay           - Point-in-time reconstruction
//	es/snapshot         - Snapshot manager and scheduler
//	es/projection       - Checkpointed asynchronous consumers
//	es/relay            - Graph-mirror relay to Redis Streams
//	crm                 - Living records: writes, queries, merge and split, erasure
//
// Quick Start:
//
//  1. Create the schema:
//     livingrecord migrate --config livingrecord.yaml
//
//  2. Open a service and write:
//     backend := sqlite.NewStore(sqlstore.DefaultStoreConfig())
//     svc := crm.NewService(db, backend, nil)
//     rec, err := svc.Create(ctx, es.NewRef(crm.Contact, uuid.New()), crm.WriteOptions{}, crm.Created{...})
//
//  3. Look back in time:
//     rec, err := svc.StateAsOf(ctx, ref, lastQuarter)
package livingrecord

// version is set at build time with -ldflags "-X github.com/getpup/livingrecord/pkg.version=...".
var version = "0.1.0-dev"

// Version returns the current version of the module.
func Version() string {
	return version
}
