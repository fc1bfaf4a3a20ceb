// Package migrations provides SQL migration generation.
//
// To generate a migration file, use the livingrecord command:
//
//	livingrecord migrate --dialect postgres --output migrations
//
// Or apply the schema directly from code:
//
//	err := migrations.Apply(ctx, db, migrations.SQLite, &config)
package migrations
