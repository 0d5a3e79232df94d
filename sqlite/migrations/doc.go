// Package migrations embeds the SQL migration scripts applied by the SQLite
// store on Open. Files run once each, in lexicographic order, tracked in the
// schema_migrations table.
package migrations
