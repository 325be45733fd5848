// Package stores provides the persistence layer for mirrored provider data.
// It includes a SQL store that runs on SQLite (WAL mode, per-connection
// foreign keys) or PostgreSQL, embedded per-dialect migrations, and the
// queries for providers, workflows, executions, sync cursors, config items
// and the config audit log.
package stores
