// Package storage is the durable job queue: jobs, job logs, periodic
// definitions and the executor node registry.
//
// Two SQL backends share one implementation:
//   - sqlite (modernc.org/sqlite, pure Go) for single-host deployments
//   - postgres (pgx stdlib driver) for executors spread across hosts
//
// Schema changes are embedded goose migrations, one directory per dialect.
package storage
