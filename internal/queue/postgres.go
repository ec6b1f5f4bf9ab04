package queue

import (
	_ "github.com/lib/pq"
)

// NewPostgresStore returns a queue over one postgres table. Pops lock candidate rows
// with SKIP LOCKED so concurrent workers never lease the same row.
func NewPostgresStore(dsn string, opts Options) (*SQLStore, error) {
	return newSQLStore(dsn, sqlDialect{
		driver:       "postgres",
		numbered:     true,
		skipLocked:   true,
		blobType:     "BYTEA",
		advisoryLock: true,
	}, opts)
}
