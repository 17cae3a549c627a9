// Copyright 2025 Relayforge
//
// Sentinel errors for the connection pool and transaction runner
// themselves, as distinct from the graph package's domain error taxonomy.

package database

import "errors"

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("database: store is closed")

	// ErrMigrationFailed wraps a failed embedded migration application.
	ErrMigrationFailed = errors.New("database: migration failed")
)
