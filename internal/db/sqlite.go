// Package db provides database connectivity helpers, migrations, and vendor
// error classification for the gateway's stores.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"
)

// PoolOptions controls write-safety and sizing for a SQLite pool.
type PoolOptions struct {
	// ReadOnly pools allow concurrent connections; write pools are pinned
	// to a single connection with immediate transaction locking.
	ReadOnly bool
	// MaxOpenConns applies to read pools only (0 defaults to 4).
	MaxOpenConns int
	// BusyTimeout defaults to 5s.
	BusyTimeout time.Duration
}

// OpenSQLite opens a hardened *sql.DB pool for the given SQLite file:
// WAL journal, busy timeout, synchronous=NORMAL, foreign_keys=on. The
// connection is verified with a ping before it is returned.
func OpenSQLite(path string, opts PoolOptions) (*sql.DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", fmt.Sprintf("%d", opts.BusyTimeout.Milliseconds()))
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	if !opts.ReadOnly {
		params.Set("_txlock", "immediate")
	}

	pool, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if opts.ReadOnly {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 4
		}
		pool.SetMaxOpenConns(maxOpen)
		pool.SetMaxIdleConns(maxOpen)
	} else {
		// Serialize writes on a single connection; SQLite allows one writer.
		pool.SetMaxOpenConns(1)
		pool.SetMaxIdleConns(1)
	}
	pool.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return pool, nil
}

// Open opens a pool on any registered database/sql driver and verifies the
// connection. Used for non-SQLite business databases.
func Open(driver, dsn string) (*sql.DB, error) {
	pool, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return pool, nil
}

// OpenSQLitePair opens a single-connection write pool and a concurrent read
// pool for the same SQLite file.
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenSQLite(path, PoolOptions{})
	if err != nil {
		return nil, nil, err
	}

	readDB, err = OpenSQLite(path, PoolOptions{ReadOnly: true, MaxOpenConns: readMaxOpen})
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}

	return writeDB, readDB, nil
}
