// Package database opens the SQLite database shared by the snapshot,
// fact, tenant and operational-state stores.
//
// Two drivers are linked in: "sqlite3" (mattn/go-sqlite3, cgo) for
// production builds and "sqlite" (modernc.org/sqlite, pure Go) for
// CGO-free builds and tests. Both accept the same schema and pragmas.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers lists the accepted driver names.
var Drivers = []string{"sqlite3", "sqlite"}

// Open creates or opens a SQLite database at path using driver.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// The pool is limited to a single connection because SQLite allows one
// writer at a time. Callers holding a transaction must not issue
// statements on the *sql.DB until it is committed or rolled back.
func Open(driver, path string) (*sql.DB, error) {
	if !validDriver(driver) {
		return nil, fmt.Errorf("unknown sqlite driver %q (valid: %v)", driver, Drivers)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func validDriver(name string) bool {
	for _, d := range Drivers {
		if d == name {
			return true
		}
	}
	return false
}
