// Package database opens the SQLite handle shared by the durable
// stores. Two drivers are linked: "sqlite3" (mattn/go-sqlite3, cgo) and
// "sqlite" (modernc.org/sqlite, pure Go). Both get WAL journaling and a
// busy timeout so concurrent writers wait instead of failing.
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// Memory is the path for a private in-memory database.
const Memory = ":memory:"

// Open returns a database handle for path using driver. An empty driver
// selects [DriverCGO]. In-memory databases are pinned to a single
// connection since each connection would otherwise see its own empty
// database.
func Open(driver, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}

	dsn, err := DSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == Memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// DSN builds the driver-specific connection string.
func DSN(driver, path string) (string, error) {
	if path == Memory {
		return path, nil
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	switch driver {
	case DriverCGO:
		return path + sep + "_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		return "file:" + path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}
