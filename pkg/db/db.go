// Package db is the bar store: price data, symbol metadata, and the harvest
// audit log, over SQLite by default or PostgreSQL/TimescaleDB when a DSN is
// configured.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB     *sql.DB
	driver string
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db, driver: DriverSQLite}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Driver reports which backend this database runs on.
func (d *Database) Driver() string { return d.driver }

// Queries returns the query layer bound to this database.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB, driver: d.driver}
}

// rebind rewrites ? placeholders to $1..$n for the postgres driver. Queries
// are written once, in sqlite placeholder style.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
