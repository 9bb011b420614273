package db

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// NewPostgres opens a PostgreSQL (or TimescaleDB) database from dsn.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Database{DB: db, driver: DriverPostgres}, nil
}

// timescaleSetup converts price_data into a hypertable with compression and
// retention. Every statement is best-effort: plain PostgreSQL without the
// extension still works as a regular table.
var timescaleSetup = []string{
	`CREATE EXTENSION IF NOT EXISTS timescaledb`,
	`SELECT create_hypertable('price_data', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`ALTER TABLE price_data SET (timescaledb.compress, timescaledb.compress_segmentby = 'symbol')`,
	`SELECT add_compression_policy('price_data', INTERVAL '30 days', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('price_data', INTERVAL '5 years', if_not_exists => TRUE)`,
}

func applyTimescale(db *sql.DB) {
	for _, stmt := range timescaleSetup {
		if _, err := db.Exec(stmt); err != nil {
			log.Printf("db: timescale setup skipped: %v", err)
			return
		}
	}
	log.Printf("db: timescale hypertable ready")
}
