package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS price_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    data_type TEXT NOT NULL DEFAULT 'TRADES',
    open REAL,
    high REAL,
    low REAL,
    close REAL,
    volume REAL DEFAULT 0,
    quality_score REAL DEFAULT 1.0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(symbol, timeframe, timestamp, data_type)
);

CREATE INDEX IF NOT EXISTS idx_price_symbol_tf_ts
    ON price_data(symbol, timeframe, timestamp);

CREATE TABLE IF NOT EXISTS symbols (
    symbol TEXT PRIMARY KEY,
    symbol_type TEXT NOT NULL DEFAULT 'stock',
    exchange TEXT,
    first_date DATETIME,
    last_updated DATETIME,
    update_count INTEGER NOT NULL DEFAULT 1,
    active INTEGER DEFAULT 1
);

CREATE TABLE IF NOT EXISTS harvest_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    data_type TEXT DEFAULT 'TRADES',
    records_processed INTEGER DEFAULT 0,
    records_added INTEGER DEFAULT 0,
    records_updated INTEGER DEFAULT 0,
    error_count INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    message TEXT,
    started_at DATETIME,
    finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

const pgSchema = `
CREATE TABLE IF NOT EXISTS price_data (
    id BIGSERIAL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    data_type TEXT NOT NULL DEFAULT 'TRADES',
    open DOUBLE PRECISION,
    high DOUBLE PRECISION,
    low DOUBLE PRECISION,
    close DOUBLE PRECISION,
    volume DOUBLE PRECISION DEFAULT 0,
    quality_score DOUBLE PRECISION DEFAULT 1.0,
    created_at TIMESTAMPTZ DEFAULT now(),
    UNIQUE(symbol, timeframe, timestamp, data_type)
);

CREATE INDEX IF NOT EXISTS idx_price_symbol_tf_ts
    ON price_data(symbol, timeframe, timestamp);

CREATE TABLE IF NOT EXISTS symbols (
    symbol TEXT PRIMARY KEY,
    symbol_type TEXT NOT NULL DEFAULT 'stock',
    exchange TEXT,
    first_date TIMESTAMPTZ,
    last_updated TIMESTAMPTZ,
    update_count INTEGER NOT NULL DEFAULT 1,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS harvest_log (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    data_type TEXT DEFAULT 'TRADES',
    records_processed INTEGER DEFAULT 0,
    records_added INTEGER DEFAULT 0,
    records_updated INTEGER DEFAULT 0,
    error_count INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    message TEXT,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ DEFAULT now()
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}

	if d.driver == DriverPostgres {
		if _, err := d.DB.Exec(pgSchema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		// Older deployments predate run ids and quality scores.
		for _, stmt := range []string{
			"ALTER TABLE harvest_log ADD COLUMN IF NOT EXISTS run_id TEXT",
			"ALTER TABLE harvest_log ADD COLUMN IF NOT EXISTS data_type TEXT DEFAULT 'TRADES'",
			"ALTER TABLE price_data ADD COLUMN IF NOT EXISTS quality_score DOUBLE PRECISION DEFAULT 1.0",
			"ALTER TABLE symbols ADD COLUMN IF NOT EXISTS update_count INTEGER NOT NULL DEFAULT 1",
		} {
			if _, err := d.DB.Exec(stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		applyTimescale(d.DB)
		return nil
	}

	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "harvest_log", "run_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "harvest_log", "data_type", "TEXT DEFAULT 'TRADES'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "price_data", "quality_score", "REAL DEFAULT 1.0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "symbols", "symbol_type", "TEXT NOT NULL DEFAULT 'stock'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "symbols", "update_count", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
