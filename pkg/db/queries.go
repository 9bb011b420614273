package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Queries provides typed access to the bar store. Write methods take a dbtx
// so they run inside the caller's transaction; reads go straight to the pool.
type Queries struct {
	db     *sql.DB
	driver string
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsUniqueViolation reports whether err is the unique-constraint failure for
// the active driver. The ingestion path relies on this to turn a duplicate
// insert into an update.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertBar adds one bar; a duplicate (symbol, timeframe, timestamp,
// data_type) fails with a unique violation.
func (q *Queries) InsertBar(ctx context.Context, tx dbtx, b Bar) error {
	query := rebind(q.driver, `
		INSERT INTO price_data (symbol, timeframe, timestamp, data_type, open, high, low, close, volume, quality_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		b.Symbol, b.Timeframe, b.Timestamp, b.DataType,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Quality)
	return err
}

// UpdateBar overwrites the OHLCV and quality of an existing bar. Returns
// false when no row matched.
func (q *Queries) UpdateBar(ctx context.Context, tx dbtx, b Bar) (bool, error) {
	query := rebind(q.driver, `
		UPDATE price_data
		SET open = ?, high = ?, low = ?, close = ?, volume = ?, quality_score = ?
		WHERE symbol = ? AND timeframe = ? AND timestamp = ? AND data_type = ?`)
	res, err := tx.ExecContext(ctx, query,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Quality,
		b.Symbol, b.Timeframe, b.Timestamp, b.DataType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertSymbol records a symbol sighting. first_date only ever moves
// backwards; last_updated always advances; update_count tallies sightings.
func (q *Queries) UpsertSymbol(ctx context.Context, tx dbtx, m SymbolMeta) error {
	query := rebind(q.driver, `
		INSERT INTO symbols (symbol, symbol_type, exchange, first_date, last_updated, update_count, active)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			last_updated = excluded.last_updated,
			update_count = symbols.update_count + 1,
			first_date = CASE
				WHEN excluded.first_date < symbols.first_date THEN excluded.first_date
				ELSE symbols.first_date
			END`)
	_, err := tx.ExecContext(ctx, query,
		m.Symbol, m.SymbolType, m.Exchange, m.FirstDate, m.LastUpdated, m.Active)
	return err
}

// GetSymbol loads one symbol metadata row.
func (q *Queries) GetSymbol(ctx context.Context, symbol string) (SymbolMeta, error) {
	query := rebind(q.driver, `
		SELECT symbol, symbol_type, COALESCE(exchange, ''), first_date, last_updated, update_count, active
		FROM symbols WHERE symbol = ?`)
	var m SymbolMeta
	var first, updated sql.NullTime
	err := q.db.QueryRowContext(ctx, query, symbol).
		Scan(&m.Symbol, &m.SymbolType, &m.Exchange, &first, &updated, &m.UpdateCount, &m.Active)
	if err != nil {
		return SymbolMeta{}, err
	}
	m.FirstDate = first.Time
	m.LastUpdated = updated.Time
	return m, nil
}

// InsertHarvestLog appends one audit row.
func (q *Queries) InsertHarvestLog(ctx context.Context, tx dbtx, e HarvestLogEntry) error {
	query := rebind(q.driver, `
		INSERT INTO harvest_log (run_id, symbol, timeframe, data_type, records_processed, records_added,
			records_updated, error_count, status, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		e.RunID, e.Symbol, e.Timeframe, e.DataType, e.Processed, e.Added,
		e.Updated, e.Errors, e.Status, e.Message, e.StartedAt, e.FinishedAt)
	return err
}

// RecentHarvestLog returns the newest limit audit rows.
func (q *Queries) RecentHarvestLog(ctx context.Context, limit int) ([]HarvestLogEntry, error) {
	query := rebind(q.driver, `
		SELECT COALESCE(run_id, ''), symbol, timeframe, COALESCE(data_type, ''), records_processed, records_added,
			records_updated, error_count, status, COALESCE(message, ''), started_at, finished_at
		FROM harvest_log ORDER BY id DESC LIMIT ?`)
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HarvestLogEntry
	for rows.Next() {
		var e HarvestLogEntry
		var started, finished sql.NullTime
		if err := rows.Scan(&e.RunID, &e.Symbol, &e.Timeframe, &e.DataType, &e.Processed, &e.Added,
			&e.Updated, &e.Errors, &e.Status, &e.Message, &started, &finished); err != nil {
			return nil, err
		}
		e.StartedAt = started.Time
		e.FinishedAt = finished.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHarvestLog deletes all but the newest keep rows; returns the number
// removed.
func (q *Queries) PruneHarvestLog(ctx context.Context, keep int) (int64, error) {
	query := rebind(q.driver, `
		DELETE FROM harvest_log WHERE id NOT IN (
			SELECT id FROM harvest_log ORDER BY id DESC LIMIT ?
		)`)
	res, err := q.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Bars returns the bars for (symbol, timeframe, dataType) within [from, to],
// oldest first. Zero from/to mean unbounded.
func (q *Queries) Bars(ctx context.Context, symbol, timeframe, dataType string, from, to time.Time) ([]Bar, error) {
	query := `
		SELECT symbol, timeframe, timestamp, data_type, open, high, low, close, volume, quality_score
		FROM price_data
		WHERE symbol = ? AND timeframe = ? AND data_type = ?`
	args := []any{symbol, timeframe, dataType}
	if !from.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, from)
	}
	if !to.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, to)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := q.db.QueryContext(ctx, rebind(q.driver, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.Timestamp, &b.DataType,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Quality); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BarTimestamps returns just the ordered timestamps for gap analysis.
func (q *Queries) BarTimestamps(ctx context.Context, symbol, timeframe, dataType string) ([]time.Time, error) {
	query := rebind(q.driver, `
		SELECT timestamp FROM price_data
		WHERE symbol = ? AND timeframe = ? AND data_type = ?
		ORDER BY timestamp ASC`)
	rows, err := q.db.QueryContext(ctx, query, symbol, timeframe, dataType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Stats summarizes the store contents.
func (q *Queries) Stats(ctx context.Context) (StoreStats, error) {
	s := StoreStats{HarvestCounts: make(map[string]int64)}

	// MIN/MAX over a DATETIME column come back as raw text under sqlite, so
	// the aggregates scan into any and are coerced afterwards.
	var earliest, latest any
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM price_data").
		Scan(&s.TotalBars, &earliest, &latest)
	if err != nil {
		return s, fmt.Errorf("price stats: %w", err)
	}
	s.EarliestBar = coerceTime(earliest)
	s.LatestBar = coerceTime(latest)

	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM symbols").Scan(&s.SymbolCount); err != nil {
		return s, fmt.Errorf("symbol count: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM harvest_log GROUP BY status")
	if err != nil {
		return s, fmt.Errorf("harvest counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		s.HarvestCounts[status] = n
	}
	return s, rows.Err()
}

var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// coerceTime converts a raw driver value to a time.Time: postgres hands back
// time.Time, sqlite aggregates hand back the stored text form.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseStoredTime(t)
	case []byte:
		return parseStoredTime(string(t))
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}

func parseStoredTime(s string) time.Time {
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Optimize reclaims space and refreshes planner statistics.
func (q *Queries) Optimize(ctx context.Context) error {
	if q.driver == DriverPostgres {
		if _, err := q.db.ExecContext(ctx, "VACUUM ANALYZE price_data"); err != nil {
			return fmt.Errorf("vacuum analyze: %w", err)
		}
		return nil
	}
	if _, err := q.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath. SQLite only;
// postgres deployments back up with their own tooling.
func (q *Queries) Backup(ctx context.Context, destPath string) error {
	if q.driver == DriverPostgres {
		return errors.New("backup: not supported for postgres, use pg_dump")
	}
	if _, err := q.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}
