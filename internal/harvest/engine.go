// Package harvest pulls historical bars from the gateway into the bar
// store, validates them, and keeps the audit trail that the verification
// and maintenance surfaces read.
package harvest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tradebot/internal/events"
	"tradebot/pkg/db"
	"tradebot/pkg/gateway"
)

// Feed is the slice of the gateway session the engine pulls bars from.
type Feed interface {
	HistoricalBars(symbol, duration, barSize, whatToShow string) ([]gateway.RawBar, error)
}

// TimeframeSpec is one entry of the harvest plan's timeframe matrix.
type TimeframeSpec struct {
	Duration   string `yaml:"duration"`
	BarSize    string `yaml:"bar_size"`
	WhatToShow string `yaml:"what_to_show"`
}

func (t TimeframeSpec) show() string {
	if t.WhatToShow == "" {
		return "TRADES"
	}
	return t.WhatToShow
}

// Stats is the outcome of one harvest operation.
type Stats struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	DataType  string `json:"data_type"`
	Processed int    `json:"processed"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Errors    int    `json:"errors"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Engine is the ingestion pipeline. Safe for concurrent harvests; the store
// enforces bar uniqueness, the engine only decides insert versus update.
type Engine struct {
	feed    Feed
	store   *db.Database
	q       *db.Queries
	bus     *events.Bus
	limiter *rate.Limiter
	verify  VerifyPolicy
}

// NewEngine builds the pipeline. pacing spaces gateway requests; zero means
// one second, matching the vendor's historical-data pacing guidance.
func NewEngine(feed Feed, store *db.Database, bus *events.Bus, pacing time.Duration) *Engine {
	if pacing <= 0 {
		pacing = time.Second
	}
	return &Engine{
		feed:    feed,
		store:   store,
		q:       store.Queries(),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(pacing), 1),
		verify:  DefaultVerifyPolicy(),
	}
}

// SetVerifyPolicy overrides the integrity-check thresholds.
func (e *Engine) SetVerifyPolicy(p VerifyPolicy) { e.verify = p }

// Harvest fetches and stores bars for one (symbol, timeframe) pair.
func (e *Engine) Harvest(ctx context.Context, symbol string, tf TimeframeSpec) (Stats, error) {
	return e.harvestRun(ctx, uuid.NewString(), symbol, tf)
}

func (e *Engine) harvestRun(ctx context.Context, runID, symbol string, tf TimeframeSpec) (Stats, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Stats{}, err
	}

	started := time.Now()
	log.Printf("harvest: %s %s (%s, %s)", symbol, tf.BarSize, tf.Duration, tf.show())

	bars, err := e.feed.HistoricalBars(symbol, tf.Duration, tf.BarSize, tf.show())
	if err != nil {
		stats := Stats{
			RunID:     runID,
			Symbol:    symbol,
			Timeframe: tf.BarSize,
			DataType:  tf.show(),
			Status:    db.HarvestFailed,
			Message:   err.Error(),
		}
		e.writeFailedLog(ctx, stats, started)
		e.bus.Publish(events.EventHarvestFailed, stats)
		return stats, fmt.Errorf("harvest: fetch %s %s: %w", symbol, tf.BarSize, err)
	}
	if len(bars) == 0 {
		// An empty fetch is not a failure, but nothing may touch the store:
		// no bars, no symbol upsert, no audit row.
		log.Printf("harvest: %s %s returned no bars", symbol, tf.BarSize)
		stats := Stats{
			RunID:     runID,
			Symbol:    symbol,
			Timeframe: tf.BarSize,
			DataType:  tf.show(),
			Status:    db.HarvestNoData,
		}
		e.bus.Publish(events.EventHarvestDone, stats)
		return stats, nil
	}

	stats := e.storeBars(ctx, runID, symbol, tf, bars, started)
	if stats.Status == db.HarvestFailed {
		e.bus.Publish(events.EventHarvestFailed, stats)
	} else {
		e.bus.Publish(events.EventHarvestDone, stats)
	}
	log.Printf("harvest: %s %s done: processed=%d added=%d updated=%d errors=%d status=%s",
		symbol, tf.BarSize, stats.Processed, stats.Added, stats.Updated, stats.Errors, stats.Status)
	return stats, nil
}

// storeBars writes one batch inside a single transaction: the bars, the
// symbol metadata upsert, and the harvest-log row all commit together. A bar
// that cannot be processed is counted and skipped, never aborts the batch.
func (e *Engine) storeBars(ctx context.Context, runID, symbol string, tf TimeframeSpec, bars []gateway.RawBar, started time.Time) Stats {
	stats := Stats{RunID: runID, Symbol: symbol, Timeframe: tf.BarSize, DataType: tf.show()}
	fetchTime := time.Now()
	dataType := tf.show()
	pg := e.store.Driver() == db.DriverPostgres

	tx, err := e.store.DB.BeginTx(ctx, nil)
	if err != nil {
		stats.Status = db.HarvestFailed
		stats.Message = err.Error()
		e.writeFailedLog(ctx, stats, started)
		return stats
	}
	defer tx.Rollback()

	var oldest time.Time

	for _, rb := range bars {
		stats.Processed++

		if rb.Open == nil || rb.High == nil || rb.Low == nil || rb.Close == nil {
			log.Printf("harvest: %s bar missing OHLC fields, skipping", symbol)
			stats.Errors++
			continue
		}

		ts, ok := parseBarTime(rb.Date)
		if !ok {
			log.Printf("harvest: %s unparseable bar date %v, using fetch time", symbol, rb.Date)
			ts = fetchTime
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}

		bar := db.Bar{
			Symbol:    symbol,
			Timeframe: tf.BarSize,
			Timestamp: ts,
			DataType:  dataType,
			Open:      *rb.Open,
			High:      *rb.High,
			Low:       *rb.Low,
			Close:     *rb.Close,
			Volume:    rb.Volume,
			Quality:   qualityScore(*rb.Open, *rb.High, *rb.Low, *rb.Close),
		}

		// Optimistic insert; a duplicate key turns into an update. Postgres
		// needs a savepoint because a failed statement poisons the tx.
		if pg {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT bar"); err != nil {
				stats.Errors++
				continue
			}
		}
		err := e.q.InsertBar(ctx, tx, bar)
		if err == nil {
			stats.Added++
			continue
		}
		if pg {
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT bar"); rerr != nil {
				stats.Errors++
				continue
			}
		}
		if !db.IsUniqueViolation(err) {
			log.Printf("harvest: %s insert bar at %s: %v", symbol, bar.Timestamp, err)
			stats.Errors++
			continue
		}
		updated, uerr := e.q.UpdateBar(ctx, tx, bar)
		if uerr != nil || !updated {
			log.Printf("harvest: %s update bar at %s: %v", symbol, bar.Timestamp, uerr)
			stats.Errors++
			continue
		}
		stats.Updated++
	}

	if oldest.IsZero() {
		oldest = fetchTime
	}
	meta := db.SymbolMeta{
		Symbol:      symbol,
		SymbolType:  inferSymbolType(symbol),
		FirstDate:   oldest,
		LastUpdated: fetchTime,
		Active:      true,
	}
	if err := e.q.UpsertSymbol(ctx, tx, meta); err != nil {
		log.Printf("harvest: upsert symbol %s: %v", symbol, err)
	}

	switch {
	case stats.Errors == 0:
		stats.Status = db.HarvestSuccess
	case stats.Added+stats.Updated > 0:
		stats.Status = db.HarvestPartial
		stats.Message = fmt.Sprintf("%d errors encountered", stats.Errors)
	default:
		stats.Status = db.HarvestFailed
		stats.Message = fmt.Sprintf("all %d bars failed", stats.Processed)
	}

	if err := e.q.InsertHarvestLog(ctx, tx, logEntry(stats, started)); err != nil {
		log.Printf("harvest: write log row: %v", err)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("harvest: commit %s %s: %v", symbol, tf.BarSize, err)
		stats.Status = db.HarvestFailed
		stats.Message = err.Error()
		// The batch rolled back; record the failure in its own transaction.
		e.writeFailedLog(ctx, stats, started)
	}
	return stats
}

// writeFailedLog records a failed harvest outside the batch transaction.
func (e *Engine) writeFailedLog(ctx context.Context, stats Stats, started time.Time) {
	if err := e.q.InsertHarvestLog(ctx, e.store.DB, logEntry(stats, started)); err != nil {
		log.Printf("harvest: write failed-log row: %v", err)
	}
}

func logEntry(stats Stats, started time.Time) db.HarvestLogEntry {
	return db.HarvestLogEntry{
		RunID:      stats.RunID,
		Symbol:     stats.Symbol,
		Timeframe:  stats.Timeframe,
		DataType:   stats.DataType,
		Processed:  stats.Processed,
		Added:      stats.Added,
		Updated:    stats.Updated,
		Errors:     stats.Errors,
		Status:     stats.Status,
		Message:    stats.Message,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}
