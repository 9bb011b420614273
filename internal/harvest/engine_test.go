package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradebot/internal/events"
	"tradebot/pkg/db"
	"tradebot/pkg/gateway"
)

type stubFeed struct {
	mu    sync.Mutex
	bars  []gateway.RawBar
	err   error
	calls int
}

func (s *stubFeed) HistoricalBars(symbol, duration, barSize, whatToShow string) ([]gateway.RawBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.bars, nil
}

func fp(v float64) *float64 { return &v }

func testBar(date string, o, h, l, c, vol float64) gateway.RawBar {
	return gateway.RawBar{Date: date, Open: fp(o), High: fp(h), Low: fp(l), Close: fp(c), Volume: vol}
}

func newTestEngine(t *testing.T, feed Feed) (*Engine, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewEngine(feed, database, events.NewBus(), time.Millisecond), database
}

var dailyTF = TimeframeSpec{Duration: "1 Y", BarSize: "1 day", WhatToShow: "TRADES"}

func TestHarvestPartialBatch(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{
		testBar("20240102", 100, 101, 99.5, 100.5, 1200),
		testBar("20240103", 100.5, 102, 100, 101.5, 900),
		{Date: "20240104", Open: fp(101.5), High: fp(103), Low: fp(101)}, // missing close
	}}
	engine, database := newTestEngine(t, feed)
	ctx := context.Background()

	stats, err := engine.Harvest(ctx, "AAPL", dailyTF)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if stats.Processed != 3 || stats.Added != 2 || stats.Updated != 0 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Status != db.HarvestPartial {
		t.Fatalf("status = %s, want partial", stats.Status)
	}

	bars, err := database.Queries().Bars(ctx, "AAPL", "1 day", "TRADES", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("stored %d bars, want 2", len(bars))
	}

	t.Run("audit row recorded in the same batch", func(t *testing.T) {
		entries, err := engine.RecentLog(ctx, 10)
		if err != nil {
			t.Fatalf("RecentLog: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 log row, got %d", len(entries))
		}
		e := entries[0]
		if e.Symbol != "AAPL" || e.Processed != 3 || e.Added != 2 || e.Errors != 1 || e.Status != db.HarvestPartial {
			t.Errorf("log entry = %+v", e)
		}
		if e.DataType != "TRADES" {
			t.Errorf("log data type = %q, want TRADES", e.DataType)
		}
	})

	t.Run("re-harvest updates instead of duplicating", func(t *testing.T) {
		stats2, err := engine.Harvest(ctx, "AAPL", dailyTF)
		if err != nil {
			t.Fatalf("Harvest: %v", err)
		}
		if stats2.Added != 0 || stats2.Updated != 2 || stats2.Errors != 1 {
			t.Fatalf("stats = %+v", stats2)
		}
		bars, _ := database.Queries().Bars(ctx, "AAPL", "1 day", "TRADES", time.Time{}, time.Time{})
		if len(bars) != 2 {
			t.Fatalf("duplicate rows after re-harvest: %d", len(bars))
		}
	})
}

func TestHarvestConcurrentSameKey(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{
		testBar("20240102", 100, 101, 99.5, 100.5, 1200),
		testBar("20240103", 100.5, 102, 100, 101.5, 900),
	}}
	engine, database := newTestEngine(t, feed)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Stats, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := engine.Harvest(ctx, "SPY", dailyTF)
			if err != nil {
				t.Errorf("Harvest: %v", err)
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	bars, err := database.Queries().Bars(ctx, "SPY", "1 day", "TRADES", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 unique rows, got %d", len(bars))
	}
	for _, s := range results {
		if s.Errors != 0 {
			t.Errorf("concurrent harvest reported errors: %+v", s)
		}
	}
}

func TestHarvestEmptyFetch(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{}}
	engine, database := newTestEngine(t, feed)
	ctx := context.Background()

	stats, err := engine.Harvest(ctx, "AAPL", dailyTF)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if stats.Status != db.HarvestNoData {
		t.Fatalf("status = %q, want no_data", stats.Status)
	}
	if stats.Processed != 0 || stats.Added != 0 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Nothing may reach the store: no bars, no symbol row, no audit row.
	bars, err := database.Queries().Bars(ctx, "AAPL", "1 day", "TRADES", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("empty fetch stored %d bars", len(bars))
	}
	if _, err := database.Queries().GetSymbol(ctx, "AAPL"); err == nil {
		t.Error("empty fetch created a symbol row")
	}
	entries, err := engine.RecentLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLog: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty fetch wrote %d audit rows: %+v", len(entries), entries)
	}
}

func TestHarvestFetchFailure(t *testing.T) {
	feed := &stubFeed{err: errors.New("gateway unavailable")}
	engine, _ := newTestEngine(t, feed)
	ctx := context.Background()

	stats, err := engine.Harvest(ctx, "AAPL", dailyTF)
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if stats.Status != db.HarvestFailed {
		t.Fatalf("status = %s, want failed", stats.Status)
	}

	entries, err := engine.RecentLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLog: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != db.HarvestFailed {
		t.Fatalf("failed harvest not logged: %+v", entries)
	}
}

func TestHarvestQualityAndTimestamps(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{
		// high below low and below close
		{Date: "20240102", Open: fp(10), High: fp(5), Low: fp(8), Close: fp(9), Volume: 100},
		// unparseable date falls back to fetch time
		testBar("not a date", 10, 11, 9, 10.5, 50),
	}}
	engine, database := newTestEngine(t, feed)
	ctx := context.Background()

	stats, err := engine.Harvest(ctx, "MSFT", dailyTF)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if stats.Added != 2 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	bars, _ := database.Queries().Bars(ctx, "MSFT", "1 day", "TRADES", time.Time{}, time.Time{})
	if len(bars) != 2 {
		t.Fatalf("stored %d bars", len(bars))
	}
	var inconsistent *db.Bar
	for i := range bars {
		if bars[i].High == 5 {
			inconsistent = &bars[i]
		}
	}
	if inconsistent == nil {
		t.Fatal("inconsistent bar not stored")
	}
	// 1.0 - 0.5 (high < low) - 0.2 (high below close) = 0.3
	if inconsistent.Quality < 0.29 || inconsistent.Quality > 0.31 {
		t.Errorf("quality = %v, want 0.3", inconsistent.Quality)
	}
}

func TestHarvestSymbolMetadata(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{
		testBar("20240110", 1.10, 1.11, 1.09, 1.105, 0),
	}}
	engine, database := newTestEngine(t, feed)
	ctx := context.Background()

	if _, err := engine.Harvest(ctx, "EUR/USD", dailyTF); err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	meta, err := database.Queries().GetSymbol(ctx, "EUR/USD")
	if err != nil {
		t.Fatalf("GetSymbol: %v", err)
	}
	if meta.SymbolType != "forex" {
		t.Errorf("symbol type = %s, want forex", meta.SymbolType)
	}
	firstSeen := meta.FirstDate

	// An older batch moves first_date backwards; a newer one must not.
	feed.mu.Lock()
	feed.bars = []gateway.RawBar{testBar("20230110", 1.0, 1.01, 0.99, 1.005, 0)}
	feed.mu.Unlock()
	if _, err := engine.Harvest(ctx, "EUR/USD", dailyTF); err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	meta, _ = database.Queries().GetSymbol(ctx, "EUR/USD")
	if !meta.FirstDate.Before(firstSeen) {
		t.Errorf("first_date did not move back: %v -> %v", firstSeen, meta.FirstDate)
	}
	if meta.UpdateCount != 2 {
		t.Errorf("update_count = %d after two harvests, want 2", meta.UpdateCount)
	}
}

func TestHarvestMultiple(t *testing.T) {
	feed := &stubFeed{bars: []gateway.RawBar{
		testBar("20240102", 100, 101, 99.5, 100.5, 1200),
	}}
	engine, _ := newTestEngine(t, feed)

	res := engine.HarvestMultiple(context.Background(), []string{"AAPL", "MSFT", "SPY"}, []TimeframeSpec{dailyTF}, 2)
	if res.Total != 3 || res.Successful != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Details) != 3 {
		t.Fatalf("details for %d symbols", len(res.Details))
	}
	for symbol, stats := range res.Details {
		if len(stats) != 1 || stats[0].Status != db.HarvestSuccess {
			t.Errorf("%s: %+v", symbol, stats)
		}
		if stats[0].RunID != res.RunID {
			t.Errorf("%s: run id %q != %q", symbol, stats[0].RunID, res.RunID)
		}
	}
}
