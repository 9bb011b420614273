package db

import "time"

// Bar is one stored price bar. The (Symbol, Timeframe, Timestamp, DataType)
// tuple is unique in the store.
type Bar struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	DataType  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Quality   float64
}

// SymbolMeta is the per-symbol metadata row. UpdateCount tallies how many
// harvests have touched the symbol.
type SymbolMeta struct {
	Symbol      string
	SymbolType  string
	Exchange    string
	FirstDate   time.Time
	LastUpdated time.Time
	UpdateCount int
	Active      bool
}

// Harvest run outcome statuses.
const (
	HarvestSuccess = "success"
	HarvestPartial = "partial"
	HarvestFailed  = "failed"
	HarvestNoData  = "no_data"
)

// HarvestLogEntry is one audit row per harvest operation.
type HarvestLogEntry struct {
	RunID      string
	Symbol     string
	Timeframe  string
	DataType   string
	Processed  int
	Added      int
	Updated    int
	Errors     int
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StoreStats summarizes the bar store for the maintenance surface.
type StoreStats struct {
	TotalBars     int64
	SymbolCount   int64
	EarliestBar   time.Time
	LatestBar     time.Time
	HarvestCounts map[string]int64
}
