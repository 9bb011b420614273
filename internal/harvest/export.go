package harvest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tradebot/pkg/gateway"
)

// ExportResult describes one CSV export.
type ExportResult struct {
	Path      string    `json:"path"`
	Rows      int       `json:"rows"`
	FirstDate time.Time `json:"start_date"`
	LastDate  time.Time `json:"end_date"`
}

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// ExportCSV writes the stored bars for (symbol, timeframe) to path. An empty
// path derives exports/<symbol>_<timeframe>_<ts>.csv.
func (e *Engine) ExportCSV(ctx context.Context, symbol, timeframe, dataType, path string, from, to time.Time) (ExportResult, error) {
	if dataType == "" {
		dataType = "TRADES"
	}
	if path == "" {
		name := fmt.Sprintf("%s_%s_%s.csv", symbol, sanitize(timeframe), time.Now().Format("20060102_150405"))
		path = filepath.Join("exports", name)
	}

	bars, err := e.q.Bars(ctx, symbol, timeframe, dataType, from, to)
	if err != nil {
		return ExportResult{}, fmt.Errorf("harvest: load bars for export: %w", err)
	}
	if len(bars) == 0 {
		return ExportResult{}, fmt.Errorf("harvest: no data to export for %s (%s)", symbol, timeframe)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("harvest: create export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return ExportResult{}, fmt.Errorf("harvest: create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return ExportResult{}, err
	}
	for _, b := range bars {
		row := []string{
			b.Timestamp.Format(time.RFC3339),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := w.Write(row); err != nil {
			return ExportResult{}, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ExportResult{}, fmt.Errorf("harvest: write export: %w", err)
	}

	return ExportResult{
		Path:      path,
		Rows:      len(bars),
		FirstDate: bars[0].Timestamp,
		LastDate:  bars[len(bars)-1].Timestamp,
	}, nil
}

// ImportCSV loads bars from a CSV file into the store for (symbol,
// timeframe), running them through the same validation, scoring, and
// insert-then-update path as a gateway harvest.
func (e *Engine) ImportCSV(ctx context.Context, path, symbol, timeframe, dataType string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("harvest: open import file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return Stats{}, fmt.Errorf("harvest: read csv: %w", err)
	}
	if len(records) < 2 {
		return Stats{}, fmt.Errorf("harvest: %s has no data rows", path)
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[name] = i
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return Stats{}, fmt.Errorf("harvest: %s missing required column %q", path, required)
		}
	}

	bars := make([]gateway.RawBar, 0, len(records)-1)
	for _, row := range records[1:] {
		b := gateway.RawBar{
			Date:  cell(row, cols, "timestamp"),
			Open:  parseCell(row, cols, "open"),
			High:  parseCell(row, cols, "high"),
			Low:   parseCell(row, cols, "low"),
			Close: parseCell(row, cols, "close"),
		}
		if v := parseCell(row, cols, "volume"); v != nil {
			b.Volume = *v
		}
		bars = append(bars, b)
	}

	tf := TimeframeSpec{BarSize: timeframe, WhatToShow: dataType}
	stats := e.storeBars(ctx, "csv-import", symbol, tf, bars, time.Now())
	return stats, nil
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseCell(row []string, cols map[string]int, name string) *float64 {
	s := cell(row, cols, name)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '/' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}
