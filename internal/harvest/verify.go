package harvest

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// VerifyPolicy tunes the gap detector. A spacing counts as a gap when it
// exceeds (interval + interval*Tolerance) * Multiplier.
type VerifyPolicy struct {
	Multiplier float64
	Tolerance  float64
}

func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{Multiplier: 1.5, Tolerance: 0.05}
}

// Verification statuses, worst first: issues_found means both gaps and
// anomalies are present.
const (
	VerifyNoData    = "no_data"
	VerifyOK        = "verified"
	VerifyGaps      = "gaps_found"
	VerifyAnomalies = "anomalies_found"
	VerifyIssues    = "issues_found"
)

// Gap is a run of missing bars between two stored timestamps.
type Gap struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	MissingBars int       `json:"missing_bars"`
	Duration    float64   `json:"duration_seconds"`
}

// Anomaly is a logically inconsistent stored bar.
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
}

// Verification is the integrity report for one (symbol, timeframe).
type Verification struct {
	Symbol          string    `json:"symbol"`
	Timeframe       string    `json:"timeframe"`
	TotalBars       int       `json:"total_bars"`
	IntervalSeconds int       `json:"timeframe_seconds"`
	FirstDate       time.Time `json:"first_date"`
	LastDate        time.Time `json:"last_date"`
	Gaps            []Gap     `json:"gaps"`
	Anomalies       []Anomaly `json:"anomalies"`
	Status          string    `json:"status"`
}

// VerifyIntegrity scans the stored bars for gaps and anomalies. Zero from/to
// cover the whole stored range.
func (e *Engine) VerifyIntegrity(ctx context.Context, symbol, timeframe, dataType string, from, to time.Time) (Verification, error) {
	if dataType == "" {
		dataType = "TRADES"
	}
	log.Printf("harvest: verifying %s (%s)", symbol, timeframe)

	bars, err := e.q.Bars(ctx, symbol, timeframe, dataType, from, to)
	if err != nil {
		return Verification{}, fmt.Errorf("harvest: load bars for verify: %w", err)
	}
	if len(bars) == 0 {
		return Verification{Symbol: symbol, Timeframe: timeframe, Status: VerifyNoData}, nil
	}

	v := Verification{
		Symbol:          symbol,
		Timeframe:       timeframe,
		TotalBars:       len(bars),
		IntervalSeconds: timeframeToSeconds(timeframe),
		FirstDate:       bars[0].Timestamp,
		LastDate:        bars[len(bars)-1].Timestamp,
		Status:          VerifyOK,
	}

	expected := float64(v.IntervalSeconds)
	tolerance := expected * e.verify.Tolerance
	for i := 1; i < len(bars); i++ {
		diff := bars[i].Timestamp.Sub(bars[i-1].Timestamp).Seconds()
		if diff > (expected+tolerance)*e.verify.Multiplier {
			v.Gaps = append(v.Gaps, Gap{
				Start:       bars[i-1].Timestamp,
				End:         bars[i].Timestamp,
				MissingBars: int(diff/expected) - 1,
				Duration:    diff,
			})
		}
	}

	for _, b := range bars {
		if b.High < b.Low {
			v.Anomalies = append(v.Anomalies, Anomaly{
				Timestamp: b.Timestamp,
				Type:      "high_below_low",
				Details:   fmt.Sprintf("high (%v) is below low (%v)", b.High, b.Low),
			})
		}
	}

	switch {
	case len(v.Gaps) > 0 && len(v.Anomalies) > 0:
		v.Status = VerifyIssues
	case len(v.Anomalies) > 0:
		v.Status = VerifyAnomalies
	case len(v.Gaps) > 0:
		v.Status = VerifyGaps
	}
	return v, nil
}

// timeframeToSeconds converts a bar-size string like "5 mins" or "1 day" to
// its nominal spacing. Unknown formats default to daily.
func timeframeToSeconds(timeframe string) int {
	tf := strings.ToLower(timeframe)
	n := 1
	if fields := strings.Fields(tf); len(fields) > 0 {
		if parsed, err := strconv.Atoi(fields[0]); err == nil {
			n = parsed
		}
	}
	switch {
	case strings.Contains(tf, "sec"):
		return n
	case strings.Contains(tf, "min"):
		return n * 60
	case strings.Contains(tf, "hour"):
		return n * 3600
	case strings.Contains(tf, "day"):
		return n * 86400
	case strings.Contains(tf, "week"):
		return n * 604800
	}
	return 86400
}
