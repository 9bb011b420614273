package harvest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"tradebot/pkg/db"
)

// MultiResult summarizes a multi-symbol harvest run. A symbol counts as
// failed when any of its timeframes failed.
type MultiResult struct {
	RunID      string             `json:"run_id"`
	Total      int                `json:"total_symbols"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	Details    map[string][]Stats `json:"details"`
}

// HarvestMultiple harvests every timeframe for every symbol, running up to
// maxParallel symbols at once. Each (symbol, timeframe) failure is isolated;
// the engine's rate limiter paces the gateway requests across workers.
func (e *Engine) HarvestMultiple(ctx context.Context, symbols []string, timeframes []TimeframeSpec, maxParallel int) MultiResult {
	if maxParallel < 1 {
		maxParallel = 1
	}

	result := MultiResult{
		RunID:   uuid.NewString(),
		Total:   len(symbols),
		Details: make(map[string][]Stats, len(symbols)),
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, maxParallel)
	)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			var stats []Stats
			success := true
			for _, tf := range timeframes {
				if ctx.Err() != nil {
					success = false
					break
				}
				s, err := e.harvestRun(ctx, result.RunID, symbol, tf)
				stats = append(stats, s)
				if err != nil || s.Status == db.HarvestFailed {
					success = false
				}
			}

			mu.Lock()
			result.Details[symbol] = stats
			if success {
				result.Successful++
			} else {
				result.Failed++
			}
			mu.Unlock()
		}(symbol)
	}

	wg.Wait()
	return result
}
