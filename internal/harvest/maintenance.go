package harvest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"tradebot/pkg/db"
)

// harvestLogKeep bounds the audit trail; Optimize prunes beyond it.
const harvestLogKeep = 1000

// OptimizeResult reports what maintenance did.
type OptimizeResult struct {
	PrunedLogRows int64 `json:"pruned_log_rows"`
}

// Optimize prunes the harvest log and compacts the store.
func (e *Engine) Optimize(ctx context.Context) (OptimizeResult, error) {
	pruned, err := e.q.PruneHarvestLog(ctx, harvestLogKeep)
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("harvest: prune log: %w", err)
	}
	if pruned > 0 {
		log.Printf("harvest: pruned %d old log rows", pruned)
	}
	if err := e.q.Optimize(ctx); err != nil {
		return OptimizeResult{}, err
	}
	return OptimizeResult{PrunedLogRows: pruned}, nil
}

// Backup writes a copy of the store. An empty path derives
// backups/db_backup_<ts>.db.
func (e *Engine) Backup(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = filepath.Join("backups", fmt.Sprintf("db_backup_%s.db", time.Now().Format("20060102_150405")))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("harvest: create backup dir: %w", err)
		}
	}
	if err := e.q.Backup(ctx, path); err != nil {
		return "", err
	}
	log.Printf("harvest: backup written to %s", path)
	return path, nil
}

// StoreStats reports bar counts, date range, and harvest outcomes.
func (e *Engine) StoreStats(ctx context.Context) (db.StoreStats, error) {
	return e.q.Stats(ctx)
}

// RecentLog returns the newest harvest audit rows.
func (e *Engine) RecentLog(ctx context.Context, limit int) ([]db.HarvestLogEntry, error) {
	if limit <= 0 || limit > harvestLogKeep {
		limit = 100
	}
	return e.q.RecentHarvestLog(ctx, limit)
}
