package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig defines how long to keep data in each history table.
type RetentionConfig struct {
	Rollups time.Duration // default 30d
	Facts   time.Duration // default 90d
	Reports time.Duration // default 48h
}

// DefaultRetention returns the default retention periods.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		Rollups: 30 * 24 * time.Hour,
		Facts:   90 * 24 * time.Hour,
		Reports: 48 * time.Hour,
	}
}

// Pruner periodically removes old data from the store.
type Pruner struct {
	store     *Store
	retention RetentionConfig
	interval  time.Duration
	now       func() time.Time
}

// NewPruner creates a pruner with the given retention config.
func NewPruner(store *Store, retention RetentionConfig) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  1 * time.Hour,
		now:       time.Now,
	}
}

// Run starts the pruner loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("pruner started", "interval", p.interval)

	// Run once at startup
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pruner stopped")
			return ctx.Err()
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	now := p.now()
	tables := []struct {
		name   string
		column string
		cutoff int64
	}{
		{"metrics_rollup", "time_bucket", now.Add(-p.retention.Rollups).Unix()},
		{"device_facts", "collected_at", now.Add(-p.retention.Facts).UnixNano()},
		{"heartbeat_reports", "received_at", now.Add(-p.retention.Reports).Unix()},
	}

	for _, t := range tables {
		result, err := p.store.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.name, t.column), t.cutoff)
		if err != nil {
			slog.Error("pruning failed", "table", t.name, "error", err)
			continue
		}
		rows, _ := result.RowsAffected()
		if rows > 0 {
			slog.Info("pruned old data", "table", t.name, "rows", rows)
		}
	}
}
