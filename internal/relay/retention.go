package relay

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often stale histories are swept.
const DefaultRetentionInterval = 5 * time.Minute

// HistoryPruner deletes histories idle since before.
type HistoryPruner interface {
	PruneHistories(ctx context.Context, before time.Time) ([]string, error)
}

// PruneCallback is called for every user whose history was pruned.
type PruneCallback func(userID string)

// StartRetentionWorker sweeps histories idle for longer than ttl every
// interval until ctx is done. A non-positive ttl disables the worker.
func StartRetentionWorker(ctx context.Context, repo HistoryPruner, ttl, interval time.Duration, onPrune PruneCallback) {
	if ttl <= 0 {
		slog.Info("History retention disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				pruneStaleHistories(ctx, repo, ttl, onPrune)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneStaleHistories(ctx context.Context, repo HistoryPruner, ttl time.Duration, onPrune PruneCallback) {
	pruned, err := repo.PruneHistories(ctx, time.Now().Add(-ttl))
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker canceled mid-sweep", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune histories", "error", err)
		return
	}
	if len(pruned) == 0 {
		return
	}

	for _, userID := range pruned {
		if onPrune != nil {
			onPrune(userID)
		}
	}
	slog.Info("Retention worker pruned histories", "count", len(pruned))
}
