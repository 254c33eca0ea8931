package kv

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper purges expired entries every interval until ctx is done. Reads
// already ignore expired entries; the sweep keeps storage bounded.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("kv sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("kv sweep removed expired entries", "count", n)
			}
		}
	}
}
