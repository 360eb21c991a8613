package workflow

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper removes jobs older than maxAge every interval until ctx is
// done. A non-positive interval disables it.
func (s *Service) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	logger := slog.With("component", "sweeper")
	logger.Info("Sweeper started", "interval", interval, "maxAge", maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(ctx, maxAge); n > 0 {
				logger.Info("Sweep complete", "removed", n, "remaining", s.store.Len())
			}
		}
	}
}
