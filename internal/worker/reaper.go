package worker

import (
	"context"
	"log/slog"
	"time"
)

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Reap runs one timeout sweep. Records running past their timeout go back to
// pending while retries remain and fail otherwise.
func (p *Pool) Reap(ctx context.Context) {
	res, err := p.store.ReclaimExpired(ctx, p.now())
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "timeout sweep failed", "error", err)
		}
		return
	}
	if res.Requeued > 0 || res.Failed > 0 {
		slog.WarnContext(ctx, "reclaimed timed out jobs", "requeued", res.Requeued, "failed", res.Failed)
	}
}
