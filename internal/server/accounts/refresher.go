package accounts

import (
	"context"
	"log/slog"
	"time"
)

// Refresher periodically probes every account's quota and reloads the pool
// from the registry.
type Refresher struct {
	pool     *Pool
	registry Registry
	interval time.Duration
	done     chan struct{}
}

// NewRefresher creates a new refresher.
func NewRefresher(pool *Pool, registry Registry, interval time.Duration) *Refresher {
	return &Refresher{
		pool:     pool,
		registry: registry,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the refresh loop in a background goroutine.
func (r *Refresher) Start(ctx context.Context) {
	slog.Info("account refresher started", "interval", r.interval)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("account refresher stopping")
				close(r.done)
				return
			}
		}
	}()
}

// Wait blocks until the refresher has fully stopped.
func (r *Refresher) Wait() {
	<-r.done
}

// RunOnce refreshes every account and reloads the pool. A failed probe only
// degrades that account; the round continues.
func (r *Refresher) RunOnce(ctx context.Context) {
	list, err := r.registry.List(ctx)
	if err != nil {
		slog.Error("failed to list accounts for refresh", "error", err)
		return
	}

	var refreshed, failed int
	for _, a := range list {
		if err := r.registry.RefreshQuota(ctx, a.ID); err != nil {
			slog.Warn("account quota refresh failed",
				"account_id", a.ID,
				"error", err,
			)
			failed++
			continue
		}
		refreshed++
	}

	if err := r.pool.Reload(ctx); err != nil {
		slog.Error("failed to reload account pool", "error", err)
		return
	}

	slog.Info("account refresh complete",
		"refreshed", refreshed,
		"failed", failed,
		"total", len(list),
	)
}
