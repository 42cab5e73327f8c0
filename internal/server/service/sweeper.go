package service

import (
	"context"
	"log/slog"
	"time"

	"cloudrelay/internal/server/database"
)

// StaleStore fails transfers that stopped making progress.
type StaleStore interface {
	FailStale(ctx context.Context, cutoff time.Time, active []string) ([]*database.Transfer, error)
}

// SlotReleaser frees admission slots.
type SlotReleaser interface {
	Release(userID, transferID string) bool
}

// ActiveLister reports transfers that are relaying right now.
type ActiveLister interface {
	ActiveRelays() []string
}

// StaleSweeper periodically fails transfers that were initiated but never
// relayed, or whose relay died without finalizing the record.
type StaleSweeper struct {
	store    StaleStore
	slots    SlotReleaser
	active   ActiveLister
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewStaleSweeper creates a new sweeper.
func NewStaleSweeper(store StaleStore, slots SlotReleaser, active ActiveLister, maxAge, interval time.Duration) *StaleSweeper {
	return &StaleSweeper{
		store:    store,
		slots:    slots,
		active:   active,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *StaleSweeper) Start(ctx context.Context) {
	slog.Info("stale transfer sweeper started", "interval", s.interval, "max_age", s.maxAge)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("stale transfer sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *StaleSweeper) Wait() {
	<-s.done
}

// RunOnce performs a single sweep and returns the number of failed transfers.
func (s *StaleSweeper) RunOnce(ctx context.Context) int {
	var active []string
	if s.active != nil {
		active = s.active.ActiveRelays()
	}

	stale, err := s.store.FailStale(ctx, s.now().Add(-s.maxAge), active)
	if err != nil {
		slog.Error("failed to sweep stale transfers", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	var released int
	for _, t := range stale {
		if s.slots.Release(t.OwnerKey(), t.ID) {
			released++
		}
		slog.Info("failed stale transfer",
			"transfer_id", t.ID,
			"updated_at", t.UpdatedAt,
		)
	}

	slog.Info("stale sweep complete", "failed", len(stale), "slots_released", released)
	return len(stale)
}
