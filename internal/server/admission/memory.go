package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemory reads virtual memory statistics from the host.
type HostMemory struct{}

func (HostMemory) Usage() (float64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.UsedPercent, vm.Available, nil
}

// StartReaper releases orphaned slots older than maxAge every interval until
// ctx is cancelled. Transfers reported by active keep their slots. active may
// be nil. It returns a channel closed when the loop exits.
func (c *Controller) StartReaper(ctx context.Context, interval, maxAge time.Duration, active ActiveLister) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var live []string
				if active != nil {
					live = active.ActiveRelays()
				}
				if reaped := c.Reap(maxAge, live); len(reaped) > 0 {
					slog.Warn("reaped orphaned admission slots",
						"count", len(reaped),
						"transfer_ids", reaped,
						"max_age", maxAge.String(),
					)
				}
			}
		}
	}()
	return done
}
