package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner is what the scheduler executes for each queued transfer.
type Runner interface {
	Transfer(ctx context.Context, transferID string) error
}

// Scheduler runs backups on a fixed set of workers fed by a bounded queue.
type Scheduler struct {
	runner  Runner
	queue   chan string
	workers int
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. timeout bounds a single backup; zero
// means no limit.
func NewScheduler(runner Runner, workers, queueSize int, timeout time.Duration) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Scheduler{
		runner:  runner,
		queue:   make(chan string, queueSize),
		workers: workers,
		timeout: timeout,
	}
}

// Schedule queues a backup without blocking. It reports false when the
// queue is full and the request was dropped.
func (s *Scheduler) Schedule(transferID string) bool {
	select {
	case s.queue <- transferID:
		return true
	default:
		slog.Warn("backup queue full, dropping request", "transfer_id", transferID)
		return false
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("backup scheduler started", "workers", s.workers, "queue_size", cap(s.queue))

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.queue:
					s.run(ctx, id)
				}
			}
		}()
	}
}

// Wait blocks until every worker has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	slog.Info("backup scheduler stopped")
}

// Pending returns the number of queued backups.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

func (s *Scheduler) run(ctx context.Context, id string) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.runner.Transfer(ctx, id); err != nil {
		slog.Error("backup failed", "transfer_id", id, "error", err)
	}
}
