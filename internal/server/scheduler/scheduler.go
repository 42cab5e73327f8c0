// Package scheduler runs HTTP handlers on two bounded worker lanes so that
// admin requests keep being served while ordinary traffic saturates the
// server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/metrics"
)

// Lane is a scheduling class.
type Lane string

const (
	LaneAdmin    Lane = "admin"
	LaneOrdinary Lane = "ordinary"
)

// ErrQueueFull is returned (inside a 503) when a lane has no room.
var ErrQueueFull = apperr.Capacity.Wrap(errors.New("server is busy"))

type Config struct {
	AdminPrefix     string
	AdminWorkers    int
	OrdinaryWorkers int
	QueueSize       int
	RetryAfter      time.Duration

	// Skipper bypasses the lanes. Long-lived routes such as the WebSocket
	// relay must be skipped or they hold a worker for the whole transfer.
	Skipper func(c echo.Context) bool
}

type job struct {
	c    echo.Context
	next echo.HandlerFunc
	err  error
	done chan struct{}
}

// Scheduler is an echo middleware with an admin lane and an ordinary lane.
// Admin workers serve the admin queue first and help with ordinary work when
// it is empty; ordinary workers only serve ordinary work.
type Scheduler struct {
	cfg      Config
	admin    chan *job
	ordinary chan *job
	stop     chan struct{}

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = "/admin"
	}
	cfg.AdminPrefix = strings.TrimSuffix(cfg.AdminPrefix, "/")
	if cfg.AdminWorkers <= 0 {
		cfg.AdminWorkers = 1
	}
	if cfg.OrdinaryWorkers < 0 {
		cfg.OrdinaryWorkers = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		admin:    make(chan *job, cfg.QueueSize),
		ordinary: make(chan *job, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Classify returns the lane for a request path.
func (s *Scheduler) Classify(path string) Lane {
	if path == s.cfg.AdminPrefix || strings.HasPrefix(path, s.cfg.AdminPrefix+"/") {
		return LaneAdmin
	}
	return LaneOrdinary
}

// Depth returns the number of requests waiting in a lane.
func (s *Scheduler) Depth(lane Lane) int {
	return len(s.queue(lane))
}

// Middleware queues each request on its lane and waits for a worker to run
// the rest of the chain. After the scheduler has stopped, requests run
// inline.
func (s *Scheduler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.cfg.Skipper != nil && s.cfg.Skipper(c) {
				return next(c)
			}

			lane := s.Classify(c.Request().URL.Path)
			j := &job{c: c, next: next, done: make(chan struct{})}

			queued, open := s.enqueue(lane, j)
			if !open {
				return next(c)
			}
			if !queued {
				metrics.SchedulerRejected.WithLabelValues(string(lane)).Inc()
				slog.Warn("scheduler queue full", "lane", lane, "path", c.Request().URL.Path)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Seconds()+0.5)))
				return echo.NewHTTPError(http.StatusServiceUnavailable, "server is busy, try again later").SetInternal(ErrQueueFull)
			}

			// echo recycles the context once we return, so the worker must be
			// finished with it first.
			<-j.done
			return j.err
		}
	}
}

// Start launches the workers. When ctx is cancelled they finish every
// queued request and exit.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("request scheduler started",
		"admin_workers", s.cfg.AdminWorkers,
		"ordinary_workers", s.cfg.OrdinaryWorkers,
		"queue_size", s.cfg.QueueSize,
	)

	for i := 0; i < s.cfg.AdminWorkers; i++ {
		s.wg.Add(1)
		go s.adminWorker()
	}
	for i := 0; i < s.cfg.OrdinaryWorkers; i++ {
		s.wg.Add(1)
		go s.ordinaryWorker()
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	}()
}

// Wait blocks until every worker has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	slog.Info("request scheduler stopped")
}

func (s *Scheduler) enqueue(lane Lane, j *job) (queued, open bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false
	}

	q := s.queue(lane)
	select {
	case q <- j:
		metrics.SchedulerQueueDepth.WithLabelValues(string(lane)).Set(float64(len(q)))
		return true, true
	default:
		return false, true
	}
}

func (s *Scheduler) adminWorker() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.admin:
			s.run(LaneAdmin, j)
			continue
		default:
		}

		select {
		case j := <-s.admin:
			s.run(LaneAdmin, j)
		case j := <-s.ordinary:
			s.run(LaneOrdinary, j)
		case <-s.stop:
			s.drain(s.admin, LaneAdmin)
			s.drain(s.ordinary, LaneOrdinary)
			return
		}
	}
}

func (s *Scheduler) ordinaryWorker() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.ordinary:
			s.run(LaneOrdinary, j)
		case <-s.stop:
			s.drain(s.ordinary, LaneOrdinary)
			return
		}
	}
}

func (s *Scheduler) drain(q chan *job, lane Lane) {
	for {
		select {
		case j := <-q:
			s.run(lane, j)
		default:
			return
		}
	}
}

func (s *Scheduler) run(lane Lane, j *job) {
	metrics.SchedulerQueueDepth.WithLabelValues(string(lane)).Set(float64(len(s.queue(lane))))
	defer close(j.done)

	// The client may have given up while the request sat in the queue.
	if err := j.c.Request().Context().Err(); err != nil {
		j.err = err
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "lane", lane, "path", j.c.Request().URL.Path, "panic", r)
			j.err = apperr.Internal.Wrap(fmt.Errorf("handler panic: %v", r))
		}
	}()
	j.err = j.next(j.c)
}

func (s *Scheduler) queue(lane Lane) chan *job {
	if lane == LaneAdmin {
		return s.admin
	}
	return s.ordinary
}
