// Package quota enforces per-file and daily upload ceilings for users and
// anonymous clients.
//
// Daily usage is aggregated from the record store and cached for a few
// minutes. The cache is bumped in place after each successful initiation, so
// concurrent initiations or a stale entry may briefly under- or over-count.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/metrics"
)

const (
	ReasonFileTooLarge = "file_too_large"
	ReasonDailyLimit   = "daily_limit"

	DefaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 10000
)

// Requester is who an upload is charged to.
type Requester struct {
	UserID string // empty for anonymous clients
	IP     string
}

func (r Requester) Anonymous() bool { return r.UserID == "" }

// Key is the daily-usage key: "user:<id>" or "ip:<addr>".
func (r Requester) Key() string {
	if r.Anonymous() {
		return "ip:" + r.IP
	}
	return "user:" + r.UserID
}

// Limits are the configured ceilings.
type Limits struct {
	MaxFileSizeUser      int64
	MaxFileSizeAnonymous int64
	DailyLimitUser       int64
	DailyLimitAnonymous  int64
	CacheTTL             time.Duration
}

// UsageSource reports bytes charged to a requester since a point in time.
type UsageSource interface {
	UploadedSince(ctx context.Context, r Requester, since time.Time) (int64, error)
}

// Exceeded is a quota rejection. It is always wrapped in apperr.Capacity.
type Exceeded struct {
	Reason    string
	Limit     int64
	Used      int64
	Requested int64
}

func (e *Exceeded) Error() string {
	switch e.Reason {
	case ReasonFileTooLarge:
		return fmt.Sprintf("file of %s exceeds the %s per-file limit",
			humanize.IBytes(uint64(e.Requested)), humanize.IBytes(uint64(e.Limit)))
	default:
		return fmt.Sprintf("upload of %s exceeds the daily limit: %s of %s used",
			humanize.IBytes(uint64(e.Requested)), humanize.IBytes(uint64(e.Used)), humanize.IBytes(uint64(e.Limit)))
	}
}

// Info describes a requester's quota state.
type Info struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	MaxFileSize int64     `json:"max_file_size"`
	ResetsAt    time.Time `json:"resets_at"`
	Anonymous   bool      `json:"anonymous"`
}

type window struct {
	mu    sync.Mutex
	day   int64
	bytes int64
}

// Service checks and records quota usage.
type Service struct {
	limits Limits
	source UsageSource
	cache  *expirable.LRU[string, *window]
	now    func() time.Time
}

func NewService(source UsageSource, limits Limits) *Service {
	if limits.CacheTTL <= 0 {
		limits.CacheTTL = DefaultCacheTTL
	}
	return &Service{
		limits: limits,
		source: source,
		cache:  expirable.NewLRU[string, *window](defaultCacheSize, nil, limits.CacheTTL),
		now:    time.Now,
	}
}

// Check rejects the upload of files with the given sizes if any file is
// over the per-file ceiling or the batch would exceed today's limit.
func (s *Service) Check(ctx context.Context, r Requester, sizes []int64) error {
	maxFile, daily := s.ceilings(r)

	var total int64
	for _, size := range sizes {
		if maxFile > 0 && size > maxFile {
			return s.reject(&Exceeded{Reason: ReasonFileTooLarge, Limit: maxFile, Requested: size})
		}
		total += size
	}

	if daily <= 0 {
		return nil
	}
	used, err := s.used(ctx, r)
	if err != nil {
		return err
	}
	if used+total > daily {
		return s.reject(&Exceeded{Reason: ReasonDailyLimit, Limit: daily, Used: used, Requested: total})
	}
	return nil
}

// Record charges bytes to the requester's cached window. An uncached
// requester is left alone; the next aggregation will include the upload.
func (s *Service) Record(r Requester, bytes int64) {
	w, ok := s.cache.Get(r.Key())
	if !ok {
		return
	}
	today := s.dayIndex(s.now())

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.day == today {
		w.bytes += bytes
	}
}

// Info returns the requester's usage for today.
func (s *Service) Info(ctx context.Context, r Requester) (*Info, error) {
	maxFile, daily := s.ceilings(r)
	used, err := s.used(ctx, r)
	if err != nil {
		return nil, err
	}

	remaining := daily - used
	if remaining < 0 {
		remaining = 0
	}
	return &Info{
		Used:        used,
		Limit:       daily,
		Remaining:   remaining,
		MaxFileSize: maxFile,
		ResetsAt:    s.dayStart(s.now()).Add(24 * time.Hour),
		Anonymous:   r.Anonymous(),
	}, nil
}

func (s *Service) used(ctx context.Context, r Requester) (int64, error) {
	now := s.now()
	today := s.dayIndex(now)
	key := r.Key()

	if w, ok := s.cache.Get(key); ok {
		w.mu.Lock()
		day, bytes := w.day, w.bytes
		w.mu.Unlock()
		if day == today {
			return bytes, nil
		}
	}

	bytes, err := s.source.UploadedSince(ctx, r, s.dayStart(now))
	if err != nil {
		return 0, apperr.Internal.Wrap(fmt.Errorf("failed to load daily usage: %w", err))
	}
	s.cache.Add(key, &window{day: today, bytes: bytes})
	return bytes, nil
}

func (s *Service) ceilings(r Requester) (maxFile, daily int64) {
	if r.Anonymous() {
		return s.limits.MaxFileSizeAnonymous, s.limits.DailyLimitAnonymous
	}
	return s.limits.MaxFileSizeUser, s.limits.DailyLimitUser
}

func (s *Service) reject(e *Exceeded) error {
	metrics.QuotaRejections.WithLabelValues(e.Reason).Inc()
	return apperr.Capacity.Wrap(e)
}

func (s *Service) dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) dayIndex(t time.Time) int64 {
	return s.dayStart(t).Unix() / 86400
}
