package accounts

import (
	"sync"
	"time"
)

// Usage is a snapshot of one account's counters.
type Usage struct {
	RequestsThisMinute int
	BytesToday         int64
}

type usageSample struct {
	minute   int64
	requests int
	day      int64
	bytes    int64
}

// UsageTracker counts requests per minute and bytes per day for each account.
// Counters reset themselves when a call observes a newer minute or day index,
// so no background sweep is needed.
type UsageTracker struct {
	mu      sync.Mutex
	samples map[string]*usageSample
	now     func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		samples: make(map[string]*usageSample),
		now:     time.Now,
	}
}

// IncrementRequest records one provider request against the account.
func (t *UsageTracker) IncrementRequest(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sample(accountID)
	s.requests++
}

// IncrementUploadVolume records bytes sent to the account.
func (t *UsageTracker) IncrementUploadVolume(accountID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sample(accountID)
	s.bytes += n
}

// Usage returns the account's current counters.
func (t *UsageTracker) Usage(accountID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sample(accountID)
	return Usage{RequestsThisMinute: s.requests, BytesToday: s.bytes}
}

// sample returns the account's counters with stale windows reset.
// Caller holds t.mu.
func (t *UsageTracker) sample(accountID string) *usageSample {
	now := t.now().UTC().Unix()
	minute, day := now/60, now/86400

	s, ok := t.samples[accountID]
	if !ok {
		s = &usageSample{minute: minute, day: day}
		t.samples[accountID] = s
	}
	if s.minute != minute {
		s.minute = minute
		s.requests = 0
	}
	if s.day != day {
		s.day = day
		s.bytes = 0
	}
	return s
}
