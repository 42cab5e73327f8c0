// Package admission decides whether a new transfer may start, bounding
// global and per-user concurrency and keeping a coarse memory budget.
package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/metrics"
)

const (
	DefaultMaxGlobal  = 20
	DefaultMaxPerUser = 5

	// maxReservation caps the memory estimate of any single transfer.
	maxReservation = 256 << 20
)

var (
	ErrMemoryPressure = apperr.Capacity.Wrap(errors.New("server memory is under pressure"))
	ErrUserLimit      = apperr.Capacity.Wrap(errors.New("too many concurrent transfers for this user"))
	ErrGlobalLimit    = apperr.Capacity.Wrap(errors.New("server is at transfer capacity"))
	ErrDuplicateSlot  = apperr.Capacity.Wrap(errors.New("transfer already holds a slot"))
)

// MemoryStats reports host memory.
type MemoryStats interface {
	// Usage returns used memory as a percentage and available bytes.
	Usage() (usedPercent float64, available uint64, err error)
}

// Config bounds admission.
type Config struct {
	MaxGlobal            int
	MaxPerUser           int
	MemoryCeilingPercent float64 // 0 disables the percentage check
	ReservedMemoryBytes  uint64  // available memory that reservations may not eat into
}

// Slot is one admitted transfer.
type Slot struct {
	UserID       string
	TransferID   string
	DeclaredSize int64
	StartedAt    time.Time
	Reservation  uint64
}

// Controller hands out admission slots. Acquire and Release are the only
// way global and per-user capacity change.
type Controller struct {
	cfg    Config
	memory MemoryStats
	now    func() time.Time

	global chan struct{}

	mu       sync.Mutex
	perUser  map[string]chan struct{}
	slots    map[string]*Slot // by transfer id
	reserved uint64
}

// New creates a controller. memory may be nil to skip memory checks.
func New(cfg Config, memory MemoryStats) *Controller {
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = DefaultMaxGlobal
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	return &Controller{
		cfg:     cfg,
		memory:  memory,
		now:     time.Now,
		global:  make(chan struct{}, cfg.MaxGlobal),
		perUser: make(map[string]chan struct{}),
		slots:   make(map[string]*Slot),
	}
}

// Acquire admits a transfer or returns why it cannot start. On any error the
// semaphore counts are exactly as they were before the call.
func (c *Controller) Acquire(userID, transferID string, declaredSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[transferID]; ok {
		return ErrDuplicateSlot
	}

	reservation := EstimateReservation(declaredSize)
	if err := c.checkMemory(reservation); err != nil {
		c.deny("memory", userID, transferID, err)
		return err
	}

	user := c.userSem(userID)
	select {
	case user <- struct{}{}:
	default:
		c.deny("user_limit", userID, transferID, ErrUserLimit)
		return ErrUserLimit
	}

	select {
	case c.global <- struct{}{}:
	default:
		<-user
		c.deny("global_limit", userID, transferID, ErrGlobalLimit)
		return ErrGlobalLimit
	}

	c.slots[transferID] = &Slot{
		UserID:       userID,
		TransferID:   transferID,
		DeclaredSize: declaredSize,
		StartedAt:    c.now(),
		Reservation:  reservation,
	}
	c.reserved += reservation
	metrics.AdmissionActive.Set(float64(len(c.slots)))
	return nil
}

// Release frees the transfer's slot. It reports false if the transfer held
// no slot, which makes repeated calls harmless.
func (c *Controller) Release(userID, transferID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.release(transferID)
}

// ActiveLister reports transfers whose relay is still running.
type ActiveLister interface {
	ActiveRelays() []string
}

// Reap releases slots held longer than maxAge and returns their transfer ids.
// Slots of transfers listed in active are never reaped, whatever their age.
func (c *Controller) Reap(maxAge time.Duration, active []string) []string {
	live := make(map[string]struct{}, len(active))
	for _, id := range active {
		live[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	var reaped []string
	for id, s := range c.slots {
		if _, ok := live[id]; ok {
			continue
		}
		if s.StartedAt.Before(cutoff) {
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		c.release(id)
	}
	return reaped
}

// Holds reports whether the transfer currently has a slot.
func (c *Controller) Holds(transferID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[transferID]
	return ok
}

// Stats is a snapshot of admission state.
type Stats struct {
	Active          int    `json:"active"`
	GlobalAvailable int    `json:"global_available"`
	GlobalCapacity  int    `json:"global_capacity"`
	PerUserCapacity int    `json:"per_user_capacity"`
	ReservedBytes   uint64 `json:"reserved_bytes"`
}

// Stats returns the current admission state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:          len(c.slots),
		GlobalAvailable: cap(c.global) - len(c.global),
		GlobalCapacity:  cap(c.global),
		PerUserCapacity: c.cfg.MaxPerUser,
		ReservedBytes:   c.reserved,
	}
}

// UserAvailable returns how many more transfers the user may start.
func (c *Controller) UserAvailable(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.perUser[userID]
	if !ok {
		return c.cfg.MaxPerUser
	}
	return cap(sem) - len(sem)
}

// EstimateReservation guesses the memory a transfer of the given size will
// pin. Larger files reserve a smaller fraction since they stream in chunks.
func EstimateReservation(size int64) uint64 {
	if size <= 0 {
		return 0
	}
	var est int64
	switch {
	case size < 100<<20:
		est = size / 10
	case size < 1<<30:
		est = size / 20
	default:
		est = size / 50
	}
	return uint64(min(est, maxReservation))
}

// release assumes c.mu is held.
func (c *Controller) release(transferID string) bool {
	s, ok := c.slots[transferID]
	if !ok {
		return false
	}
	delete(c.slots, transferID)
	c.reserved -= s.Reservation

	<-c.global
	if sem, ok := c.perUser[s.UserID]; ok {
		<-sem
		if len(sem) == 0 {
			delete(c.perUser, s.UserID)
		}
	}
	metrics.AdmissionActive.Set(float64(len(c.slots)))
	return true
}

// userSem assumes c.mu is held.
func (c *Controller) userSem(userID string) chan struct{} {
	sem, ok := c.perUser[userID]
	if !ok {
		sem = make(chan struct{}, c.cfg.MaxPerUser)
		c.perUser[userID] = sem
	}
	return sem
}

func (c *Controller) checkMemory(reservation uint64) error {
	if c.memory == nil {
		return nil
	}
	used, available, err := c.memory.Usage()
	if err != nil {
		return apperr.Internal.Wrap(fmt.Errorf("failed to read memory stats: %w", err))
	}
	if c.cfg.MemoryCeilingPercent > 0 && used >= c.cfg.MemoryCeilingPercent {
		return ErrMemoryPressure
	}
	need := c.reserved + reservation + c.cfg.ReservedMemoryBytes
	if available < need {
		return ErrMemoryPressure
	}
	return nil
}

func (c *Controller) deny(reason, userID, transferID string, err error) {
	metrics.AdmissionDenied.WithLabelValues(reason).Inc()
	slog.Warn("admission denied",
		"reason", reason,
		"user", userID,
		"transfer_id", transferID,
		"error", err,
	)
}
