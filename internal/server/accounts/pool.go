package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"cloudrelay/internal/server/apperr"
)

var (
	// ErrNoAccountAvailable means every account failed a selection gate this
	// round. Callers report it as a retryable capacity error.
	ErrNoAccountAvailable = apperr.Capacity.Wrap(errors.New("no storage account available"))

	ErrAccountNotFound = errors.New("account not in pool")
)

// Limits are the per-account selection ceilings.
type Limits struct {
	MaxRequestsPerMinute int     // 0 disables the gate
	MaxBytesPerDay       int64   // 0 disables the gate
	NearFullRatio        float64 // accounts at or above this used/quota ratio are skipped
}

// Registry is the authoritative store of accounts.
type Registry interface {
	List(ctx context.Context) ([]*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	RefreshQuota(ctx context.Context, id string) error
}

type snapshot struct {
	accounts []*Account
	byID     map[string]*Account
}

// Pool round-robins uploads over the current account snapshot. The snapshot
// is swapped atomically on reload; callers holding accounts from an older
// snapshot keep using them safely.
type Pool struct {
	registry Registry
	usage    *UsageTracker
	limits   Limits

	snap   atomic.Pointer[snapshot]
	cursor atomic.Uint64
}

// NewPool creates an empty pool. Call Reload or Replace before selecting.
func NewPool(registry Registry, usage *UsageTracker, limits Limits) *Pool {
	p := &Pool{registry: registry, usage: usage, limits: limits}
	p.snap.Store(&snapshot{byID: map[string]*Account{}})
	return p
}

// Reload replaces the snapshot with the registry's current account list.
func (p *Pool) Reload(ctx context.Context) error {
	if p.registry == nil {
		return errors.New("pool has no registry")
	}
	list, err := p.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	p.Replace(list)
	return nil
}

// Replace installs the given accounts as the new snapshot and resets the cursor.
func (p *Pool) Replace(list []*Account) {
	s := &snapshot{
		accounts: make([]*Account, len(list)),
		byID:     make(map[string]*Account, len(list)),
	}
	copy(s.accounts, list)
	for _, a := range list {
		s.byID[a.ID] = a
	}
	p.snap.Store(s)
	p.cursor.Store(0)
}

// GetActiveAccount returns the next account that passes every selection gate.
// The cursor advances on each attempt whether or not the candidate passes.
func (p *Pool) GetActiveAccount() (*Account, error) {
	s := p.snap.Load()
	n := len(s.accounts)
	for i := 0; i < n; i++ {
		idx := (p.cursor.Add(1) - 1) % uint64(n)
		a := s.accounts[idx]
		if p.selectable(a) {
			return a, nil
		}
	}
	return nil, ErrNoAccountAvailable
}

// GetAccountByID resolves an account from the live snapshot.
func (p *Pool) GetAccountByID(id string) (*Account, error) {
	a, ok := p.snap.Load().byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// Accounts returns the accounts of the live snapshot.
func (p *Pool) Accounts() []*Account {
	s := p.snap.Load()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Usage exposes the tracker shared with the relay.
func (p *Pool) Usage() *UsageTracker {
	return p.usage
}

func (p *Pool) selectable(a *Account) bool {
	if p.usage != nil {
		u := p.usage.Usage(a.ID)
		if p.limits.MaxRequestsPerMinute > 0 && u.RequestsThisMinute >= p.limits.MaxRequestsPerMinute {
			return false
		}
		if p.limits.MaxBytesPerDay > 0 && u.BytesToday >= p.limits.MaxBytesPerDay {
			return false
		}
	}
	if !a.IsActive {
		return false
	}
	if p.limits.NearFullRatio > 0 && a.UsedRatio() >= p.limits.NearFullRatio {
		return false
	}
	return a.Health.Selectable()
}
