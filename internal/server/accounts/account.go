// Package accounts holds the pool of storage accounts uploads are spread over,
// the per-account usage counters gating selection, and the registry that
// loads accounts and refreshes their quota snapshots.
package accounts

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Health is the last known condition of an account.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	HealthError    Health = "error"
	HealthUnknown  Health = "unknown"
	HealthInactive Health = "inactive"
)

// Selectable reports whether uploads may be routed to an account in this state.
func (h Health) Selectable() bool {
	switch h {
	case HealthCritical, HealthError, HealthInactive:
		return false
	}
	return true
}

// healthFromRatio derives health from a used/quota ratio.
func healthFromRatio(ratio float64) Health {
	switch {
	case ratio >= 0.98:
		return HealthCritical
	case ratio >= 0.90:
		return HealthWarning
	}
	return HealthHealthy
}

// Credentials produce an HTTP client authorized against one account.
type Credentials interface {
	Client(ctx context.Context) *http.Client
}

// TokenCredentials authorize requests with an OAuth2 token source. The
// source refreshes expired tokens on demand.
type TokenCredentials struct {
	Source oauth2.TokenSource
}

// Client returns an HTTP client that attaches the account's bearer token.
func (c TokenCredentials) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.Source)
}

// Account is one storage destination in the pool. Snapshots are replaced
// wholesale on reload and never mutated by selection.
type Account struct {
	ID             string
	Name           string
	FolderID       string
	Credentials    Credentials
	IsActive       bool
	StorageUsed    int64
	StorageQuota   int64 // 0 means unlimited
	Health         Health
	LastQuotaCheck time.Time
}

// UsedRatio is StorageUsed/StorageQuota, or 0 when the quota is unknown.
func (a *Account) UsedRatio() float64 {
	if a.StorageQuota <= 0 {
		return 0
	}
	return float64(a.StorageUsed) / float64(a.StorageQuota)
}

// Client returns the account's authorized HTTP client.
func (a *Account) Client(ctx context.Context) *http.Client {
	if a.Credentials == nil {
		return http.DefaultClient
	}
	return a.Credentials.Client(ctx)
}
