package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/provider"
)

// AccountStore is the persistence the registry reads and updates.
type AccountStore interface {
	List(ctx context.Context) ([]*database.StorageAccount, error)
	GetByID(ctx context.Context, id string) (*database.StorageAccount, error)
	UpdateQuota(ctx context.Context, id string, used, quota int64, health string, checkedAt time.Time) error
	UpdateHealth(ctx context.Context, id, health string) error
}

// QuotaProber reports an account's storage usage.
type QuotaProber interface {
	About(ctx context.Context, hc *http.Client) (*provider.Quota, error)
}

// DBRegistry loads accounts from the database and builds OAuth2 credentials
// for them. Token sources are cached per account so refreshed access tokens
// survive pool reloads.
type DBRegistry struct {
	store  AccountStore
	prober QuotaProber
	oauth  *oauth2.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

var _ Registry = (*DBRegistry)(nil)

// NewDBRegistry creates a registry over the given store.
func NewDBRegistry(store AccountStore, prober QuotaProber, oauth *oauth2.Config) *DBRegistry {
	return &DBRegistry{
		store:   store,
		prober:  prober,
		oauth:   oauth,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// List returns every persisted account. Rows that cannot be turned into an
// account are skipped for this round.
func (r *DBRegistry) List(ctx context.Context) ([]*Account, error) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(rows))
	for _, row := range rows {
		a, err := r.toAccount(row)
		if err != nil {
			slog.Warn("skipping storage account", "account_id", row.ID, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns one persisted account.
func (r *DBRegistry) Get(ctx context.Context, id string) (*Account, error) {
	row, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.toAccount(row)
}

// RefreshQuota probes the provider and stores the account's usage and health.
// A failed probe marks the account's health as error and returns the cause.
func (r *DBRegistry) RefreshQuota(ctx context.Context, id string) error {
	a, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	q, err := r.prober.About(ctx, a.Client(ctx))
	if err != nil {
		if herr := r.store.UpdateHealth(ctx, id, string(HealthError)); herr != nil {
			return fmt.Errorf("quota probe failed: %w (and failed to record health: %v)", err, herr)
		}
		return fmt.Errorf("quota probe failed: %w", err)
	}

	health := HealthHealthy
	if q.Limit > 0 {
		health = healthFromRatio(float64(q.Used) / float64(q.Limit))
	}
	return r.store.UpdateQuota(ctx, id, q.Used, q.Limit, string(health), time.Now().UTC())
}

func (r *DBRegistry) toAccount(row *database.StorageAccount) (*Account, error) {
	a := &Account{
		ID:           row.ID,
		Name:         row.Name,
		FolderID:     row.FolderID,
		IsActive:     row.IsActive,
		StorageUsed:  row.StorageUsed,
		StorageQuota: row.StorageQuota,
		Health:       Health(row.HealthStatus),
	}
	if a.Health == "" {
		a.Health = HealthUnknown
	}
	if row.LastQuotaCheck != nil {
		a.LastQuotaCheck = *row.LastQuotaCheck
	}

	src, err := r.tokenSource(row)
	if err != nil {
		return nil, err
	}
	a.Credentials = TokenCredentials{Source: src}
	return a, nil
}

func (r *DBRegistry) tokenSource(row *database.StorageAccount) (oauth2.TokenSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[row.ID]; ok {
		return src, nil
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(row.Token, tok); err != nil {
		return nil, fmt.Errorf("failed to decode token for account %s: %w", row.ID, err)
	}

	var src oauth2.TokenSource
	if r.oauth != nil && tok.RefreshToken != "" {
		src = r.oauth.TokenSource(context.Background(), tok)
	} else {
		src = oauth2.StaticTokenSource(tok)
	}
	r.sources[row.ID] = src
	return src, nil
}
