package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrAccountNotFound = errors.New("storage account not found")

const accountColumns = `
	id, name, folder_id, token, is_active, storage_used, storage_quota,
	health_status, last_quota_check, created_at
`

// AccountRepository provides persistence for storage accounts.
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// List returns every configured account ordered by creation time, so the
// pool's round-robin order is stable across reloads.
func (r *AccountRepository) List(ctx context.Context) ([]*StorageAccount, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+accountColumns+" FROM storage_accounts ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*StorageAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetByID retrieves an account by its ID.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*StorageAccount, error) {
	row := r.db.Pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM storage_accounts WHERE id = $1", id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// UpdateQuota stores the result of a quota probe.
func (r *AccountRepository) UpdateQuota(ctx context.Context, id string, used, quota int64, health string, checkedAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_accounts
		SET storage_used = $2, storage_quota = $3, health_status = $4, last_quota_check = $5
		WHERE id = $1
	`, id, used, quota, health, checkedAt)
	if err != nil {
		return fmt.Errorf("failed to update account quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateHealth stores only the health status, used when a probe fails.
func (r *AccountRepository) UpdateHealth(ctx context.Context, id, health string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE storage_accounts SET health_status = $2 WHERE id = $1", id, health)
	if err != nil {
		return fmt.Errorf("failed to update account health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateToken persists a refreshed OAuth2 token.
func (r *AccountRepository) UpdateToken(ctx context.Context, id string, token []byte) error {
	_, err := r.db.Pool.Exec(ctx, "UPDATE storage_accounts SET token = $2 WHERE id = $1", id, token)
	if err != nil {
		return fmt.Errorf("failed to update account token: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*StorageAccount, error) {
	a := &StorageAccount{}
	var token []byte
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.FolderID,
		&token,
		&a.IsActive,
		&a.StorageUsed,
		&a.StorageQuota,
		&a.HealthStatus,
		&a.LastQuotaCheck,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Token = token
	return a, nil
}
