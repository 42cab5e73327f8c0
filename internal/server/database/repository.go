package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrInvalidTransition = errors.New("invalid transfer status transition")
)

const transferColumns = `
	id, filename, size, content_type, status, account_id, owner_user_id,
	client_ip, anonymous, is_public, session_url, remote_id, storage_location,
	backup_status, backup_path, failure_reason, created_at, updated_at, completed_at
`

// TransferRepository provides persistence for transfer records.
type TransferRepository struct {
	db *DB
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(db *DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a new transfer record.
func (r *TransferRepository) Create(ctx context.Context, t *Transfer) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO transfers (
			id, filename, size, content_type, status, account_id, owner_user_id,
			client_ip, anonymous, is_public, session_url, backup_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		t.ID,
		t.Filename,
		t.Size,
		t.ContentType,
		t.Status,
		t.AccountID,
		t.OwnerUserID,
		t.ClientIP,
		t.Anonymous,
		t.IsPublic,
		t.SessionURL,
		t.BackupStatus,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// GetByID retrieves a transfer by its ID.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*Transfer, error) {
	row := r.db.Pool.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

// GetStatus returns only the status column; the relay calls it on every poll.
func (r *TransferRepository) GetStatus(ctx context.Context, id string) (TransferStatus, error) {
	var status TransferStatus
	err := r.db.Pool.QueryRow(ctx, "SELECT status FROM transfers WHERE id = $1", id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTransferNotFound
		}
		return "", fmt.Errorf("failed to get transfer status: %w", err)
	}
	return status, nil
}

// MarkUploading moves a pending transfer to uploading.
func (r *TransferRepository) MarkUploading(ctx context.Context, id string) error {
	return r.transition(ctx, id, `
		UPDATE transfers SET status = 'uploading', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`)
}

// MarkCompleted records the remote file id and location of a finished upload.
func (r *TransferRepository) MarkCompleted(ctx context.Context, id, remoteID, location string) error {
	return r.transition(ctx, id, `
		UPDATE transfers
		SET status = 'completed', remote_id = $2, storage_location = $3,
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = 'uploading'
	`, remoteID, location)
}

// MarkFailed marks an in-flight transfer failed. A cancelled or already
// terminal transfer is left as is and reported with ok=false.
func (r *TransferRepository) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE transfers SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'uploading')
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark transfer failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCancelled flips a pending or uploading transfer to cancelled.
func (r *TransferRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE transfers SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'uploading')
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel transfer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetBackupStatus updates the replication state of a transfer.
func (r *TransferRepository) SetBackupStatus(ctx context.Context, id string, status BackupStatus, path string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE transfers SET backup_status = $2, backup_path = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, path)
	if err != nil {
		return fmt.Errorf("failed to set backup status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// SumUserUploadsSince totals the bytes a user initiated since the given time.
// Failed and cancelled transfers do not count against the user.
func (r *TransferRepository) SumUserUploadsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM transfers
		WHERE owner_user_id = $1 AND created_at >= $2
			AND status NOT IN ('failed', 'cancelled')
	`, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum user uploads: %w", err)
	}
	return total, nil
}

// SumAnonymousUploadsSince totals the anonymous bytes from one IP since the given time.
func (r *TransferRepository) SumAnonymousUploadsSince(ctx context.Context, ip string, since time.Time) (int64, error) {
	var total int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM transfers
		WHERE anonymous AND client_ip = $1 AND created_at >= $2
			AND status NOT IN ('failed', 'cancelled')
	`, ip, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum anonymous uploads: %w", err)
	}
	return total, nil
}

// FailStale marks transfers that have not moved since cutoff as failed and
// returns them so their admission slots can be reclaimed. Transfers listed in
// active are still being relayed and are skipped.
func (r *TransferRepository) FailStale(ctx context.Context, cutoff time.Time, active []string) ([]*Transfer, error) {
	if active == nil {
		active = []string{}
	}
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE transfers
		SET status = 'failed', failure_reason = 'stale transfer', updated_at = NOW()
		WHERE status IN ('pending', 'uploading') AND updated_at < $1
			AND NOT (id::text = ANY($2::text[]))
		RETURNING `+transferColumns, cutoff, active)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale transfers: %w", err)
	}
	defer rows.Close()

	var stale []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale transfer: %w", err)
		}
		stale = append(stale, t)
	}
	return stale, rows.Err()
}

// Stats holds aggregate transfer counts for the admin surface.
type Stats struct {
	ByStatus       map[TransferStatus]int64
	BackupsFailed  int64
	BytesCompleted int64
}

// GetStats returns aggregate transfer statistics.
func (r *TransferRepository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[TransferStatus]int64)}

	rows, err := r.db.Pool.Query(ctx, "SELECT status, COUNT(*) FROM transfers GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TransferStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE backup_status = 'failed'),
			COALESCE(SUM(size) FILTER (WHERE status = 'completed'), 0)
		FROM transfers
	`).Scan(&stats.BackupsFailed, &stats.BytesCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func (r *TransferRepository) transition(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetStatus(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.Filename,
		&t.Size,
		&t.ContentType,
		&t.Status,
		&t.AccountID,
		&t.OwnerUserID,
		&t.ClientIP,
		&t.Anonymous,
		&t.IsPublic,
		&t.SessionURL,
		&t.RemoteID,
		&t.StorageLocation,
		&t.BackupStatus,
		&t.BackupPath,
		&t.FailureReason,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
