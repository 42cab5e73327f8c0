package quota

import (
	"context"
	"time"
)

// TransferSums is implemented by database.TransferRepository.
type TransferSums interface {
	SumUserUploadsSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumAnonymousUploadsSince(ctx context.Context, ip string, since time.Time) (int64, error)
}

// DBUsage aggregates daily usage from transfer records.
type DBUsage struct {
	repo TransferSums
}

func NewDBUsage(repo TransferSums) *DBUsage {
	return &DBUsage{repo: repo}
}

func (u *DBUsage) UploadedSince(ctx context.Context, r Requester, since time.Time) (int64, error) {
	if r.Anonymous() {
		return u.repo.SumAnonymousUploadsSince(ctx, r.IP, since)
	}
	return u.repo.SumUserUploadsSince(ctx, r.UserID, since)
}
