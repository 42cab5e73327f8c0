package database

import (
	"encoding/json"
	"time"
)

// TransferStatus is the lifecycle state of a relayed upload.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusUploading TransferStatus = "uploading"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

// Terminal reports whether no further relay transition is possible.
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BackupStatus is the replication state of a completed transfer.
type BackupStatus string

const (
	BackupNone       BackupStatus = "none"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// Transfer represents one upload relayed to a storage account.
type Transfer struct {
	ID              string
	Filename        string
	Size            int64
	ContentType     string
	Status          TransferStatus
	AccountID       string
	OwnerUserID     *string // nil for anonymous uploads
	ClientIP        string
	Anonymous       bool
	IsPublic        bool
	SessionURL      string
	RemoteID        string
	StorageLocation string
	BackupStatus    BackupStatus
	BackupPath      string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// OwnerKey identifies the quota and admission owner of a transfer.
func (t *Transfer) OwnerKey() string {
	if t.OwnerUserID != nil && *t.OwnerUserID != "" {
		return "user:" + *t.OwnerUserID
	}
	return "ip:" + t.ClientIP
}

// StorageAccount is the persisted form of a pool account.
type StorageAccount struct {
	ID             string
	Name           string
	FolderID       string
	Token          json.RawMessage // OAuth2 token JSON
	IsActive       bool
	StorageUsed    int64
	StorageQuota   int64
	HealthStatus   string
	LastQuotaCheck *time.Time
	CreatedAt      time.Time
}
