package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/provider"
	"cloudrelay/internal/server/quota"
	"cloudrelay/internal/server/relay"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound        = errors.New("transfer not found")
	ErrInvalidSize     = errors.New("file size must not be negative")
	ErrAlreadyRelaying = errors.New("transfer is already being relayed")
	ErrNotCancellable  = errors.New("transfer can no longer be cancelled")
	ErrNotCompleted    = errors.New("transfer is not completed")
	ErrBackupQueueFull = apperr.Capacity.Wrap(errors.New("backup queue is full"))
)

const defaultContentType = "application/octet-stream"

// Store is the slice of the record store the service needs.
type Store interface {
	Create(ctx context.Context, t *database.Transfer) error
	GetByID(ctx context.Context, id string) (*database.Transfer, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

type QuotaChecker interface {
	Check(ctx context.Context, r quota.Requester, sizes []int64) error
	Record(r quota.Requester, bytes int64)
	Info(ctx context.Context, r quota.Requester) (*quota.Info, error)
}

type AccountSelector interface {
	GetActiveAccount() (*accounts.Account, error)
}

type SessionMinter interface {
	CreateSession(ctx context.Context, hc *http.Client, meta provider.FileMeta) (string, error)
}

type Relayer interface {
	Run(ctx context.Context, job relay.Job, conn relay.Conn) error
}

type BackupScheduler interface {
	Schedule(transferID string) bool
}

// Deps are the service's collaborators.
type Deps struct {
	Store    Store
	Quota    QuotaChecker
	Accounts AccountSelector
	Sessions SessionMinter
	Relay    Relayer
	Backups  BackupScheduler
}

// InitiateRequest describes a file the client is about to upload.
type InitiateRequest struct {
	Filename    string `json:"filename" validate:"required,max=1024"`
	Size        int64  `json:"size" validate:"gte=0"`
	ContentType string `json:"content_type" validate:"omitempty,max=255"`
	Public      bool   `json:"public"`
}

// Initiated is returned once a session has been minted and recorded.
type Initiated struct {
	TransferID string `json:"transfer_id"`
	RelayPath  string `json:"relay_url"`
	ChunkSize  int    `json:"chunk_size"`
	AccountID  string `json:"account_id"`
}

// TransferInfo is the client-facing view of a transfer record.
type TransferInfo struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	Size            int64      `json:"size"`
	ContentType     string     `json:"content_type"`
	Status          string     `json:"status"`
	StorageLocation string     `json:"storage_location,omitempty"`
	BackupStatus    string     `json:"backup_status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	IsPublic        bool       `json:"is_public"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// UploadService orchestrates the lifecycle of a relayed upload: initiation,
// the relay itself, cancellation and status queries.
type UploadService struct {
	Deps
	chunkSize int

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewUploadService creates a new upload service.
func NewUploadService(deps Deps, chunkSize int) *UploadService {
	return &UploadService{
		Deps:      deps,
		chunkSize: chunkSize,
		active:    make(map[string]context.CancelCauseFunc),
	}
}

// Initiate checks the requester's quota, picks an account, opens a resumable
// session on it and records a pending transfer.
func (s *UploadService) Initiate(ctx context.Context, r quota.Requester, req InitiateRequest) (*Initiated, error) {
	// 1. Validate
	if req.Size < 0 {
		return nil, ErrInvalidSize
	}
	filename := sanitizeFilename(req.Filename)
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	// 2. Quota
	if err := s.Deps.Quota.Check(ctx, r, []int64{req.Size}); err != nil {
		return nil, err
	}

	// 3. Account selection
	account, err := s.Accounts.GetActiveAccount()
	if err != nil {
		return nil, err
	}

	// 4. Mint the resumable session on the selected account
	sessionURL, err := s.Sessions.CreateSession(ctx, account.Client(ctx), provider.FileMeta{
		Name:        filename,
		ContentType: contentType,
		Size:        req.Size,
		FolderID:    account.FolderID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	// 5. Record
	now := time.Now().UTC()
	t := &database.Transfer{
		ID:           uuid.NewString(),
		Filename:     filename,
		Size:         req.Size,
		ContentType:  contentType,
		Status:       database.StatusPending,
		AccountID:    account.ID,
		ClientIP:     r.IP,
		Anonymous:    r.Anonymous(),
		IsPublic:     req.Public,
		SessionURL:   sessionURL,
		BackupStatus: database.BackupNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !r.Anonymous() {
		user := r.UserID
		t.OwnerUserID = &user
	}
	if err := s.Store.Create(ctx, t); err != nil {
		return nil, apperr.Internal.Wrap(fmt.Errorf("failed to create transfer record: %w", err))
	}

	// 6. Charge the quota window
	s.Deps.Quota.Record(r, req.Size)

	slog.Info("upload initiated",
		"transfer_id", t.ID,
		"account_id", account.ID,
		"owner", r.Key(),
		"filename", filename,
		"size", humanize.IBytes(uint64(req.Size)),
	)

	return &Initiated{
		TransferID: t.ID,
		RelayPath:  RelayPath(t.ID),
		ChunkSize:  s.chunkSize,
		AccountID:  account.ID,
	}, nil
}

// PrepareRelay loads the transfer and builds its relay job. It fails before
// any connection is upgraded if the requester does not own the transfer.
func (s *UploadService) PrepareRelay(ctx context.Context, r quota.Requester, id string, mode relay.Mode) (*relay.Job, error) {
	t, err := s.owned(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if t.Status != database.StatusPending {
		return nil, relay.ErrNotRelayable
	}
	return &relay.Job{
		TransferID:    t.ID,
		AccountID:     t.AccountID,
		OwnerKey:      t.OwnerKey(),
		SessionURL:    t.SessionURL,
		TotalSize:     t.Size,
		RetrievalPath: InfoPath(t.ID),
		Mode:          mode,
	}, nil
}

// Relay runs the job over conn. The relay can be stopped with Cancel.
func (s *UploadService) Relay(ctx context.Context, job *relay.Job, conn relay.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if !s.register(job.TransferID, cancel) {
		conn.Send(relay.Frame{Type: relay.FrameError, Value: ErrAlreadyRelaying.Error()})
		conn.Close("upload failed")
		return ErrAlreadyRelaying
	}
	defer s.unregister(job.TransferID)

	return s.Deps.Relay.Run(ctx, *job, conn)
}

// Cancel marks a pending or uploading transfer cancelled and stops its relay.
// Cancelling an already cancelled transfer is a no-op.
func (s *UploadService) Cancel(ctx context.Context, r quota.Requester, id string) error {
	t, err := s.owned(ctx, r, id)
	if err != nil {
		return err
	}

	ok, err := s.Store.MarkCancelled(ctx, id)
	if err != nil {
		return apperr.Internal.Wrap(err)
	}
	if !ok {
		if t.Status == database.StatusCancelled {
			return nil
		}
		return ErrNotCancellable
	}

	s.mu.Lock()
	stop := s.active[id]
	s.mu.Unlock()
	if stop != nil {
		stop(relay.ErrCancelled)
	}

	slog.Info("upload cancelled", "transfer_id", id, "owner", r.Key(), "relaying", stop != nil)
	return nil
}

// Info returns a transfer visible to the requester. Public transfers are
// visible to everyone.
func (s *UploadService) Info(ctx context.Context, r quota.Requester, id string) (*TransferInfo, error) {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPublic && t.OwnerKey() != r.Key() {
		return nil, ErrNotFound
	}
	return toInfo(t), nil
}

// Quota returns the requester's quota state for today.
func (s *UploadService) Quota(ctx context.Context, r quota.Requester) (*quota.Info, error) {
	return s.Deps.Quota.Info(ctx, r)
}

// RetryBackup queues another backup attempt for a completed transfer.
func (s *UploadService) RetryBackup(ctx context.Context, id string) error {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != database.StatusCompleted {
		return ErrNotCompleted
	}
	if !s.Backups.Schedule(id) {
		return ErrBackupQueueFull
	}
	slog.Info("backup retry scheduled", "transfer_id", id, "previous_status", string(t.BackupStatus))
	return nil
}

// GetStats returns aggregate transfer statistics.
func (s *UploadService) GetStats(ctx context.Context) (*database.Stats, error) {
	return s.Store.GetStats(ctx)
}

// ActiveRelays returns the ids of transfers currently being relayed.
func (s *UploadService) ActiveRelays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *UploadService) register(id string, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = cancel
	return true
}

func (s *UploadService) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *UploadService) lookup(ctx context.Context, id string) (*database.Transfer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	t, err := s.Store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Internal.Wrap(err)
	}
	return t, nil
}

// owned hides transfers of other requesters behind ErrNotFound.
func (s *UploadService) owned(ctx context.Context, r quota.Requester, id string) (*database.Transfer, error) {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerKey() != r.Key() {
		return nil, ErrNotFound
	}
	return t, nil
}

// RelayPath is the WebSocket endpoint for a transfer.
func RelayPath(id string) string {
	return "/api/uploads/" + id + "/relay"
}

// InfoPath is where the client retrieves a transfer after completion.
func InfoPath(id string) string {
	return "/api/uploads/" + id
}

func toInfo(t *database.Transfer) *TransferInfo {
	return &TransferInfo{
		ID:              t.ID,
		Filename:        t.Filename,
		Size:            t.Size,
		ContentType:     t.ContentType,
		Status:          string(t.Status),
		StorageLocation: t.StorageLocation,
		BackupStatus:    string(t.BackupStatus),
		FailureReason:   t.FailureReason,
		IsPublic:        t.IsPublic,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		name = "upload.bin"
	}

	return name
}
