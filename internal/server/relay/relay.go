// Package relay forwards a client's chunk stream to a provider's resumable
// upload session as strictly ordered range PUTs.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/bufpool"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/metrics"
	"cloudrelay/internal/server/provider"
)

var (
	// ErrCancelled ends a relay whose transfer was cancelled. It is the
	// context cause set by the canceller and is never recorded as a failure.
	ErrCancelled = errors.New("transfer cancelled")

	ErrNotRelayable    = errors.New("transfer is not awaiting upload")
	ErrChunkOverflow   = apperr.Stream.Wrap(errors.New("chunk exceeds declared file size"))
	ErrEarlyCompletion = apperr.Remote.Wrap(errors.New("provider completed upload before the final byte"))
	ErrIncomplete      = apperr.Remote.Wrap(errors.New("provider did not complete upload after the final byte"))
)

// finalizeTimeout bounds record updates made after the transfer context ends.
const finalizeTimeout = 10 * time.Second

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ParseMode maps a query value to a Mode, defaulting to sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	}
	return "", fmt.Errorf("unknown relay mode %q", s)
}

// Job identifies one transfer to relay.
type Job struct {
	TransferID    string
	AccountID     string
	OwnerKey      string
	SessionURL    string
	TotalSize     int64
	RetrievalPath string
	Mode          Mode
}

// Store is the slice of the record store the relay needs.
type Store interface {
	GetStatus(ctx context.Context, id string) (database.TransferStatus, error)
	MarkUploading(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, remoteID, location string) error
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
}

type Admitter interface {
	Acquire(userID, transferID string, declaredSize int64) error
	Release(userID, transferID string) bool
}

type Uploader interface {
	PutRange(ctx context.Context, hc *http.Client, sessionURL string, chunk []byte, start, total int64) (*provider.RangeResult, error)
	FileURL(remoteID string) string
}

type AccountResolver interface {
	GetAccountByID(id string) (*accounts.Account, error)
}

type UsageRecorder interface {
	IncrementRequest(accountID string)
	IncrementUploadVolume(accountID string, n int64)
}

type BackupScheduler interface {
	Schedule(transferID string) bool
}

// Options tune forwarding.
type Options struct {
	// Concurrency bounds how many received chunks the parallel relay holds.
	Concurrency int
	// Retries is the number of attempts per range PUT in parallel mode.
	Retries int
	// StatusPollInterval throttles record status checks. Zero checks before
	// every remote call.
	StatusPollInterval time.Duration
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
}

// Deps are the relay's collaborators.
type Deps struct {
	Store     Store
	Admission Admitter
	Uploader  Uploader
	Accounts  AccountResolver
	Usage     UsageRecorder
	Backups   BackupScheduler
	Buffers   *bufpool.Pool
}

type Relay struct {
	Deps
	opts Options
}

func New(deps Deps, opts Options) *Relay {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 200 * time.Millisecond
	}
	return &Relay{Deps: deps, opts: opts}
}

// Run relays job over conn until completion, failure or cancellation. The
// connection is always closed on return. Cancel ctx with ErrCancelled as
// cause to stop the transfer without failing it.
func (r *Relay) Run(ctx context.Context, job Job, conn Conn) error {
	log := slog.With("transfer_id", job.TransferID, "account_id", job.AccountID, "mode", string(job.Mode))

	if err := r.Admission.Acquire(job.OwnerKey, job.TransferID, job.TotalSize); err != nil {
		r.reject(conn, err)
		return err
	}
	defer r.Admission.Release(job.OwnerKey, job.TransferID)

	account, err := r.Accounts.GetAccountByID(job.AccountID)
	if err != nil {
		err = apperr.Internal.Wrap(fmt.Errorf("failed to resolve account: %w", err))
		return r.fail(ctx, log, job, conn, err)
	}

	if err := r.Store.MarkUploading(ctx, job.TransferID); err != nil {
		if !errors.Is(err, database.ErrInvalidTransition) {
			return r.fail(ctx, log, job, conn, err)
		}
		status, serr := r.Store.GetStatus(ctx, job.TransferID)
		if serr == nil && status == database.StatusCancelled {
			return r.cancelled(log, job, conn)
		}
		r.reject(conn, ErrNotRelayable)
		return ErrNotRelayable
	}

	t := &transfer{
		Relay:  r,
		job:    job,
		conn:   conn,
		client: account.Client(ctx),
	}

	var res *provider.RangeResult
	if job.Mode == ModeParallel {
		res, err = t.parallel(ctx)
	} else {
		res, err = t.sequential(ctx)
	}

	if err == nil {
		return r.complete(ctx, log, job, conn, res)
	}
	if errors.Is(err, ErrCancelled) || errors.Is(context.Cause(ctx), ErrCancelled) {
		return r.cancelled(log, job, conn)
	}
	return r.fail(ctx, log, job, conn, err)
}

func (r *Relay) complete(ctx context.Context, log *slog.Logger, job Job, conn Conn, res *provider.RangeResult) error {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	location := r.Uploader.FileURL(res.RemoteID)
	if err := r.Store.MarkCompleted(fctx, job.TransferID, res.RemoteID, location); err != nil {
		return r.fail(ctx, log, job, conn, fmt.Errorf("failed to finalize transfer: %w", err))
	}

	metrics.RelayTransfers.WithLabelValues(string(job.Mode), "completed").Inc()
	log.Info("transfer completed", "remote_id", res.RemoteID, "size", job.TotalSize)

	if r.Backups != nil && !r.Backups.Schedule(job.TransferID) {
		log.Warn("backup not scheduled")
	}

	conn.Send(Frame{Type: FrameSuccess, Value: job.RetrievalPath})
	conn.Close("upload complete")
	return nil
}

func (r *Relay) cancelled(log *slog.Logger, job Job, conn Conn) error {
	metrics.RelayTransfers.WithLabelValues(string(job.Mode), "cancelled").Inc()
	log.Info("transfer cancelled")
	conn.Close("transfer cancelled")
	return ErrCancelled
}

// fail records err on the transfer unless it was cancelled meanwhile, then
// tells the client once and closes.
func (r *Relay) fail(ctx context.Context, log *slog.Logger, job Job, conn Conn, err error) error {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	marked, merr := r.Store.MarkFailed(fctx, job.TransferID, err.Error())
	if merr != nil {
		log.Error("failed to mark transfer failed", "error", merr)
	}
	if merr == nil && !marked {
		if status, serr := r.Store.GetStatus(fctx, job.TransferID); serr == nil && status == database.StatusCancelled {
			return r.cancelled(log, job, conn)
		}
	}

	metrics.RelayTransfers.WithLabelValues(string(job.Mode), "failed").Inc()
	log.Error("transfer failed", "error", err)

	r.reject(conn, err)
	return err
}

func (r *Relay) reject(conn Conn, err error) {
	conn.Send(Frame{Type: FrameError, Value: clientMessage(err)})
	conn.Close("upload failed")
}

// clientMessage hides internal failures from the client.
func clientMessage(err error) string {
	if apperr.Internal.Has(err) {
		return "internal error"
	}
	return err.Error()
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
