// Package backup replicates completed transfers from their storage account to
// a secondary destination.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/bufpool"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/metrics"
	"cloudrelay/internal/server/provider"
	"cloudrelay/internal/server/storage"
)

// queueDepth is how many chunks the producer may read ahead of the
// destination.
const queueDepth = 5

const DefaultChunkSize = 8 << 20

var (
	ErrNotCompleted = errors.New("transfer is not completed")
	ErrShortSource  = apperr.Stream.Wrap(errors.New("primary copy ended before its declared size"))
	ErrRunning      = errors.New("backup of this transfer is already running")
)

type Store interface {
	GetByID(ctx context.Context, id string) (*database.Transfer, error)
	SetBackupStatus(ctx context.Context, id string, status database.BackupStatus, path string) error
}

// Source opens the primary copy of a transfer.
type Source interface {
	Open(ctx context.Context, t *database.Transfer) (io.ReadCloser, error)
}

type AccountResolver interface {
	GetAccountByID(id string) (*accounts.Account, error)
}

// ProviderSource downloads primary copies through the owning account.
type ProviderSource struct {
	client   *provider.Client
	accounts AccountResolver
}

func NewProviderSource(client *provider.Client, resolver AccountResolver) *ProviderSource {
	return &ProviderSource{client: client, accounts: resolver}
}

func (s *ProviderSource) Open(ctx context.Context, t *database.Transfer) (io.ReadCloser, error) {
	account, err := s.accounts.GetAccountByID(t.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", t.AccountID, err)
	}
	rc, _, err := s.client.Open(ctx, account.Client(ctx), t.RemoteID)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Pipeline copies one transfer at a time.
type Pipeline struct {
	store     Store
	source    Source
	dest      storage.Destination
	buffers   *bufpool.Pool
	chunkSize int
	prefix    string

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPipeline creates a pipeline. buffers may be nil.
func NewPipeline(store Store, source Source, dest storage.Destination, buffers *bufpool.Pool, chunkSize int, prefix string) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pipeline{
		store:     store,
		source:    source,
		dest:      dest,
		buffers:   buffers,
		chunkSize: chunkSize,
		prefix:    prefix,
		running:   make(map[string]struct{}),
	}
}

// Transfer backs up a completed transfer. On failure the record's backup
// status becomes failed; its primary status and location are never touched.
// Only one backup of a transfer runs at a time; a second call returns
// ErrRunning without touching the record.
func (p *Pipeline) Transfer(ctx context.Context, transferID string) error {
	if !p.claim(transferID) {
		return ErrRunning
	}
	defer p.unclaim(transferID)

	t, err := p.store.GetByID(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status != database.StatusCompleted {
		return fmt.Errorf("%w: status is %s", ErrNotCompleted, t.Status)
	}

	if err := p.store.SetBackupStatus(ctx, t.ID, database.BackupInProgress, ""); err != nil {
		return err
	}

	// Final status writes outlive the job's deadline so the record never
	// stays in progress.
	final := context.WithoutCancel(ctx)

	location, err := p.copy(ctx, t)
	if err != nil {
		metrics.BackupResults.WithLabelValues("failed").Inc()
		p.markFailed(final, t.ID)
		return fmt.Errorf("failed to back up transfer %s: %w", t.ID, err)
	}

	if err := p.store.SetBackupStatus(final, t.ID, database.BackupCompleted, location); err != nil {
		metrics.BackupResults.WithLabelValues("failed").Inc()
		p.markFailed(final, t.ID)
		return fmt.Errorf("failed to record backup of transfer %s: %w", t.ID, err)
	}
	metrics.BackupResults.WithLabelValues("completed").Inc()
	slog.Info("backup completed",
		"transfer_id", t.ID,
		"location", location,
		"size", t.Size,
	)
	return nil
}

func (p *Pipeline) markFailed(ctx context.Context, id string) {
	if err := p.store.SetBackupStatus(ctx, id, database.BackupFailed, ""); err != nil {
		slog.Error("failed to record backup failure", "transfer_id", id, "error", err)
	}
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[id]; ok {
		return false
	}
	p.running[id] = struct{}{}
	return true
}

func (p *Pipeline) unclaim(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

// Dir is the destination directory of a transfer's backup.
func (p *Pipeline) Dir(t *database.Transfer) string {
	return path.Join(p.prefix, t.OwnerKey(), t.ID)
}

func (p *Pipeline) copy(ctx context.Context, t *database.Transfer) (string, error) {
	dir := p.Dir(t)
	if t.Size == 0 {
		if err := p.dest.EnsureContainer(ctx, dir); err != nil {
			return "", err
		}
		return dir, nil
	}

	src, err := p.source.Open(ctx, t)
	if err != nil {
		return "", fmt.Errorf("failed to open primary copy: %w", err)
	}
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan item, queueDepth)
	g.Go(func() error {
		return p.produce(gctx, src, items)
	})

	// Only open the destination once the primary has produced data, so a
	// source that fails immediately never creates an empty object.
	var first item
	var ok bool
	select {
	case first, ok = <-items:
	case <-gctx.Done():
		g.Wait()
		return "", gctx.Err()
	}
	if !ok {
		g.Wait()
		return "", ErrShortSource
	}
	if first.err != nil {
		g.Wait()
		return "", first.err
	}

	var location string
	g.Go(func() error {
		r := &chanReader{ctx: gctx, cur: first.data, buf: first.data, items: items, pool: p.buffers}
		loc, err := p.dest.Put(gctx, path.Join(dir, safeName(t.Filename)), r, t.Size)
		if err != nil {
			return err
		}
		location = loc
		// Let the producer finish if the destination stopped reading early.
		for range items {
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return location, nil
}

// item is one chunk or the producer's failure. A closed channel marks the end.
type item struct {
	data []byte
	err  error
}

func (p *Pipeline) produce(ctx context.Context, src io.Reader, items chan<- item) error {
	defer close(items)

	for {
		buf := p.getBuffer()
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			select {
			case items <- item{data: buf[:n]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		}

		err = apperr.Stream.Wrap(fmt.Errorf("failed to read primary copy: %w", err))
		select {
		case items <- item{err: err}:
		case <-ctx.Done():
		}
		return err
	}
}

func (p *Pipeline) getBuffer() []byte {
	if p.buffers == nil {
		return make([]byte, p.chunkSize)
	}
	return p.buffers.Get(p.chunkSize)
}

// chanReader presents the producer's chunks as an io.Reader.
type chanReader struct {
	ctx   context.Context
	cur   []byte // unread part of buf
	buf   []byte
	items <-chan item
	pool  *bufpool.Pool
}

func (r *chanReader) Read(b []byte) (int, error) {
	for len(r.cur) == 0 {
		r.recycle()
		select {
		case it, ok := <-r.items:
			if !ok {
				return 0, io.EOF
			}
			if it.err != nil {
				return 0, it.err
			}
			r.cur, r.buf = it.data, it.data
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	n := copy(b, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chanReader) recycle() {
	if r.buf != nil && r.pool != nil {
		r.pool.Put(r.buf)
	}
	r.buf = nil
}

// safeName keeps the base name of a client-supplied filename.
func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "file"
	}
	return name
}
