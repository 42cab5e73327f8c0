package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/metrics"
	"cloudrelay/internal/server/provider"
)

// transfer is the state of one Run.
type transfer struct {
	*Relay
	job    Job
	conn   Conn
	client *http.Client

	sent     int64
	lastPoll time.Time
}

// sequential reads one chunk, forwards it, and waits for the provider before
// reading the next.
func (t *transfer) sequential(ctx context.Context) (*provider.RangeResult, error) {
	if t.job.TotalSize == 0 {
		return t.forward(ctx, nil, 0, 1)
	}

	for t.sent < t.job.TotalSize {
		chunk, err := t.read(ctx, t.sent)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			continue
		}
		res, err := t.forward(ctx, chunk, t.sent, 1)
		if err != nil {
			return nil, err
		}
		if res.Complete {
			return res, nil
		}
	}
	return nil, ErrIncomplete
}

type pendingChunk struct {
	buf   []byte
	start int64
}

// parallel lets the client keep sending while earlier chunks are in flight.
// The reader buffers up to Concurrency chunks, each holding a semaphore
// slot until the dispatcher has forwarded it. PUTs still go out one at a
// time in byte order.
func (t *transfer) parallel(ctx context.Context) (*provider.RangeResult, error) {
	if t.job.TotalSize == 0 {
		return t.forward(ctx, nil, 0, t.opts.Retries)
	}

	slots := semaphore.NewWeighted(int64(t.opts.Concurrency))
	queue := make(chan pendingChunk, t.opts.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)

		var received int64
		for received < t.job.TotalSize {
			if err := slots.Acquire(gctx, 1); err != nil {
				return err
			}
			chunk, err := t.read(gctx, received)
			if err != nil {
				slots.Release(1)
				return err
			}
			if len(chunk) == 0 {
				slots.Release(1)
				continue
			}

			buf := t.buffer(len(chunk))
			copy(buf, chunk)
			select {
			case queue <- pendingChunk{buf: buf, start: received}:
			case <-gctx.Done():
				t.release(buf)
				slots.Release(1)
				return gctx.Err()
			}
			received += int64(len(chunk))
		}
		return nil
	})

	var result *provider.RangeResult
	g.Go(func() error {
		for p := range queue {
			res, err := t.forward(gctx, p.buf, p.start, t.opts.Retries)
			t.release(p.buf)
			slots.Release(1)
			if err != nil {
				return err
			}
			if res.Complete {
				result = res
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrIncomplete
	}
	return result, nil
}

// read returns the next client chunk, rejecting one that would run past the
// declared size.
func (t *transfer) read(ctx context.Context, offset int64) ([]byte, error) {
	chunk, err := t.conn.ReadChunk(ctx)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrCancelled) {
			return nil, ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Stream.Wrap(fmt.Errorf("failed to read chunk at offset %d: %w", offset, err))
	}
	if offset+int64(len(chunk)) > t.job.TotalSize {
		return nil, ErrChunkOverflow
	}
	return chunk, nil
}

// forward PUTs one chunk at start, trying up to attempts times, and checks
// the provider's answer against the declared size.
func (t *transfer) forward(ctx context.Context, chunk []byte, start int64, attempts int) (*provider.RangeResult, error) {
	if err := t.checkpoint(ctx); err != nil {
		return nil, err
	}

	put := func() (*provider.RangeResult, error) {
		t.Usage.IncrementRequest(t.job.AccountID)
		res, err := t.Uploader.PutRange(ctx, t.client, t.job.SessionURL, chunk, start, t.job.TotalSize)
		if err != nil {
			if ctx.Err() != nil || !apperr.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}

	var res *provider.RangeResult
	var err error
	if attempts <= 1 {
		res, err = put()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		res, err = backoff.RetryNotifyWithData(put, t.backOff(ctx, attempts), func(err error, wait time.Duration) {
			metrics.RelayRetries.Inc()
			slog.Warn("retrying range put",
				"transfer_id", t.job.TransferID,
				"start", start,
				"wait", wait.String(),
				"error", err,
			)
		})
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("failed to forward bytes at offset %d: %w", start, err)
	}

	end := start + int64(len(chunk))
	switch {
	case res.Complete && end < t.job.TotalSize:
		return nil, ErrEarlyCompletion
	case !res.Complete && end >= t.job.TotalSize:
		return nil, ErrIncomplete
	}

	t.sent = end
	n := int64(len(chunk))
	t.Usage.IncrementUploadVolume(t.job.AccountID, n)
	metrics.RelayBytes.WithLabelValues(string(t.job.Mode)).Add(float64(n))

	if err := t.conn.Send(progressFrame(t.sent, t.job.TotalSize)); err != nil {
		return nil, apperr.Stream.Wrap(fmt.Errorf("failed to send progress: %w", err))
	}
	return res, nil
}

// checkpoint stops the transfer once it has been cancelled. The record is
// consulted at most once per StatusPollInterval.
func (t *transfer) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(context.Cause(ctx), ErrCancelled) {
			return ErrCancelled
		}
		return err
	}

	now := time.Now()
	if t.opts.StatusPollInterval > 0 && now.Sub(t.lastPoll) < t.opts.StatusPollInterval {
		return nil
	}
	t.lastPoll = now

	status, err := t.Store.GetStatus(ctx, t.job.TransferID)
	if err != nil {
		slog.Warn("failed to poll transfer status", "transfer_id", t.job.TransferID, "error", err)
		return nil
	}
	if status == database.StatusCancelled {
		return ErrCancelled
	}
	return nil
}

func (t *transfer) backOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryInitialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (t *transfer) buffer(n int) []byte {
	if t.Buffers == nil {
		return make([]byte, n)
	}
	return t.Buffers.Get(n)
}

func (t *transfer) release(buf []byte) {
	if t.Buffers != nil {
		t.Buffers.Put(buf)
	}
}
