package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/admission"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/bufpool"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/provider"
)

const transferID = "t-1"

type fakeStore struct {
	mu       sync.Mutex
	status   database.TransferStatus
	reason   string
	remoteID string
	location string
}

func (s *fakeStore) GetStatus(ctx context.Context, id string) (database.TransferStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *fakeStore) MarkUploading(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != database.StatusPending {
		return database.ErrInvalidTransition
	}
	s.status = database.StatusUploading
	return nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, id, remoteID, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != database.StatusUploading {
		return database.ErrInvalidTransition
	}
	s.status, s.remoteID, s.location = database.StatusCompleted, remoteID, location
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != database.StatusPending && s.status != database.StatusUploading {
		return false, nil
	}
	s.status, s.reason = database.StatusFailed, reason
	return true, nil
}

func (s *fakeStore) setStatus(status database.TransferStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *fakeStore) get() (database.TransferStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.reason
}

type fakeConn struct {
	mu     sync.Mutex
	chunks [][]byte
	next   int
	eof    bool // return io.EOF instead of blocking once chunks run out
	frames []Frame
	closed bool
}

func (c *fakeConn) ReadChunk(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.next < len(c.chunks) {
		chunk := c.chunks[c.next]
		c.next++
		c.mu.Unlock()
		return chunk, nil
	}
	eof := c.eof
	c.mu.Unlock()

	if eof {
		return nil, io.EOF
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) framesOf(typ string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// fakeProvider accepts ordered ranges and completes once total bytes arrive.
type fakeProvider struct {
	mu       sync.Mutex
	total    int64
	received int64
	ranges   []string
	// fail returns a status to answer the nth request (1-based) with, or 0.
	fail  func(n int) int
	onPut func(n int)
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.ranges = append(p.ranges, r.Header.Get("Content-Range"))
	n := len(p.ranges)
	var status int
	if p.fail != nil {
		status = p.fail(n)
	}
	if status == 0 {
		p.received += int64(len(body))
	}
	done := p.received >= p.total
	p.mu.Unlock()

	if p.onPut != nil {
		p.onPut(n)
	}
	switch {
	case status != 0:
		w.WriteHeader(status)
	case done:
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"remote-1"}`)
	default:
		w.WriteHeader(http.StatusPermanentRedirect)
	}
}

func (p *fakeProvider) puts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ranges...)
}

type fakeBackups struct {
	mu  sync.Mutex
	ids []string
}

func (b *fakeBackups) Schedule(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, id)
	return true
}

type harness struct {
	relay     *Relay
	store     *fakeStore
	conn      *fakeConn
	provider  *fakeProvider
	admission *admission.Controller
	usage     *accounts.UsageTracker
	backups   *fakeBackups
	job       Job
}

func newHarness(t *testing.T, mode Mode, chunks [][]byte, total int64) *harness {
	t.Helper()

	fp := &fakeProvider{total: total}
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	pool := accounts.NewPool(nil, nil, accounts.Limits{})
	pool.Replace([]*accounts.Account{{ID: "acc-1", IsActive: true, Health: accounts.HealthHealthy}})

	h := &harness{
		store:     &fakeStore{status: database.StatusPending},
		conn:      &fakeConn{chunks: chunks},
		provider:  fp,
		admission: admission.New(admission.Config{}, nil),
		usage:     accounts.NewUsageTracker(),
		backups:   &fakeBackups{},
	}
	h.relay = New(Deps{
		Store:     h.store,
		Admission: h.admission,
		Uploader:  provider.New(provider.Endpoints{FilesURL: srv.URL + "/files"}),
		Accounts:  pool,
		Usage:     h.usage,
		Backups:   h.backups,
		Buffers:   bufpool.New(100, 4),
	}, Options{
		Concurrency:          4,
		Retries:              3,
		RetryInitialInterval: time.Millisecond,
	})
	h.job = Job{
		TransferID:    transferID,
		AccountID:     "acc-1",
		OwnerKey:      "user:u1",
		SessionURL:    srv.URL + "/session",
		TotalSize:     total,
		RetrievalPath: "/api/uploads/" + transferID,
		Mode:          mode,
	}
	return h
}

func (h *harness) run(ctx context.Context) error {
	return h.relay.Run(ctx, h.job, h.conn)
}

func makeChunks(n, size int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = bytes.Repeat([]byte{byte('a' + i)}, size)
	}
	return chunks
}

var modes = []Mode{ModeSequential, ModeParallel}

func TestRelay_Completes(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode, makeChunks(10, 100), 1000)

			require.NoError(t, h.run(context.Background()))

			puts := h.provider.puts()
			require.Len(t, puts, 10)
			for i, got := range puts {
				assert.Equal(t, provider.ContentRange(int64(i*100), 100, 1000), got)
			}

			status, _ := h.store.get()
			assert.Equal(t, database.StatusCompleted, status)
			assert.Equal(t, "remote-1", h.store.remoteID)
			assert.Contains(t, h.store.location, "/files/remote-1")

			progress := h.conn.framesOf(FrameProgress)
			require.Len(t, progress, 10)
			assert.Equal(t, 10, progress[0].Value)
			assert.Equal(t, 100, progress[9].Value)
			success := h.conn.framesOf(FrameSuccess)
			require.Len(t, success, 1)
			assert.Equal(t, h.job.RetrievalPath, success[0].Value)
			assert.True(t, h.conn.closed)

			assert.Equal(t, []string{transferID}, h.backups.ids)
			assert.Equal(t, 0, h.admission.Stats().Active)
			assert.Equal(t, accounts.Usage{RequestsThisMinute: 10, BytesToday: 1000}, h.usage.Usage("acc-1"))
		})
	}
}

func TestRelay_ZeroByteFile(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode, nil, 0)

			require.NoError(t, h.run(context.Background()))
			assert.Equal(t, []string{"bytes */0"}, h.provider.puts())
			status, _ := h.store.get()
			assert.Equal(t, database.StatusCompleted, status)
		})
	}
}

func TestRelay_CancelStopsForwarding(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode)+"/status", func(t *testing.T) {
			h := newHarness(t, mode, makeChunks(10, 100), 1000)
			h.provider.onPut = func(n int) {
				if n == 4 {
					h.store.setStatus(database.StatusCancelled)
				}
			}

			err := h.run(context.Background())
			require.ErrorIs(t, err, ErrCancelled)

			assert.Len(t, h.provider.puts(), 4, "no PUT after cancellation")
			status, reason := h.store.get()
			assert.Equal(t, database.StatusCancelled, status)
			assert.Empty(t, reason)
			assert.Empty(t, h.conn.framesOf(FrameError))
			assert.True(t, h.conn.closed)
			assert.Equal(t, 0, h.admission.Stats().Active)
			assert.Empty(t, h.backups.ids)
		})

		t.Run(string(mode)+"/token", func(t *testing.T) {
			// The client stops sending after four chunks, so the relay is
			// blocked in a read when the token fires.
			h := newHarness(t, mode, makeChunks(4, 100), 1000)
			ctx, cancel := context.WithCancelCause(context.Background())
			defer cancel(nil)
			h.provider.onPut = func(n int) {
				if n == 4 {
					h.store.setStatus(database.StatusCancelled)
					cancel(ErrCancelled)
				}
			}

			require.ErrorIs(t, h.run(ctx), ErrCancelled)
			assert.Len(t, h.provider.puts(), 4)
			status, _ := h.store.get()
			assert.Equal(t, database.StatusCancelled, status)
			assert.Empty(t, h.conn.framesOf(FrameError))
		})
	}
}

func TestRelay_Retries(t *testing.T) {
	t.Run("parallel retries transient failures", func(t *testing.T) {
		h := newHarness(t, ModeParallel, makeChunks(5, 100), 500)
		h.provider.fail = func(n int) int {
			if n == 3 || n == 4 {
				return http.StatusServiceUnavailable
			}
			return 0
		}

		require.NoError(t, h.run(context.Background()))
		puts := h.provider.puts()
		require.Len(t, puts, 7)
		assert.Equal(t, puts[2], puts[3])
		assert.Equal(t, puts[3], puts[4])
		status, _ := h.store.get()
		assert.Equal(t, database.StatusCompleted, status)
	})

	t.Run("parallel aborts after three attempts", func(t *testing.T) {
		h := newHarness(t, ModeParallel, makeChunks(5, 100), 500)
		h.provider.fail = func(n int) int {
			if n >= 3 {
				return http.StatusBadGateway
			}
			return 0
		}

		err := h.run(context.Background())
		require.Error(t, err)
		assert.True(t, apperr.Remote.Has(err))
		assert.Len(t, h.provider.puts(), 5)

		status, reason := h.store.get()
		assert.Equal(t, database.StatusFailed, status)
		assert.NotEmpty(t, reason)
		assert.Len(t, h.conn.framesOf(FrameError), 1)
		assert.Equal(t, 0, h.admission.Stats().Active)
	})

	t.Run("parallel does not retry rejected ranges", func(t *testing.T) {
		h := newHarness(t, ModeParallel, makeChunks(5, 100), 500)
		h.provider.fail = func(n int) int {
			if n == 2 {
				return http.StatusBadRequest
			}
			return 0
		}

		require.Error(t, h.run(context.Background()))
		assert.Len(t, h.provider.puts(), 2)
	})

	t.Run("sequential fails on first remote error", func(t *testing.T) {
		h := newHarness(t, ModeSequential, makeChunks(5, 100), 500)
		h.provider.fail = func(n int) int {
			if n == 2 {
				return http.StatusServiceUnavailable
			}
			return 0
		}

		require.Error(t, h.run(context.Background()))
		assert.Len(t, h.provider.puts(), 2)
		status, _ := h.store.get()
		assert.Equal(t, database.StatusFailed, status)
	})
}

func TestRelay_ProtocolErrors(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode)+"/chunk past declared size", func(t *testing.T) {
			h := newHarness(t, mode, makeChunks(3, 100), 250)

			err := h.run(context.Background())
			require.ErrorIs(t, err, ErrChunkOverflow)
			// The parallel reader may abort chunks it already queued.
			assert.LessOrEqual(t, len(h.provider.puts()), 2)
			if mode == ModeSequential {
				assert.Len(t, h.provider.puts(), 2)
			}
			status, _ := h.store.get()
			assert.Equal(t, database.StatusFailed, status)
			assert.Len(t, h.conn.framesOf(FrameError), 1)
		})

		t.Run(string(mode)+"/connection drops", func(t *testing.T) {
			h := newHarness(t, mode, makeChunks(3, 100), 1000)
			h.conn.eof = true

			err := h.run(context.Background())
			require.Error(t, err)
			assert.True(t, apperr.Stream.Has(err))
			assert.LessOrEqual(t, len(h.provider.puts()), 3)
			if mode == ModeSequential {
				assert.Len(t, h.provider.puts(), 3)
			}
			status, _ := h.store.get()
			assert.Equal(t, database.StatusFailed, status)
		})

		t.Run(string(mode)+"/provider completes early", func(t *testing.T) {
			h := newHarness(t, mode, makeChunks(3, 100), 300)
			h.provider.total = 100

			require.ErrorIs(t, h.run(context.Background()), ErrEarlyCompletion)
			assert.Len(t, h.provider.puts(), 1)
		})
	}
}

func TestRelay_AdmissionDenied(t *testing.T) {
	h := newHarness(t, ModeSequential, makeChunks(1, 10), 10)
	h.admission = admission.New(admission.Config{MaxPerUser: 1}, nil)
	h.relay.Admission = h.admission
	require.NoError(t, h.admission.Acquire("user:u1", "other", 0))

	err := h.run(context.Background())
	require.ErrorIs(t, err, admission.ErrUserLimit)

	assert.Empty(t, h.provider.puts())
	status, _ := h.store.get()
	assert.Equal(t, database.StatusPending, status, "a denied relay may be retried")
	assert.Len(t, h.conn.framesOf(FrameError), 1)
	assert.True(t, h.conn.closed)
	assert.True(t, h.admission.Holds("other"))
}

func TestRelay_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, ModeSequential, makeChunks(1, 10), 10)
	h.store.setStatus(database.StatusCancelled)

	require.ErrorIs(t, h.run(context.Background()), ErrCancelled)
	assert.Empty(t, h.provider.puts())
	assert.Equal(t, 0, h.admission.Stats().Active)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, m)

	m, err = ParseMode("parallel")
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, m)

	_, err = ParseMode("turbo")
	assert.Error(t, err)
}
