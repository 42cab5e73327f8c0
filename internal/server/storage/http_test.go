package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// davServer is a minimal in-memory MKCOL/PUT server.
type davServer struct {
	mu    sync.Mutex
	cols  map[string]bool
	files map[string]string
	auth  string
}

func newDAVServer(t *testing.T) (*davServer, *httptest.Server) {
	d := &davServer{cols: map[string]bool{}, files: map[string]string{}}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *davServer) state() (cols map[string]bool, files map[string]string, auth string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cols, d.files, d.auth
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, pass, _ := r.BasicAuth()
	d.auth = user + ":" + pass

	switch r.Method {
	case "MKCOL":
		if d.cols[r.URL.Path] {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d.cols[r.URL.Path] = true
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.files[r.URL.Path] = string(body)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPStore(t *testing.T) {
	ctx := context.Background()

	t.Run("creates every collection level", func(t *testing.T) {
		d, srv := newDAVServer(t)
		store, err := NewHTTPStore(srv.URL+"/dav/", "backup", "secret", srv.Client())
		require.NoError(t, err)

		require.NoError(t, store.EnsureContainer(ctx, "user:u1/t1"))
		require.NoError(t, store.EnsureContainer(ctx, "user:u1/t1"), "existing collections are fine")

		cols, _, auth := d.state()
		assert.True(t, cols["/dav/user:u1/"])
		assert.True(t, cols["/dav/user:u1/t1/"])
		assert.Equal(t, "backup:secret", auth)
	})

	t.Run("puts object", func(t *testing.T) {
		d, srv := newDAVServer(t)
		store, err := NewHTTPStore(srv.URL+"/dav", "", "", srv.Client())
		require.NoError(t, err)

		loc, err := store.Put(ctx, "a/b.txt", strings.NewReader("hello"), 5)
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/dav/a/b.txt", loc)
		_, files, _ := d.state()
		assert.Equal(t, "hello", files["/dav/a/b.txt"])
	})

	t.Run("reader failure aborts the request", func(t *testing.T) {
		d, srv := newDAVServer(t)
		store, err := NewHTTPStore(srv.URL, "", "", srv.Client())
		require.NoError(t, err)

		r := &failingReader{data: []byte("par"), err: errors.New("producer failed")}
		_, err = store.Put(ctx, "x/y", r, 10)
		require.Error(t, err)
		_, files, _ := d.state()
		assert.Len(t, files, 0)
	})

	t.Run("invalid base URL", func(t *testing.T) {
		_, err := NewHTTPStore("not a url", "", "", nil)
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	d, err := Open(Options{Kind: KindFilesystem, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSystemStore{}, d)

	d, err = Open(Options{Kind: KindS3, S3Endpoint: "localhost:9000", S3Bucket: "b"})
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, d)

	_, err = Open(Options{Kind: "tape"})
	assert.Error(t, err)
}
