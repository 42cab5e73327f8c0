package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudrelay/internal/server/apperr"
)

func TestContentRange(t *testing.T) {
	tests := []struct {
		name     string
		start    int64
		n        int64
		total    int64
		expected string
	}{
		{"first chunk", 0, 10, 100, "bytes 0-9/100"},
		{"middle chunk", 10, 45, 100, "bytes 10-54/100"},
		{"last chunk", 55, 45, 100, "bytes 55-99/100"},
		{"empty file", 0, 0, 0, "bytes */0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContentRange(tt.start, tt.n, tt.total))
		})
	}
}

func TestClient_CreateSession(t *testing.T) {
	t.Run("returns location header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
			assert.Equal(t, "1234", r.Header.Get("X-Upload-Content-Length"))
			assert.Equal(t, "text/plain", r.Header.Get("X-Upload-Content-Type"))
			w.Header().Set("Location", "https://upload.example/session/abc")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := New(Endpoints{UploadURL: srv.URL + "/upload"})
		loc, err := c.CreateSession(context.Background(), srv.Client(), FileMeta{
			Name: "a.txt", ContentType: "text/plain", Size: 1234, FolderID: "folder",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://upload.example/session/abc", loc)
	})

	t.Run("missing location is a remote error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := New(Endpoints{UploadURL: srv.URL})
		_, err := c.CreateSession(context.Background(), srv.Client(), FileMeta{Name: "a"})
		require.Error(t, err)
		assert.True(t, apperr.Remote.Has(err))
	})
}

func TestClient_PutRange(t *testing.T) {
	t.Run("308 asks for more bytes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes 0-3/8", r.Header.Get("Content-Range"))
			assert.Equal(t, int64(4), r.ContentLength)
			w.WriteHeader(http.StatusPermanentRedirect)
		}))
		defer srv.Close()

		res, err := New(Endpoints{}).PutRange(context.Background(), srv.Client(), srv.URL, []byte("abcd"), 0, 8)
		require.NoError(t, err)
		assert.False(t, res.Complete)
	})

	t.Run("200 returns remote id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"file-1","name":"a.txt"}`)
		}))
		defer srv.Close()

		res, err := New(Endpoints{}).PutRange(context.Background(), srv.Client(), srv.URL, []byte("efgh"), 4, 8)
		require.NoError(t, err)
		assert.True(t, res.Complete)
		assert.Equal(t, "file-1", res.RemoteID)
	})

	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := New(Endpoints{}).PutRange(context.Background(), srv.Client(), srv.URL, []byte("x"), 0, 1)
		require.Error(t, err)
		assert.True(t, apperr.Remote.Has(err))
		assert.True(t, apperr.IsTransient(err))
	})

	t.Run("client error is not transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad range", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := New(Endpoints{}).PutRange(context.Background(), srv.Client(), srv.URL, []byte("x"), 0, 1)
		require.Error(t, err)
		assert.False(t, apperr.IsTransient(err))
	})
}

func TestClient_About(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "storageQuota", r.URL.Query().Get("fields"))
		io.WriteString(w, `{"storageQuota":{"limit":"1000","usage":"250"}}`)
	}))
	defer srv.Close()

	q, err := New(Endpoints{AboutURL: srv.URL}).About(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, int64(250), q.Used)
	assert.Equal(t, int64(1000), q.Limit)
}

func TestClient_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/file-1", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	rc, size, err := New(Endpoints{FilesURL: srv.URL + "/files"}).Open(context.Background(), srv.Client(), "file-1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)
}
