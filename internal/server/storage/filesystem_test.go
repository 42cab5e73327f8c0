package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestFileSystemStore_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("writes file below base path", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		loc, err := store.Put(ctx, "user:u1/t1/report.pdf", bytes.NewReader([]byte("test content")), 12)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := filepath.Join(dir, "user:u1", "t1", "report.pdf")
		if loc != want {
			t.Errorf("expected location %s, got %s", want, loc)
		}
		content, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		if _, err := store.Put(ctx, "big/file", strings.NewReader(largeContent), int64(len(largeContent))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("removes partial file when reader fails", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		r := &failingReader{data: []byte("half"), err: errors.New("producer failed")}
		if _, err := store.Put(ctx, "a/b/c.bin", r, 8); err == nil {
			t.Fatal("expected error from failing reader")
		}

		entries, _ := os.ReadDir(filepath.Join(dir, "a", "b"))
		if len(entries) != 0 {
			t.Errorf("expected no files left behind, found %d", len(entries))
		}
	})

	t.Run("rejects short writes", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		if _, err := store.Put(ctx, "short", strings.NewReader("abc"), 10); err == nil {
			t.Error("expected error for size mismatch")
		}
	})

	t.Run("keeps escaping paths inside base", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		loc, err := store.Put(ctx, "../../outside", strings.NewReader(""), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loc != filepath.Join(dir, "outside") {
			t.Errorf("expected file inside %s, got %s", dir, loc)
		}
	})

	t.Run("concurrent writers to one name do not share a temp file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		payloads := []string{strings.Repeat("a", 64<<10), strings.Repeat("b", 64<<10)}
		var wg sync.WaitGroup
		errs := make([]error, len(payloads))
		for i, body := range payloads {
			wg.Add(1)
			go func(i int, body string) {
				defer wg.Done()
				_, errs[i] = store.Put(ctx, "t1/report.pdf", strings.NewReader(body), int64(len(body)))
			}(i, body)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("writer %d failed: %v", i, err)
			}
		}
		content, err := os.ReadFile(filepath.Join(dir, "t1", "report.pdf"))
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != payloads[0] && string(content) != payloads[1] {
			t.Errorf("expected one writer's complete content, got a mix of %d bytes", len(content))
		}
		entries, _ := os.ReadDir(filepath.Join(dir, "t1"))
		if len(entries) != 1 {
			t.Errorf("expected only the final file, found %d entries", len(entries))
		}
	})

	t.Run("rejects empty path", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		_, err := store.Put(ctx, "/", strings.NewReader(""), 0)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})
}

func TestFileSystemStore_EnsureContainer(t *testing.T) {
	t.Run("creates nested directory", func(t *testing.T) {
		base := t.TempDir()
		store := NewFileSystemStore(base)

		if err := store.EnsureContainer(context.Background(), "ip:10.0.0.1/t9"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(filepath.Join(base, "ip:10.0.0.1", "t9"))
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		for i := 0; i < 2; i++ {
			if err := store.EnsureContainer(context.Background(), "same"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	})
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b/c", "a/b/c", false},
		{"/a//b/", "a/b", false},
		{`a\b`, "a/b", false},
		{"a/../b", "b", false},
		{"../x", "x", false},
		{"", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanPath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
