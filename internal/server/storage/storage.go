// Package storage implements the destinations completed transfers are
// backed up to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Destination is a backup store addressed by slash-separated relative paths.
type Destination interface {
	// EnsureContainer creates the directory (or prefix) dir if missing.
	EnsureContainer(ctx context.Context, dir string) error
	// Put writes size bytes from r to name and returns the stored location.
	// A read error from r aborts the write and leaves no object behind.
	Put(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

var ErrInvalidPath = errors.New("invalid storage path")

// Kinds accepted by Open.
const (
	KindFilesystem = "filesystem"
	KindHTTP       = "http"
	KindS3         = "s3"
)

// Options select and configure a destination.
type Options struct {
	Kind     string
	Path     string // filesystem root
	URL      string // http base URL
	Username string
	Password string

	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// Open builds the destination described by opts.
func Open(opts Options) (Destination, error) {
	switch opts.Kind {
	case KindFilesystem, "":
		return NewFileSystemStore(opts.Path), nil
	case KindHTTP:
		return NewHTTPStore(opts.URL, opts.Username, opts.Password, nil)
	case KindS3:
		return NewS3Store(opts.S3Endpoint, opts.S3Bucket, opts.S3AccessKey, opts.S3SecretKey, opts.S3UseSSL)
	}
	return nil, fmt.Errorf("unknown backup destination %q", opts.Kind)
}

// cleanPath normalizes p relative to the destination root. Leading ".."
// segments are dropped, so the result never leaves the root.
func cleanPath(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}
