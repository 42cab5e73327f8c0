package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPStore writes backups to a WebDAV-style server: MKCOL creates
// collections and PUT stores objects.
type HTTPStore struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

// NewHTTPStore creates an HTTP destination rooted at baseURL. A nil client
// uses http.DefaultClient.
func NewHTTPStore(baseURL, username, password string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backup URL %q", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{base: u, username: username, password: password, client: client}, nil
}

// EnsureContainer issues MKCOL for every segment of dir. Existing
// collections answer 405 and are accepted.
func (s *HTTPStore) EnsureContainer(ctx context.Context, dir string) error {
	clean, err := cleanPath(dir)
	if err != nil {
		return err
	}

	var prefix string
	for _, seg := range strings.Split(clean, "/") {
		prefix += "/" + seg
		resp, err := s.do(ctx, "MKCOL", prefix+"/", nil, 0)
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", prefix, err)
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusMethodNotAllowed:
		default:
			return fmt.Errorf("failed to create collection %s: unexpected status %d", prefix, resp.StatusCode)
		}
	}
	return nil
}

// Put uploads r to name with a single PUT.
func (s *HTTPStore) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	clean, err := cleanPath(name)
	if err != nil {
		return "", err
	}

	resp, err := s.do(ctx, http.MethodPut, "/"+clean, r, size)
	if err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return s.url("/" + clean), nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	return "", fmt.Errorf("failed to upload backup: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

func (s *HTTPStore) do(ctx context.Context, method, p string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url(p), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

func (s *HTTPStore) url(p string) string {
	u := *s.base
	u.Path += p
	return u.String()
}
