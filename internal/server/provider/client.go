// Package provider talks to a remote storage account over its resumable
// upload REST API. Callers supply the authorized *http.Client for the
// account; this package never sees credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"cloudrelay/internal/server/apperr"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 4 << 10

var ErrNoSessionURL = errors.New("provider did not return a session URL")

// RemoteError is a non-success response (or a transport failure when
// StatusCode is 0) from the provider.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *RemoteError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Endpoints locates the provider API.
type Endpoints struct {
	UploadURL string // resumable session creation
	FilesURL  string // file metadata and media download
	AboutURL  string // account quota
}

// Client issues provider requests.
type Client struct {
	endpoints Endpoints
}

// New creates a provider client for the given endpoints.
func New(endpoints Endpoints) *Client {
	return &Client{endpoints: endpoints}
}

// FileMeta describes the file a resumable session is opened for.
type FileMeta struct {
	Name        string
	ContentType string
	Size        int64
	FolderID    string
}

// CreateSession mints a resumable upload session and returns its URL.
func (c *Client) CreateSession(ctx context.Context, hc *http.Client, meta FileMeta) (string, error) {
	body := map[string]any{"name": meta.Name}
	if meta.FolderID != "" {
		body["parents"] = []string{meta.FolderID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode file metadata: %w", err)
	}

	u, err := url.Parse(c.endpoints.UploadURL)
	if err != nil {
		return "", fmt.Errorf("invalid upload endpoint: %w", err)
	}
	q := u.Query()
	q.Set("uploadType", "resumable")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", meta.ContentType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(meta.Size, 10))

	resp, err := hc.Do(req)
	if err != nil {
		return "", apperr.Remote.Wrap(&RemoteError{Op: "create session", Err: err})
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apperr.Remote.Wrap(newRemoteError("create session", resp))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", apperr.Remote.Wrap(ErrNoSessionURL)
	}
	return location, nil
}

// RangeResult is the provider's answer to one range PUT.
type RangeResult struct {
	// Complete is true once the provider has the whole file.
	Complete bool
	// RemoteID is the provider's file identifier, set when Complete.
	RemoteID string
}

// ContentRange formats the Content-Range header for n bytes starting at start.
func ContentRange(start, n, total int64) string {
	if n == 0 {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, start+n-1, total)
}

// PutRange sends one chunk of a resumable upload. A 308 response means the
// provider wants more bytes; 200/201 carries the finished file's id.
func (c *Client) PutRange(ctx context.Context, hc *http.Client, sessionURL string, chunk []byte, start, total int64) (*RangeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("failed to build range request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", ContentRange(start, int64(len(chunk)), total))

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperr.Remote.Wrap(&RemoteError{Op: "put range", Err: err})
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		return &RangeResult{}, nil
	case http.StatusOK, http.StatusCreated:
		var file struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&file); err != nil {
			return nil, apperr.Remote.New("put range: failed to decode completion body: %v", err)
		}
		if file.ID == "" {
			return nil, apperr.Remote.New("put range: completion body has no file id")
		}
		return &RangeResult{Complete: true, RemoteID: file.ID}, nil
	default:
		return nil, apperr.Remote.Wrap(newRemoteError("put range", resp))
	}
}

// Open streams a stored file's content. The caller closes the reader.
func (c *Client) Open(ctx context.Context, hc *http.Client, remoteID string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(remoteID)+"?alt=media", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, apperr.Remote.Wrap(&RemoteError{Op: "open file", Err: err})
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp.Body)
		return nil, 0, apperr.Remote.Wrap(newRemoteError("open file", resp))
	}
	return resp.Body, resp.ContentLength, nil
}

// Quota is an account's storage usage as reported by the provider.
type Quota struct {
	Used  int64
	Limit int64 // 0 means unlimited
}

// About probes the account's storage quota.
func (c *Client) About(ctx context.Context, hc *http.Client) (*Quota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.AboutURL+"?fields=storageQuota", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build quota request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperr.Remote.Wrap(&RemoteError{Op: "about", Err: err})
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Remote.Wrap(newRemoteError("about", resp))
	}

	// The provider encodes int64 values as JSON strings.
	var about struct {
		StorageQuota struct {
			Limit string `json:"limit"`
			Usage string `json:"usage"`
		} `json:"storageQuota"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		return nil, apperr.Remote.New("about: failed to decode body: %v", err)
	}

	q := &Quota{}
	if s := about.StorageQuota.Usage; s != "" {
		if q.Used, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, apperr.Remote.New("about: invalid usage %q", s)
		}
	}
	if s := about.StorageQuota.Limit; s != "" {
		if q.Limit, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, apperr.Remote.New("about: invalid limit %q", s)
		}
	}
	return q, nil
}

// FileURL is the canonical storage location of a remote file.
func (c *Client) FileURL(remoteID string) string {
	return c.endpoints.FilesURL + "/" + url.PathEscape(remoteID)
}

func newRemoteError(op string, resp *http.Response) *RemoteError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RemoteError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
