// Package client talks to a cloudrelay server: it initiates uploads, streams
// file bytes over the relay socket and queries transfer state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultUserHeader = "X-User-ID"

var ErrRelayClosed = errors.New("relay closed before the upload completed")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status     int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("server returned %d: %s (retry after %ss)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// RelayError is an error frame sent by the server during a relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "relay failed: " + e.Message
}

type InitiateRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Public      bool   `json:"public"`
}

type Initiated struct {
	TransferID string `json:"transfer_id"`
	RelayURL   string `json:"relay_url"`
	ChunkSize  int    `json:"chunk_size"`
	AccountID  string `json:"account_id"`
}

type Transfer struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	Size            int64      `json:"size"`
	ContentType     string     `json:"content_type"`
	Status          string     `json:"status"`
	StorageLocation string     `json:"storage_location,omitempty"`
	BackupStatus    string     `json:"backup_status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	IsPublic        bool       `json:"is_public"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type Quota struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	MaxFileSize int64     `json:"max_file_size"`
	ResetsAt    time.Time `json:"resets_at"`
	Anonymous   bool      `json:"anonymous"`
}

type Client struct {
	BaseURL    string
	UserID     string
	UserHeader string

	http   *http.Client
	dialer *websocket.Dialer
}

func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		UserID:     userID,
		UserHeader: DefaultUserHeader,
		http:       &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*Initiated, error) {
	var out Initiated
	if err := c.do(ctx, http.MethodPost, "/api/uploads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/api/uploads/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/uploads/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	var out struct {
		Quota Quota `json:"quota"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/quota", nil, &out); err != nil {
		return nil, err
	}
	return &out.Quota, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setIdentity(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		var msg struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&msg) == nil {
			apiErr.Message = msg.Error
			if apiErr.Message == "" {
				apiErr.Message = msg.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setIdentity(h http.Header) {
	if c.UserID != "" {
		h.Set(c.UserHeader, c.UserID)
	}
}

// relayURL turns the relay path returned by Initiate into a socket URL.
func (c *Client) relayURL(relayPath, mode string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ref, err := url.Parse(relayPath)
	if err != nil {
		return "", fmt.Errorf("invalid relay path: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	q := ref.Query()
	if mode != "" {
		q.Set("mode", mode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type frame struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Relay streams r to the server in chunkSize binary messages and waits for
// the terminal frame. onProgress, if set, receives each percentage reported.
// It returns the retrieval path from the success frame.
func (c *Client) Relay(ctx context.Context, relayPath, mode string, r io.Reader, chunkSize int, onProgress func(int)) (string, error) {
	if chunkSize <= 0 {
		return "", fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	target, err := c.relayURL(relayPath, mode)
	if err != nil {
		return "", err
	}

	header := http.Header{}
	c.setIdentity(header)
	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return "", &APIError{Status: resp.StatusCode, Message: "relay upgrade refused"}
		}
		return "", fmt.Errorf("failed to open relay: %w", err)
	}
	defer ws.Close()

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				done <- result{err: ErrRelayClosed}
				return
			}
			switch f.Type {
			case "progress":
				var pct int
				if json.Unmarshal(f.Value, &pct) == nil && onProgress != nil {
					onProgress(pct)
				}
			case "success":
				var path string
				json.Unmarshal(f.Value, &path)
				done <- result{path: path}
				return
			case "error":
				var msg string
				json.Unmarshal(f.Value, &msg)
				done <- result{err: &RelayError{Message: msg}}
				return
			}
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		select {
		case res := <-done:
			return res.path, res.err
		case <-ctx.Done():
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "client cancelled"))
			return "", ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				// The server may have closed after an error frame.
				select {
				case res := <-done:
					return res.path, res.err
				case <-time.After(time.Second):
					return "", fmt.Errorf("failed to send chunk: %w", err)
				}
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "read failed"))
			return "", fmt.Errorf("failed to read source: %w", readErr)
		}
	}

	select {
	case res := <-done:
		return res.path, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
