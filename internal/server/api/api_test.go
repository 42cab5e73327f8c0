package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/config"
	"cloudrelay/internal/server/quota"
	"cloudrelay/internal/server/relay"
	"cloudrelay/internal/server/scheduler"
	"cloudrelay/internal/server/service"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"not found", service.ErrNotFound, http.StatusNotFound, false},
		{"not relayable", relay.ErrNotRelayable, http.StatusConflict, false},
		{"not cancellable", service.ErrNotCancellable, http.StatusConflict, false},
		{"quota", apperr.Capacity.Wrap(&quota.Exceeded{Reason: quota.ReasonDailyLimit, Limit: 10, Used: 9, Requested: 2}), http.StatusTooManyRequests, true},
		{"no account", fmt.Errorf("initiate: %w", accounts.ErrNoAccountAvailable), http.StatusServiceUnavailable, true},
		{"backup queue", service.ErrBackupQueueFull, http.StatusServiceUnavailable, true},
		{"provider", apperr.Remote.Wrap(errors.New("503")), http.StatusBadGateway, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, false},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			require.NoError(t, mapServiceError(c, tt.err))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestMapServiceError_HidesInternals(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, mapServiceError(c, errors.New("password=hunter2")))
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestIdentity(t *testing.T) {
	e := echo.New()
	var got quota.Requester
	e.GET("/", func(c echo.Context) error {
		got = requester(c)
		return c.NoContent(http.StatusOK)
	}, Identity("X-User-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", " u-42 ")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, quota.Requester{UserID: "u-42", IP: "198.51.100.4"}, got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.5")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, got.Anonymous())
	assert.Equal(t, "ip:198.51.100.5", got.Key())
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	newServer := func(keyHash string) *echo.Echo {
		e := echo.New()
		g := e.Group("/admin", AdminAuth(keyHash))
		g.GET("/stats", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
		return e
	}

	call := func(e *echo.Echo, auth string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
		if auth != "" {
			req.Header.Set(echo.HeaderAuthorization, auth)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	e := newServer(string(hash))
	assert.Equal(t, http.StatusOK, call(e, "Bearer s3cret"))
	assert.Equal(t, http.StatusUnauthorized, call(e, "Bearer wrong"))
	assert.Equal(t, http.StatusBadRequest, call(e, ""))

	assert.Equal(t, http.StatusForbidden, call(newServer(""), "Bearer s3cret"))
}

func TestLimitHandler(t *testing.T) {
	e := echo.New()
	e.POST("/api/uploads", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, LimitHandler(NewRateLimiter(1)))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		req.Header.Set("X-Real-IP", "192.0.2.10")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, call().Code)
	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestSetupRouter_ValidatesInitiate(t *testing.T) {
	sched := scheduler.New(scheduler.Config{AdminWorkers: 1, OrdinaryWorkers: 1, Skipper: StreamingSkipper})
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer func() {
		cancel()
		sched.Wait()
	}()

	cfg := &config.Config{
		UserIDHeader:    "X-User-ID",
		AdminPathPrefix: "/admin",
		RateLimitRPS:    100,
	}
	e := SetupRouter(&Handler{}, sched, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(`{"size": 10}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Filename")
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestSetupRouter_InitiateLimitUsesTrustedIP(t *testing.T) {
	newRouter := func(source string) *echo.Echo {
		sched := scheduler.New(scheduler.Config{AdminWorkers: 1, OrdinaryWorkers: 1, Skipper: StreamingSkipper})
		ctx, cancel := context.WithCancel(context.Background())
		sched.Start(ctx)
		t.Cleanup(func() {
			cancel()
			sched.Wait()
		})
		return SetupRouter(&Handler{}, sched, &config.Config{
			UserIDHeader:    "X-User-ID",
			AdminPathPrefix: "/admin",
			RateLimitRPS:    1,
			ClientIPSource:  source,
		})
	}

	initiate := func(e *echo.Echo, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(`{"size": 10}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderXForwardedFor, forwardedFor)
		req.RemoteAddr = "10.0.0.5:4321"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("rotating X-Forwarded-For does not reset the limit", func(t *testing.T) {
		e := newRouter("direct")
		assert.Equal(t, http.StatusBadRequest, initiate(e, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, initiate(e, "203.0.113.2"))
	})

	t.Run("trusted X-Forwarded-For keys by forwarded client", func(t *testing.T) {
		e := newRouter("x-forwarded-for")
		assert.Equal(t, http.StatusBadRequest, initiate(e, "203.0.113.1"))
		assert.Equal(t, http.StatusBadRequest, initiate(e, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, initiate(e, "203.0.113.2"))
	})
}

func TestIPExtractor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	req.Header.Set(echo.HeaderXForwardedFor, "203.0.113.9")
	req.Header.Set(echo.HeaderXRealIP, "198.51.100.7")

	tests := []struct {
		source, want string
	}{
		{"direct", "10.0.0.5"},
		{"", "10.0.0.5"},
		{"bogus", "10.0.0.5"},
		{"x-forwarded-for", "203.0.113.9"},
		{"X-Real-IP", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, IPExtractor(tt.source)(req))
		})
	}

	t.Run("untrusted peer cannot forward", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.50:4321"
		req.Header.Set(echo.HeaderXForwardedFor, "203.0.113.9")
		assert.Equal(t, "192.0.2.50", IPExtractor("x-forwarded-for")(req))
	})
}

// wsPair returns a server-side wsConn and the client socket talking to it.
func wsPair(t *testing.T) (*wsConn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *wsConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- newWSConn(ws, 1024)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-serverSide:
		return c, client
	case <-time.After(time.Second):
		t.Fatal("websocket handshake timed out")
		return nil, nil
	}
}

func TestWSConn_ReadChunk(t *testing.T) {
	t.Run("binary messages only", func(t *testing.T) {
		conn, client := wsPair(t)
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
		require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

		chunk, err := conn.ReadChunk(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, chunk)
	})

	t.Run("normal close is EOF", func(t *testing.T) {
		conn, client := wsPair(t)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		require.NoError(t, client.WriteMessage(websocket.CloseMessage, msg))

		_, err := conn.ReadChunk(context.Background())
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("context cancellation unblocks the read", func(t *testing.T) {
		conn, _ := wsPair(t)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := conn.ReadChunk(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("oversized message", func(t *testing.T) {
		conn, client := wsPair(t)
		require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)))

		_, err := conn.ReadChunk(context.Background())
		assert.Error(t, err)
	})
}

func TestWSConn_SendAndClose(t *testing.T) {
	conn, client := wsPair(t)

	require.NoError(t, conn.Send(relay.Frame{Type: relay.FrameSuccess, Value: "/api/uploads/t-1"}))
	require.NoError(t, conn.Close("upload complete"))
	require.NoError(t, conn.Close("again"))
	assert.Error(t, conn.Send(relay.Frame{Type: relay.FrameProgress, Value: 1}))

	var f map[string]any
	require.NoError(t, client.ReadJSON(&f))
	assert.Equal(t, "success", f["type"])
	assert.Equal(t, "/api/uploads/t-1", f["value"])

	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "upload complete", closeErr.Text)
}
