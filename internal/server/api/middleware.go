package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	tollbooth "github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"

	"cloudrelay/internal/server/quota"
)

const requesterKey = "requester"

// CustomValidator runs go-playground validation from c.Validate.
type CustomValidator struct {
	V *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	return cv.V.Struct(i)
}

// NewRateLimiter creates a per-IP limiter. Every token bucket expires an
// hour after it was last set.
func NewRateLimiter(rps float64) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: time.Hour,
		ExpireJobInterval:    time.Minute,
	})
	lmt.SetMessage(`{"error":"rate limit exceeded, try again later"}`)
	lmt.SetMessageContentType("application/json; charset=utf-8")
	return lmt
}

// LimitHandler returns an echo middleware that enforces lmt per client IP.
// The IP is c.RealIP(), so forwarded headers count only when the router's
// IPExtractor trusts them.
func LimitHandler(lmt *limiter.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if herr := tollbooth.LimitByKeys(lmt, []string{c.RealIP()}); herr != nil {
				slog.Warn("rate limit exceeded", "ip", c.RealIP(), "path", c.Request().URL.Path)
				return c.Blob(herr.StatusCode, lmt.GetMessageContentType(), []byte(herr.Message))
			}
			return next(c)
		}
	}
}

// Identity resolves who a request is charged to. Authentication happens
// upstream; the gateway forwards the user id in header. Requests without it
// are anonymous and keyed by client IP.
func Identity(header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(requesterKey, quota.Requester{
				UserID: strings.TrimSpace(c.Request().Header.Get(header)),
				IP:     c.RealIP(),
			})
			return next(c)
		}
	}
}

// IPExtractor maps a CLIENT_IP_SOURCE value to an echo IP extractor.
// Unknown values fall back to the TCP peer address. Forwarded headers are
// only read when the peer is a loopback, link-local or private address.
func IPExtractor(source string) echo.IPExtractor {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "x-forwarded-for":
		return echo.ExtractIPFromXFFHeader()
	case "x-real-ip":
		return echo.ExtractIPFromRealIPHeader()
	case "", "direct":
	default:
		slog.Warn("unknown client ip source, using direct", "client_ip_source", source)
	}
	return echo.ExtractIPDirect()
}

func requester(c echo.Context) quota.Requester {
	if r, ok := c.Get(requesterKey).(quota.Requester); ok {
		return r
	}
	return quota.Requester{IP: c.RealIP()}
}

// AdminAuth accepts a bearer key matching the bcrypt hash. An empty hash
// disables the admin surface.
func AdminAuth(keyHash string) echo.MiddlewareFunc {
	if keyHash == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusForbidden, "admin access is disabled")
			}
		}
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			if bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				slog.Warn("admin authentication failed", "ip", c.RealIP())
				return false, nil
			}
			return true, nil
		},
	})
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status
				// below is the one the client saw.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return nil
		}
	}
}
