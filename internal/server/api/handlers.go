package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/admission"
	"cloudrelay/internal/server/apperr"
	"cloudrelay/internal/server/bufpool"
	"cloudrelay/internal/server/quota"
	"cloudrelay/internal/server/relay"
	"cloudrelay/internal/server/service"
)

// HealthChecker reports database connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the relay API.
type Handler struct {
	svc        *service.UploadService
	db         HealthChecker
	pool       *accounts.Pool
	admission  *admission.Controller
	buffers    *bufpool.Pool
	upgrader   websocket.Upgrader
	maxMessage int64
}

// HandlerDeps groups the handler's collaborators.
type HandlerDeps struct {
	Service   *service.UploadService
	DB        HealthChecker
	Pool      *accounts.Pool
	Admission *admission.Controller
	Buffers   *bufpool.Pool
	ChunkSize int
}

// NewHandler creates a new handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		svc:       deps.Service,
		db:        deps.DB,
		pool:      deps.Pool,
		admission: deps.Admission,
		buffers:   deps.Buffers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			// Identity comes from the gateway, not from cookies, so
			// cross-origin sockets carry no ambient authority.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		// Clients are told the chunk size at initiation; leave room for
		// ones that batch a little.
		maxMessage: int64(deps.ChunkSize) * 2,
	}
}

// HandleInitiate handles POST /api/uploads.
func (h *Handler) HandleInitiate(c echo.Context) error {
	var req service.InitiateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	res, err := h.svc.Initiate(c.Request().Context(), requester(c), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// HandleRelay handles GET /api/uploads/:id/relay.
// Upgrades to a WebSocket and relays binary chunks to the provider.
func (h *Handler) HandleRelay(c echo.Context) error {
	mode, err := relay.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	ctx := c.Request().Context()
	job, err := h.svc.PrepareRelay(ctx, requester(c), c.Param("id"), mode)
	if err != nil {
		return mapServiceError(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an error response.
		slog.Warn("websocket upgrade failed", "transfer_id", job.TransferID, "error", err)
		return nil
	}

	err = h.svc.Relay(ctx, job, newWSConn(ws, h.maxMessage))
	if err != nil && !errors.Is(err, relay.ErrCancelled) {
		slog.Debug("relay ended with error", "transfer_id", job.TransferID, "error", err)
	}
	return nil
}

// HandleCancel handles POST /api/uploads/:id/cancel.
func (h *Handler) HandleCancel(c echo.Context) error {
	if err := h.svc.Cancel(c.Request().Context(), requester(c), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "cancelled"})
}

// HandleInfo handles GET /api/uploads/:id.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.svc.Info(c.Request().Context(), requester(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleQuota handles GET /api/quota.
func (h *Handler) HandleQuota(c echo.Context) error {
	info, err := h.svc.Quota(c.Request().Context(), requester(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"quota":           info,
		"used_human":      humanize.IBytes(uint64(info.Used)),
		"remaining_human": humanize.IBytes(uint64(info.Remaining)),
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
		"accounts": len(h.pool.Accounts()),
	})
}

type accountView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Active             bool      `json:"active"`
	Health             string    `json:"health"`
	StorageUsed        int64     `json:"storage_used"`
	StorageQuota       int64     `json:"storage_quota"`
	StorageUsedHuman   string    `json:"storage_used_human"`
	RequestsThisMinute int       `json:"requests_this_minute"`
	BytesToday         int64     `json:"bytes_today"`
	LastQuotaCheck     time.Time `json:"last_quota_check"`
}

// HandleAccounts handles GET /admin/accounts.
func (h *Handler) HandleAccounts(c echo.Context) error {
	list := h.pool.Accounts()
	views := make([]accountView, 0, len(list))
	for _, a := range list {
		u := h.pool.Usage().Usage(a.ID)
		views = append(views, accountView{
			ID:                 a.ID,
			Name:               a.Name,
			Active:             a.IsActive,
			Health:             string(a.Health),
			StorageUsed:        a.StorageUsed,
			StorageQuota:       a.StorageQuota,
			StorageUsedHuman:   humanize.IBytes(uint64(a.StorageUsed)),
			RequestsThisMinute: u.RequestsThisMinute,
			BytesToday:         u.BytesToday,
			LastQuotaCheck:     a.LastQuotaCheck,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"accounts": views})
}

// HandleReloadAccounts handles POST /admin/accounts/reload.
func (h *Handler) HandleReloadAccounts(c echo.Context) error {
	if err := h.pool.Reload(c.Request().Context()); err != nil {
		slog.Error("failed to reload accounts", "error", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "failed to reload accounts"})
	}
	return c.JSON(http.StatusOK, echo.Map{"accounts": len(h.pool.Accounts())})
}

// HandleAdmission handles GET /admin/admission.
func (h *Handler) HandleAdmission(c echo.Context) error {
	stats := h.admission.Stats()
	return c.JSON(http.StatusOK, echo.Map{
		"admission":      stats,
		"reserved_human": humanize.IBytes(stats.ReservedBytes),
		"buffers":        h.buffers.Stats(),
		"relaying":       len(h.svc.ActiveRelays()),
	})
}

// HandleRetryBackup handles POST /admin/uploads/:id/backup.
func (h *Handler) HandleRetryBackup(c echo.Context) error {
	if err := h.svc.RetryBackup(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "scheduled"})
}

// HandleStats handles GET /admin/stats.
// Returns aggregate transfer statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	byStatus := make(map[string]int64, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	return c.JSON(http.StatusOK, echo.Map{
		"transfers":             byStatus,
		"backups_failed":        stats.BackupsFailed,
		"bytes_completed":       stats.BytesCompleted,
		"bytes_completed_human": humanize.IBytes(uint64(stats.BytesCompleted)),
	})
}

// retryAfterSeconds is suggested to clients rejected for capacity.
const retryAfterSeconds = 30

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var exceeded *quota.Exceeded
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transfer not found"})
	case errors.Is(err, service.ErrInvalidSize):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, relay.ErrNotRelayable),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrNotCompleted),
		errors.Is(err, service.ErrAlreadyRelaying):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.As(err, &exceeded):
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":  exceeded.Error(),
			"reason": exceeded.Reason,
		})
	case apperr.IsCapacity(err):
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": capacityMessage(err)})
	case apperr.Remote.Has(err):
		slog.Error("provider request failed", "error", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "storage provider unavailable"})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func capacityMessage(err error) string {
	switch {
	case errors.Is(err, accounts.ErrNoAccountAvailable):
		return "no storage account available, try again later"
	case errors.Is(err, service.ErrBackupQueueFull):
		return "backup queue is full, try again later"
	}
	return "server is at capacity, try again later"
}
