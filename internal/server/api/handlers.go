package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"sharegate/internal/server/quota"
	"sharegate/internal/server/service"

	"github.com/labstack/echo/v4"
)

// multipartOverhead is allowed on top of the maximum file size for form
// boundaries and other fields.
const multipartOverhead = 1 << 20

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the sharegate API.
type Handler struct {
	svc         *service.UploadService
	ledger      HealthChecker
	maxFileSize int64
}

// NewHandler creates a new handler. ledger may be nil when the ledger
// backend has nothing to check.
func NewHandler(svc *service.UploadService, ledger HealthChecker, maxFileSize int64) *Handler {
	return &Handler{svc: svc, ledger: ledger, maxFileSize: maxFileSize}
}

// HandleIndex handles GET /.
func (h *Handler) HandleIndex(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"service": "sharegate",
		"upload":  "POST " + uploadPath + " with form field 'file' or 'text'",
	})
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with a "file" field, or a "text" field for pastes.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.maxFileSize+multipartOverhead)

	result, err := h.upload(c, clientIdentity(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

func (h *Handler) upload(c echo.Context, identity string) (*service.UploadResult, error) {
	ctx := c.Request().Context()

	fileHeader, err := c.FormFile("file")
	if err == nil {
		src, err := fileHeader.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read uploaded file: %w", err)
		}
		defer src.Close()
		return h.svc.ProcessUpload(ctx, identity, fileHeader.Filename, src)
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, service.ErrFileTooLarge
	}
	return h.svc.ProcessText(ctx, identity, c.FormValue("text"))
}

// HandleView handles GET /:id.
// Serves the stored content for a short id.
func (h *Handler) HandleView(c echo.Context) error {
	obj, err := h.svc.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer obj.Body.Close()

	return c.Stream(http.StatusOK, obj.ContentType, obj.Body)
}

// HandleDelete handles DELETE /api/delete/:id/:token.
// Deletes an upload using the deletion token provided at upload time.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := c.Param("id")
	token := c.Param("token")

	if err := h.svc.DeleteUpload(c.Request().Context(), id, token); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": "upload deleted successfully",
	})
}

// HandleUsage handles GET /api/usage.
// Returns the caller's storage usage against the per-identity ceiling.
func (h *Handler) HandleUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Usage(clientIdentity(c)))
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including ledger connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	ledgerStatus := "ok"

	if h.ledger != nil {
		if err := h.ledger.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			ledgerStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": status,
		"ledger": ledgerStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.GetStats())
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var admErr *service.AdmissionError
	switch {
	case errors.As(err, &admErr):
		return writeDenial(c, admErr.Decision)
	case errors.Is(err, quota.ErrQuotaExceeded):
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":   "Storage quota exceeded",
			"message": err.Error(),
		})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Paste not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "upload has expired"})
	case errors.Is(err, service.ErrInvalidToken):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid deletion token"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrNoContent):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "No content provided"})
	case errors.Is(err, service.ErrIDUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "try again later"})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
