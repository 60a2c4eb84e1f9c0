package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sharegate/internal/server/admission"
	"sharegate/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
)

const (
	uploadPath      = "/api/upload"
	unknownIdentity = "unknown"
)

// exemptPrefixes are never admission-checked.
var exemptPrefixes = []string{"/static", "/uploads"}

// exemptPaths are operational endpoints that are never admission-checked.
var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
}

// clientIdentity returns the first X-Forwarded-For hop, X-Real-IP or the
// peer address, in that order.
func clientIdentity(c echo.Context) string {
	if ip := strings.TrimSpace(c.RealIP()); ip != "" {
		return ip
	}
	return unknownIdentity
}

// Admission enforces bans on every non-exempt route, the upload rate limit
// on POST /api/upload and the view rate limit on GET routes. Uploads are
// admitted before the body is read, so invalid uploads still count; their
// quota is checked by the upload handler once the size is known.
func Admission(gate *admission.Gateway) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if isExempt(path) {
				return next(c)
			}

			identity := clientIdentity(c)

			var d admission.Decision
			switch {
			case req.Method == http.MethodPost && path == uploadPath:
				d = gate.Admit(identity, ratelimit.ActionUpload, nil)
			case req.Method == http.MethodGet:
				d = gate.Admit(identity, ratelimit.ActionView, nil)
			default:
				d = gate.CheckBan(identity)
			}
			if !d.Allowed {
				return writeDenial(c, d)
			}

			setRateLimitHeaders(c, d)
			return next(c)
		}
	}
}

func isExempt(path string) bool {
	if exemptPaths[path] {
		return true
	}
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// setRateLimitHeaders adds the limit headers for an allowed rate-limited
// request. Reset is the full window, as no earlier slot is freed.
func setRateLimitHeaders(c echo.Context, d admission.Decision) {
	if d.Limit == 0 {
		return
	}
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.Window/time.Second)))
}

// writeDenial renders a refused decision.
func writeDenial(c echo.Context, d admission.Decision) error {
	retry := d.RetryAfterSeconds()
	h := c.Response().Header()

	switch d.Reason {
	case admission.ReasonBanned:
		h.Set("Retry-After", strconv.Itoa(retry))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":       "Too many requests",
			"message":     d.Message,
			"retry_after": retry,
		})
	case admission.ReasonRateLimited:
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Reset", strconv.Itoa(retry))
		h.Set("Retry-After", strconv.Itoa(retry))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":       "Rate limit exceeded",
			"message":     d.Message,
			"retry_after": retry,
		})
	case admission.ReasonQuotaExceeded:
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":   "Storage quota exceeded",
			"message": d.Message,
		})
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   "Invalid request",
			"message": d.Message,
		})
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"identity", clientIdentity(c),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
