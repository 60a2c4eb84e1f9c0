package api

import (
	"sharegate/internal/server/admission"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, gate *admission.Gateway, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())
	e.Use(Admission(gate))

	// Health, stats & metrics
	e.GET("/", handler.HandleIndex)
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/api/usage", handler.HandleUsage)

	// Upload
	e.POST("/api/upload", handler.HandleUpload)

	// Delete
	e.DELETE("/api/delete/:id/:token", handler.HandleDelete)

	// View
	e.GET("/:id", handler.HandleView)

	return e
}
