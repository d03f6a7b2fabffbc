// Package http provides the internal HTTP API of the run coordinator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/service"
)

// NewInternalServer creates the internal-facing HTTP server: out-of-band
// control, run inspection, health and metrics.
func NewInternalServer(svc *service.Service, registry *hub.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h := NewHandler(svc, registry)
	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return e
}
