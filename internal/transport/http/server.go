// Package http provides the HTTP server implementation for the engine.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/csagent/internal/metrics"
	v1 "github.com/xiaot623/gogo/csagent/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server.
// It serves the public v1 API, the operator websocket, health and Prometheus metrics.
func NewServer(handler *v1.Handler, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register Routes
	handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return e
}
