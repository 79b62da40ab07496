// Package server assembles the Echo instance and its middleware stack.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"gemini-edge-proxy/internal/config"
	"gemini-edge-proxy/internal/metrics"
	"gemini-edge-proxy/internal/middleware"
	"gemini-edge-proxy/internal/service"
	"gemini-edge-proxy/internal/telemetry"
)

// New returns an Echo instance with the full middleware stack installed and
// no routes. tel may be nil.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tel *telemetry.Telemetry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Generations can run for minutes and the upstream call has no deadline
	// by default, so writes are not bounded either.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	// Everything below may reject the request.
	e.Use(middleware.AllowAnyOrigin(service.RoutePrefix))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if tel != nil && tel.Enabled() {
		e.Use(middleware.Tracing(tel))
	}
	if cfg.Metrics.Enabled && m != nil {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}
