package middleware

import (
	"github.com/labstack/echo/v4"

	"gemini-edge-proxy/internal/service"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and adds security headers to every response.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			service.StripHopByHop(c.Request().Header)

			// Registered as a Before hook so relayed upstream headers cannot
			// drop them and they land before the status line is written.
			res := c.Response()
			res.Before(func() {
				res.Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
				res.Header().Set(echo.HeaderXFrameOptions, "DENY")
			})

			return next(c)
		}
	}
}
