package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"

	"gemini-edge-proxy/internal/telemetry"
)

// Tracing returns an Echo middleware that wraps each request in a server span.
func Tracing(tel *telemetry.Telemetry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tel.StartServerSpan(c.Request())
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}
			telemetry.EndSpan(span, statusCode, nil)

			return err
		}
	}
}
