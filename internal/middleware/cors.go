package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// AllowAnyOrigin returns an Echo middleware that sets
// Access-Control-Allow-Origin: * on every response to a request under prefix.
// It must be registered ahead of any middleware that can reject a request
// (body limit, rate limiter) so those rejections carry the header too. The
// value also replaces whatever a relayed upstream response carried.
func AllowAnyOrigin(prefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !underPrefix(c.Request().URL.Path, prefix) {
				return next(c)
			}

			res := c.Response()
			res.Before(func() {
				res.Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			})
			return next(c)
		}
	}
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
