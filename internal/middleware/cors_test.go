package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAllowAnyOrigin(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    int
	}{
		{
			name: "success",
			handler: func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			},
			want: http.StatusOK,
		},
		{
			name: "json error",
			handler: func(c echo.Context) error {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "nope"})
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "returned HTTPError",
			handler: func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusBadGateway, "down")
			},
			want: http.StatusBadGateway,
		},
		{
			name: "relayed header overwritten",
			handler: func(c echo.Context) error {
				c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "https://aistudio.google.com")
				return c.NoContent(http.StatusOK)
			},
			want: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(AllowAnyOrigin("/api/edge"))
			e.GET("/api/edge/*", tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/api/edge/models", http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			res := rec.Result()
			if got := res.Header.Values(echo.HeaderAccessControlAllowOrigin); len(got) != 1 || got[0] != "*" {
				t.Errorf("Access-Control-Allow-Origin = %v, want [*]", got)
			}
		})
	}
}

func TestAllowAnyOrigin_Scope(t *testing.T) {
	e := echo.New()
	e.Use(AllowAnyOrigin("/api/edge"))
	e.GET("/api/edge/*", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	tests := []struct {
		path string
		want string
	}{
		{"/api/edge/models", "*"},
		{"/api/edge", "*"},
		{"/healthz", ""},
		{"/api/edgeless", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if got := rec.Result().Header.Get(echo.HeaderAccessControlAllowOrigin); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}
