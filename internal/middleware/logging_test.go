package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"gemini-edge-proxy/internal/telemetry"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/api/edge/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/edge/models?key=secret", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	out := buf.String()
	if !strings.Contains(out, "path=/api/edge/models") {
		t.Errorf("log = %q, want path field", out)
	}
	if strings.Contains(out, "secret") {
		t.Errorf("log = %q, must not contain the query string", out)
	}
}

func TestRequestLogger_WarnsOnServerError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/api/edge/*", func(c echo.Context) error {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "down"})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/edge/models", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("log = %q, want WARN level for 502", buf.String())
	}
}

func TestRequestLogger_HTTPErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.POST("/api/edge/*", func(_ echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/edge/models/gemini-pro:generateContent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "status=413") {
		t.Errorf("log = %q, want status=413", out)
	}
	if !strings.Contains(out, "route=/api/edge/*") {
		t.Errorf("log = %q, want the matched route", out)
	}
}

func TestRequestLogger_TraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	exp := tracetest.NewInMemoryExporter()
	tel := telemetry.NewWithExporter(exp, "test", 1)

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Use(Tracing(tel))
	e.GET("/api/edge/*", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/edge/models", http.NoBody)
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "trace_id=4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("log = %q, want trace_id of the inbound trace", buf.String())
	}
}
