package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"gemini-edge-proxy/internal/client"
	"gemini-edge-proxy/internal/config"
	"gemini-edge-proxy/internal/handler"
	"gemini-edge-proxy/internal/metrics"
	"gemini-edge-proxy/internal/service"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: 1 << 20},
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestServer builds the production stack with routes pointed at upstreamURL.
func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	gc := client.NewGeminiClient(cfg, logger, m, nil)
	fwd, err := service.NewForwarderForTest(gc, cfg, logger)
	if err != nil {
		t.Fatalf("NewForwarderForTest: %v", err)
	}

	e := New(cfg, logger, m, nil)
	handler.RegisterRoutes(e, handler.NewForwardHandler(fwd, m, logger), handler.NewHealthHandler(cfg, "test"))
	handler.RegisterMetrics(e, cfg, m)
	return e
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestNew_RateLimitRejectionCarriesCORS(t *testing.T) {
	cfg := testConfig(newUpstream(t).URL)
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}
	e := newTestServer(t, cfg)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/edge/models/gemini-pro:generateContent?key=k", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	var limited *httptest.ResponseRecorder
	for range 10 {
		if rec := send(); rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("expected a 429 after the burst, got none")
	}
	if got := limited.Result().Header.Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("Access-Control-Allow-Origin on 429 = %q, want %q", got, "*")
	}
}

func TestNew_BodyLimitRejectionCarriesCORS(t *testing.T) {
	cfg := testConfig(newUpstream(t).URL)
	cfg.Server.BodyMaxBytes = 10
	e := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/edge/models/gemini-pro:generateContent", strings.NewReader(strings.Repeat("x", 100)))
	req.Header.Set("x-goog-api-key", "k")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if got := rec.Result().Header.Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("Access-Control-Allow-Origin on 413 = %q, want %q", got, "*")
	}
}

func TestNew_ResponseHeaders(t *testing.T) {
	e := newTestServer(t, testConfig(newUpstream(t).URL))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantACAO   string
	}{
		{"forwarded", http.MethodGet, "/api/edge/models?key=k", http.StatusOK, "*"},
		{"preflight", http.MethodOptions, "/api/edge/models", http.StatusNoContent, "*"},
		{"missing credential", http.MethodGet, "/api/edge/models", http.StatusUnauthorized, "*"},
		{"bare prefix not routed", http.MethodGet, "/api/edge", http.StatusNotFound, "*"},
		{"healthz", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			h := rec.Result().Header
			if got := h.Get(echo.HeaderAccessControlAllowOrigin); got != tt.wantACAO {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantACAO)
			}
			if got := h.Get(echo.HeaderXContentTypeOptions); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
			}
			if _, err := uuid.Parse(h.Get(echo.HeaderXRequestID)); err != nil {
				t.Errorf("X-Request-Id = %q, want a UUID: %v", h.Get(echo.HeaderXRequestID), err)
			}
		})
	}
}

func TestNew_RateLimitDisabledByDefault(t *testing.T) {
	e := newTestServer(t, testConfig(newUpstream(t).URL))

	for i := range 5 {
		req := httptest.NewRequest(http.MethodGet, "/api/edge/models?key=k", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}
