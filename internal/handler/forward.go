package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"gemini-edge-proxy/internal/metrics"
	"gemini-edge-proxy/internal/model"
	"gemini-edge-proxy/internal/service"
)

// Messages returned in the "error" field of locally generated responses.
const (
	msgMissingCredential = "API key is missing. Please provide it in the `x-goog-api-key` header or `key` query parameter."
	msgForwardFailed     = "Failed to forward request to Gemini API"
)

// Preflight response values.
const (
	preflightAllowMethods = "GET, POST, OPTIONS"
	preflightAllowHeaders = "Content-Type, Authorization, x-goog-api-key"
)

// credentialPattern matches key query parameter values in URLs embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// ForwardHandler relays requests under the edge prefix to the Gemini API.
type ForwardHandler struct {
	forwarder *service.Forwarder
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewForwardHandler creates a ForwardHandler. m may be nil.
func NewForwardHandler(fwd *service.Forwarder, m *metrics.Metrics, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		forwarder: fwd,
		metrics:   m,
		logger:    logger.With("component", "forward_handler"),
	}
}

// Handle answers preflight requests locally and forwards everything else to
// the upstream, relaying its status, headers and body unchanged.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return h.preflight(c)
	}

	fr := &model.ForwardRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.forwarder.Forward(fr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The whole upstream body is read before anything is written, so a
	// failure here can still be reported as a 502.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, &service.ForwardError{Err: err})
	}

	relayed := resp.Header.Clone()
	service.StripHopByHop(relayed)

	header := c.Response().Header()
	for key, vals := range relayed {
		header[key] = vals
	}
	// A bodyless reply keeps the upstream's Content-Length as sent.
	if !bodyless(req.Method, resp.StatusCode) {
		header.Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ForwardHandler) preflight(c echo.Context) error {
	h.reject(metrics.ReasonPreflight)

	header := c.Response().Header()
	header.Set(echo.HeaderAccessControlAllowMethods, preflightAllowMethods)
	header.Set(echo.HeaderAccessControlAllowHeaders, preflightAllowHeaders)
	return c.NoContent(http.StatusNoContent)
}

func (h *ForwardHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingCredential) {
		h.reject(metrics.ReasonMissingCredential)
		h.logger.Warn("request without credential",
			"path", c.Request().URL.Path,
			"remote_ip", c.RealIP(),
		)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": msgMissingCredential,
		})
	}

	// A request body cut off by the body limit mid-transfer surfaces here
	// wrapped in the transport error; report it as the limit's own status.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	details := sanitizeError(err)
	var fe *service.ForwardError
	if errors.As(err, &fe) {
		details = sanitizeError(fe.Err)
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":   msgForwardFailed,
		"details": details,
	})
}

func bodyless(method string, status int) bool {
	return method == http.MethodHead ||
		status == http.StatusNoContent ||
		status == http.StatusNotModified ||
		(status >= 100 && status < 200)
}

func (h *ForwardHandler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(reason).Inc()
	}
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
