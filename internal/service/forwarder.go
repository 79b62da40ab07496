// Package service implements the core forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gemini-edge-proxy/internal/client"
	"gemini-edge-proxy/internal/config"
	"gemini-edge-proxy/internal/model"
)

// Credential sources and path rewrite constants.
const (
	CredentialHeader      = "x-goog-api-key"
	CredentialQueryParam  = "key"
	RoutePrefix           = "/api/edge"
	UpstreamVersionPrefix = "/v1beta"
)

// ErrMissingCredential is returned when neither the credential header nor the
// key query parameter carries a value.
var ErrMissingCredential = errors.New("credential required: send x-goog-api-key header or key query parameter")

// ForwardError reports that the upstream call could not be completed.
// Upstream HTTP error statuses are never reported this way.
type ForwardError struct {
	Err error
}

func (e *ForwardError) Error() string {
	return "forward to upstream: " + e.Err.Error()
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// Forwarder relays inbound requests to the Gemini API.
type Forwarder struct {
	client  *client.GeminiClient
	logger  *slog.Logger
	baseURL string
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newForwarder(c, u, logger), nil
}

// NewForwarderForTest creates a Forwarder without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewForwarderForTest(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newForwarder(c, u, logger), nil
}

func newForwarder(c *client.GeminiClient, u *url.URL, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		baseURL: u.Scheme + "://" + u.Host,
	}
}

// Forward sends fr to the upstream and returns the upstream response, whatever
// its status. The caller is responsible for closing the response body.
//
// The credential is resolved in order: x-goog-api-key header → key query
// parameter. If neither is present, ErrMissingCredential is returned and no
// upstream call is made. A failed upstream call yields a *ForwardError.
func (f *Forwarder) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	credential := ResolveCredential(fr.Header, fr.RawQuery)
	if credential == "" {
		return nil, ErrMissingCredential
	}

	target := f.TargetURL(fr.Path, fr.RawQuery)
	header := RelayHeaders(fr.Header, credential)

	// Only an untyped nil keeps GET/HEAD bodyless upstream.
	var body io.Reader
	var contentLength int64
	if carriesBody(fr.Method) && fr.Body != nil {
		body = fr.Body
		contentLength = fr.ContentLength
	}

	f.logger.Debug("forwarding request",
		"method", fr.Method,
		"path", fr.Path,
	)

	resp, err := f.client.DoStream(fr.Ctx, fr.Method, target, header, body, contentLength)
	if err != nil {
		return nil, &ForwardError{Err: err}
	}
	return resp, nil
}

// ResolveCredential returns the first non-empty credential from the
// x-goog-api-key header, then the key query parameter.
func ResolveCredential(header http.Header, rawQuery string) string {
	if v := header.Get(CredentialHeader); v != "" {
		return v
	}
	// ParseQuery keeps every pair it could decode even when it reports an error.
	q, _ := url.ParseQuery(rawQuery)
	return q.Get(CredentialQueryParam)
}

// TargetURL swaps the local route prefix for the upstream version prefix and
// appends the query string unchanged. No path normalisation is applied.
func (f *Forwarder) TargetURL(path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(f.baseURL)
	b.WriteString(UpstreamVersionPrefix)
	b.WriteString(strings.TrimPrefix(path, RoutePrefix))
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// RelayHeaders returns a copy of src carrying credential in x-goog-api-key
// and no Host header. src is not modified.
func RelayHeaders(src http.Header, credential string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Set(CredentialHeader, credential)
	dst.Del("Host")
	return dst
}

// hopByHopHeaders apply to a single connection and are never relayed in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place, including any
// extra header named in a Connection token.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}
