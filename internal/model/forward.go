// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ForwardRequest is an inbound request as seen by the forwarder.
// Path is the escaped request path and RawQuery is the query string without
// the leading '?', both exactly as received.
type ForwardRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ForwardResponse is the upstream response to be relayed back.
// The caller owns Body and must close it.
type ForwardResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}
