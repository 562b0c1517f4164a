// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Attempt tags reported in the diagnostic response header.
const (
	AttemptA         = "A"
	AttemptB         = "B"
	AttemptException = "EX"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped form, as received
	RawQuery string
	Query    url.Values
	Header   http.Header
}

// Target is one candidate upstream URL, tagged with the attempt it belongs to.
type Target struct {
	Attempt string `json:"attempt"`
	URL     string `json:"url"`
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Attempt is the tag of the target that produced this response.
	Attempt string
	Target  string
}
