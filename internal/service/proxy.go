// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"m3u8-edge-proxy/internal/client"
	"m3u8-edge-proxy/internal/config"
	"m3u8-edge-proxy/internal/metrics"
	"m3u8-edge-proxy/internal/model"
)

// maxErrorBody caps how much of an upstream error page is buffered.
const maxErrorBody = 1 << 20

// discardLimit bounds how much of a rejected attempt's body is read so the
// connection can be reused.
const discardLimit = 64 << 10

// playlistMediaTypes are the HLS playlist content types streamed through untouched
// even when the upstream status is an error.
var playlistMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	metrics  *metrics.Metrics
	logger   *slog.Logger
	routes   []Route
	defaults HeaderDefaults
}

// NewProxyService creates a ProxyService for the configured route table.
// The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*ProxyService, error) {
	routes, err := newRoutes(cfg)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:  c,
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
		routes:  routes,
		defaults: HeaderDefaults{
			UserAgent:      cfg.Proxy.UserAgent,
			Accept:         "*/*",
			AcceptLanguage: cfg.Proxy.AcceptLanguage,
		},
	}, nil
}

// Routes returns the resolved route table.
func (s *ProxyService) Routes() []Route {
	return s.routes
}

// Plan is the fully resolved outbound work for one inbound request: the
// ordered candidates plus the predicate deciding whether a response ends the
// chain. The last candidate is always accepted.
type Plan struct {
	Route   Route
	Method  string
	Targets []model.Target
	Header  http.Header

	accept func(*model.ProxyResponse) bool
}

// acceptAny ends the chain on any upstream response.
func acceptAny(*model.ProxyResponse) bool { return true }

// acceptBelowServerError ends the chain unless the upstream answered with a 5xx.
func acceptBelowServerError(resp *model.ProxyResponse) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// Prepare resolves targets and forward headers without touching the network.
func (s *ProxyService) Prepare(route Route, pr *model.ProxyRequest) (*Plan, error) {
	targets, err := BuildTargets(route, pr)
	if err != nil {
		return nil, err
	}

	accept := acceptAny
	if route.Policy == config.PolicyFallback {
		accept = acceptBelowServerError
	}

	return &Plan{
		Route:   route,
		Method:  pr.Method,
		Targets: targets,
		Header:  BuildForwardHeaders(pr.Header, pr.Query.Get("headers"), s.defaults),
		accept:  accept,
	}, nil
}

// Forward runs the plan's attempts in order and returns the first accepted
// response. The caller is responsible for closing the response body.
// When every attempt fails at the network level a *FetchError is returned.
func (s *ProxyService) Forward(ctx context.Context, plan *Plan) (*model.ProxyResponse, error) {
	var lastErr error
	for i, t := range plan.Targets {
		last := i == len(plan.Targets)-1

		resp, err := s.client.DoStream(ctx, plan.Method, t.URL, plan.Header.Clone())
		if err != nil {
			lastErr = err
			s.metrics.ObserveAttempt(plan.Route.Policy, t.Attempt, metrics.OutcomeError)
			s.logger.Warn("upstream attempt failed",
				"route", plan.Route.Prefix,
				"attempt", t.Attempt,
				"err", Redact(err.Error()),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if !last && !plan.accept(resp) {
			s.metrics.ObserveAttempt(plan.Route.Policy, t.Attempt, metrics.OutcomeRejected)
			s.logger.Info("upstream attempt rejected",
				"route", plan.Route.Prefix,
				"attempt", t.Attempt,
				"status", resp.StatusCode,
			)
			discard(resp.Body)
			continue
		}

		s.metrics.ObserveAttempt(plan.Route.Policy, t.Attempt, metrics.OutcomeAccepted)
		resp.Attempt = t.Attempt
		resp.Header = filterResponseHeaders(resp.Header)

		if plan.Route.Policy == config.PolicyTarget {
			s.surfaceUpstreamError(resp)
		}
		return resp, nil
	}

	return nil, &FetchError{Targets: plan.Targets, Err: lastErr}
}

// surfaceUpstreamError replaces the body of a non-playlist error response
// with its buffered text so upstream error pages reach the caller intact.
// An empty body becomes the status text.
func (s *ProxyService) surfaceUpstreamError(resp *model.ProxyResponse) {
	if resp.StatusCode < 400 || isPlaylist(resp.Header.Get("Content-Type")) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if err != nil {
		s.logger.Warn("reading upstream error body", "err", err, "status", resp.StatusCode)
	}

	if len(body) == 0 {
		body = []byte(http.StatusText(resp.StatusCode))
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.Header.Del("Content-Encoding")
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Body = io.NopCloser(bytes.NewReader(body))
}

func isPlaylist(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return playlistMediaTypes[strings.ToLower(strings.TrimSpace(mediaType))]
}

// filterResponseHeaders passes upstream headers through minus the hop-by-hop set.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !IsHopByHop(key) {
			dst[key] = vals
		}
	}
	return dst
}

func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, discardLimit))
	_ = body.Close()
}

// String describes the plan for logs.
func (p *Plan) String() string {
	urls := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		urls[i] = t.Attempt + "=" + Redact(t.URL)
	}
	return fmt.Sprintf("%s %s [%s]", p.Route.Policy, p.Method, strings.Join(urls, " "))
}
