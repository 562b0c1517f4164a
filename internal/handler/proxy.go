package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"m3u8-edge-proxy/internal/client"
	"m3u8-edge-proxy/internal/config"
	"m3u8-edge-proxy/internal/middleware"
	"m3u8-edge-proxy/internal/model"
	"m3u8-edge-proxy/internal/service"
)

// ProxyHandler forwards media requests according to each route's policy.
type ProxyHandler struct {
	service      *service.ProxyService
	logger       *slog.Logger
	debugEnabled bool
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		logger:       logger.With("component", "proxy_handler"),
		debugEnabled: !cfg.Proxy.DisableDebug,
	}
}

// Routes returns the routes this handler serves.
func (h *ProxyHandler) Routes() []service.Route {
	return h.service.Routes()
}

// Handler returns the echo handler for one route.
func (h *ProxyHandler) Handler(route service.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		return h.handle(c, route)
	}
}

func (h *ProxyHandler) handle(c echo.Context, route service.Route) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Query:    req.URL.Query(),
		Header:   req.Header,
	}

	plan, err := h.service.Prepare(route, pr)
	if err != nil {
		return h.mapTargetError(c, err)
	}

	if h.debugEnabled && pr.Query.Get("__debug") == "1" {
		return h.debugPreview(c, plan)
	}

	h.logger.Debug("forwarding", "plan", plan.String())

	resp, err := h.service.Forward(pr.Ctx, plan)
	if err != nil {
		return h.mapFetchError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware seeded (nosniff, request id);
	// the CORS set is applied last and wins over both.
	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	middleware.ApplyCORS(header, resp.Attempt)

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. the player seeks away), the status has already been
	// sent and the client sees a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", service.Redact(err.Error()),
			"path", req.URL.Path,
			"attempt", resp.Attempt,
		)
	}

	return nil
}

// debugPreviewBody describes what would be sent upstream.
type debugPreviewBody struct {
	Policy  string         `json:"policy"`
	Method  string         `json:"method"`
	Targets []model.Target `json:"targets"`
	Headers [][2]string    `json:"headers"`
}

func (h *ProxyHandler) debugPreview(c echo.Context, plan *service.Plan) error {
	headers := make([][2]string, 0, len(plan.Header))
	for key, vals := range plan.Header {
		name := strings.ToLower(key)
		if name == "authorization" {
			continue
		}
		for _, v := range vals {
			headers = append(headers, [2]string{name, v})
		}
	}
	sort.SliceStable(headers, func(i, j int) bool { return headers[i][0] < headers[j][0] })

	return c.JSONPretty(http.StatusOK, debugPreviewBody{
		Policy:  plan.Route.Policy,
		Method:  plan.Method,
		Targets: plan.Targets,
		Headers: headers,
	}, "  ")
}

func (h *ProxyHandler) mapTargetError(c echo.Context, err error) error {
	h.logger.Info("rejected target",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, service.ErrMissingTarget),
		errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, service.ErrUnsupportedProtocol):
		return c.String(http.StatusBadRequest, err.Error())
	default:
		return c.String(http.StatusInternalServerError, "route misconfigured")
	}
}

func (h *ProxyHandler) mapFetchError(c echo.Context, err error) error {
	reason := classifyFetchError(err)
	h.logger.Error("proxy error",
		"err", service.Redact(err.Error()),
		"reason", reason,
		"path", c.Request().URL.Path,
	)

	body := map[string]string{
		"error":  "fetch_failed",
		"reason": reason,
	}

	var fe *service.FetchError
	if errors.As(err, &fe) {
		if fe.Err != nil {
			body["message"] = service.Redact(fe.Err.Error())
		}
		if len(fe.Targets) == 1 {
			body["target"] = service.Redact(fe.Targets[0].URL)
		} else {
			for _, t := range fe.Targets {
				body["attempt"+t.Attempt] = service.Redact(t.URL)
			}
		}
	} else {
		body["message"] = service.Redact(err.Error())
	}

	middleware.ApplyCORS(c.Response().Header(), model.AttemptException)
	return c.JSON(http.StatusBadGateway, body)
}

// classifyFetchError names the broad cause of a failed upstream call.
func classifyFetchError(err error) string {
	if errors.Is(err, client.ErrTooManyRedirects) {
		return "redirects"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection"
	}

	return "unknown"
}
