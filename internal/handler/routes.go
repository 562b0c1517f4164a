package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"m3u8-edge-proxy/internal/config"
	"m3u8-edge-proxy/internal/metrics"
	"m3u8-edge-proxy/internal/middleware"
)

var proxyMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	for _, route := range proxy.Routes() {
		h := proxy.Handler(route)
		e.Match(proxyMethods, route.Prefix, h, middleware.CORS())
		e.Match(proxyMethods, route.Prefix+"/*", h, middleware.CORS())
	}
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled || m == nil {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
