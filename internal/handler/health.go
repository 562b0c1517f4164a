package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"m3u8-edge-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Prefix   string `json:"prefix"`
	Policy   string `json:"policy"`
	Upstream string `json:"upstream,omitempty"`
}

type statusBody struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []routeStatus `json:"routes"`
}

// Status reports the build version and the route table.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make([]routeStatus, 0, len(h.cfg.Routes))
	for _, r := range h.cfg.Routes {
		rs := routeStatus{Prefix: r.Prefix, Policy: r.Policy}
		if r.Policy != config.PolicyTarget {
			rs.Upstream = r.Upstream
			if rs.Upstream == "" {
				rs.Upstream = h.cfg.Upstream.BaseURL
			}
		}
		routes = append(routes, rs)
	}

	return c.JSON(http.StatusOK, statusBody{
		Status:  "ok",
		Version: string(h.version),
		Routes:  routes,
	})
}
