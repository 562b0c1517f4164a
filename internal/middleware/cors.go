package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DiagHeader names the response header reporting which attempt served the request.
const DiagHeader = "X-Proxy-Diag"

// corsHeaders grant any origin read access to proxied media.
var corsHeaders = [][2]string{
	{echo.HeaderAccessControlAllowOrigin, "*"},
	{echo.HeaderAccessControlAllowMethods, "GET,HEAD,OPTIONS"},
	{echo.HeaderAccessControlAllowHeaders, "*"},
	{echo.HeaderAccessControlMaxAge, "86400"},
}

// ApplyCORS sets the CORS headers on h, replacing any upstream values, and
// tags the response with attempt when non-empty.
func ApplyCORS(h http.Header, attempt string) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
	if attempt != "" {
		h.Set(DiagHeader, attempt)
	}
}

// CORS returns an Echo middleware for proxy routes. Preflight requests are
// answered with 204 and never reach the handler; every other response starts
// out with the CORS set so local errors carry it too.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			ApplyCORS(h, "")

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			return next(c)
		}
	}
}
