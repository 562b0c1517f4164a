package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter returns a per-IP rate limiting middleware backed by an
// in-memory store. Rejections carry the CORS set so browser players can
// read the 429.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(rps))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			ApplyCORS(c.Response().Header(), "")
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate_limited",
			})
		},
	})
}
