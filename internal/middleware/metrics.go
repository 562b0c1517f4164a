package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"m3u8-edge-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Responses tagged with the diagnostic header are
// also counted per serving attempt.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			prefix := m.NormalizePath(c.Request().URL.Path)
			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(responseStatus(c, err)),
				prefix,
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(elapsed)

			if attempt := c.Response().Header().Get(DiagHeader); attempt != "" {
				m.ServedTotal.WithLabelValues(prefix, attempt).Inc()
			}

			return err
		}
	}
}

// responseStatus resolves the status the client will see. An *echo.HTTPError
// returned by the handler is written later by Echo's error handler, so its
// code wins over the not-yet-written response status.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
