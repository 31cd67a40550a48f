package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imms/imms/internal/platform/metrics"
)

// Metrics records per-request duration by method and status.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			m.ObserveRequest(c.Request().Method, strconv.Itoa(c.Response().Status), time.Since(start).Seconds())
			return err
		}
	}
}
